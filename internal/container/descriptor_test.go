package container

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/Eyevinn/mp4ff/av1"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/mp4test"
)

// HEVC Main 720p parameter sets.
const (
	hevcVPS = "40010c01ffff016000000300900000030000030078959809"
	hevcSPS = "420101016000000300900000030000030078a00502016965959a4932bc05a80808082000000300200000030321"
	hevcPPS = "4401c172b46240"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func rawBox(t *testing.T, boxType string, payload []byte) mp4.Box {
	t.Helper()
	box, err := mp4test.RawBox(boxType, payload)
	if err != nil {
		t.Fatalf("%s box: %v", boxType, err)
	}
	return box
}

// describe runs a one-track file with entry as its sample description
// through a Reader and returns the reported descriptor.
func describe(t *testing.T, kind media.TrackKind, entry mp4.Box) *media.TrackDescriptor {
	t.Helper()
	data := buildFile(t, []mp4test.Track{{
		Kind:        kind,
		Timescale:   48000,
		Duration:    960,
		Samples:     mp4test.AudioSamples(4),
		SampleEntry: entry,
	}}, mp4test.Options{})

	rec := newRecorder()
	r := NewReader(rec, nil)
	feed(t, r, data)
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := rec.trackErrs[kind]; err != nil {
		t.Fatalf("track error: %v", err)
	}
	desc := rec.descs[kind]
	if desc == nil {
		t.Fatalf("no %s descriptor", kind)
	}
	if got := len(rec.samples[kind]); got != 4 {
		t.Errorf("samples: got %d, want 4", got)
	}
	return desc
}

func TestDescribeHEVC(t *testing.T) {
	t.Parallel()
	hvcC, err := mp4.CreateHvcC(
		[][]byte{mustHex(t, hevcVPS)},
		[][]byte{mustHex(t, hevcSPS)},
		[][]byte{mustHex(t, hevcPPS)},
		true, true, true, true)
	if err != nil {
		t.Fatal(err)
	}
	desc := describe(t, media.Video, mp4.CreateVisualSampleEntryBox("hvc1", 1280, 720, hvcC))

	if want := "hvc1.1.6.L120.90"; desc.Codec != want {
		t.Errorf("codec: got %q, want %q", desc.Codec, want)
	}
	if desc.Width != 1280 || desc.Height != 720 {
		t.Errorf("dimensions: got %dx%d, want 1280x720", desc.Width, desc.Height)
	}
	if len(desc.Description) < 23 || desc.Description[0] != 1 {
		t.Errorf("description should be an hvcC record, got %x", desc.Description)
	}
}

func TestDescribeAV1(t *testing.T) {
	t.Parallel()
	av1C := &mp4.Av1CBox{CodecConfRec: av1.CodecConfRec{
		Version:      1,
		SeqLevelIdx0: 8,
		HighBitdepth: 1,
	}}
	desc := describe(t, media.Video, mp4.CreateVisualSampleEntryBox("av01", 640, 360, av1C))

	if want := "av01.0.08M.10"; desc.Codec != want {
		t.Errorf("codec: got %q, want %q", desc.Codec, want)
	}
	if want := []byte{0x81, 0x08, 0x40, 0x00}; !bytes.Equal(desc.Description, want) {
		t.Errorf("description: got %x, want %x", desc.Description, want)
	}
}

func TestDescribeVP9(t *testing.T) {
	t.Parallel()
	// version 1, profile 0, level 3.1, 8-bit 4:2:0, BT.709.
	vpcC := []byte{1, 0, 0, 0, 0, 31, 0x82, 1, 1, 1, 0, 0}
	entry := mp4.CreateVisualSampleEntryBox("vp09", 1920, 1080, rawBox(t, "vpcC", vpcC))
	desc := describe(t, media.Video, entry)

	if want := "vp09.00.31.08"; desc.Codec != want {
		t.Errorf("codec: got %q, want %q", desc.Codec, want)
	}
	if desc.SampleEntry != "vp09" {
		t.Errorf("sample entry: got %q, want vp09", desc.SampleEntry)
	}
	if !bytes.Equal(desc.Description, vpcC) {
		t.Errorf("description: got %x, want %x", desc.Description, vpcC)
	}
	if desc.Width != 1920 || desc.Height != 1080 {
		t.Errorf("dimensions: got %dx%d, want 1920x1080", desc.Width, desc.Height)
	}
}

func TestDescribeVP8(t *testing.T) {
	t.Parallel()
	vpcC := []byte{1, 0, 0, 0, 0, 10, 0x82, 2, 2, 2, 0, 0}
	desc := describe(t, media.Video, mp4.CreateVisualSampleEntryBox("vp08", 320, 240, rawBox(t, "vpcC", vpcC)))

	if desc.Codec != "vp8" {
		t.Errorf("codec: got %q, want vp8", desc.Codec)
	}
	if !bytes.Equal(desc.Description, vpcC) {
		t.Errorf("description: got %x, want %x", desc.Description, vpcC)
	}
}

func TestDescribeOpus(t *testing.T) {
	t.Parallel()
	// version 0, 2 channels, pre-skip 312, 48 kHz, gain 0, mapping family 0.
	dOps := []byte{0, 2, 0x01, 0x38, 0, 0, 0xbb, 0x80, 0, 0, 0}
	entry := mp4.CreateAudioSampleEntryBox("Opus", 2, 16, 48000, rawBox(t, "dOps", dOps))
	desc := describe(t, media.Audio, entry)

	if desc.Codec != "opus" {
		t.Errorf("codec: got %q, want opus", desc.Codec)
	}
	if !bytes.Equal(desc.Description, dOps) {
		t.Errorf("description: got %x, want %x", desc.Description, dOps)
	}
	if desc.Channels != 2 || desc.SampleRate != 48000 {
		t.Errorf("audio format: got %d ch @ %d Hz, want 2 ch @ 48000 Hz", desc.Channels, desc.SampleRate)
	}
}

// An entry type with no decoder in mp4ff stays opaque, so its track has no
// usable configuration.
func TestDescribeUnknownEntry(t *testing.T) {
	t.Parallel()
	entry := rawBox(t, "xyz1", make([]byte, 78))
	data := buildFile(t, []mp4test.Track{{
		Kind:        media.Video,
		Timescale:   1000,
		Duration:    40,
		Samples:     mp4test.VideoSamples(2, 0),
		SampleEntry: entry,
	}}, mp4test.Options{})

	rec := newRecorder()
	r := NewReader(rec, nil)
	feed(t, r, data)
	if rec.descs[media.Video] != nil {
		t.Error("unexpected descriptor for opaque sample entry")
	}
	if rec.trackErrs[media.Video] == nil {
		t.Error("expected a track error for opaque sample entry")
	}
}
