package mp4test

import (
	"bytes"
	"testing"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/mp4play/internal/media"
)

func TestBuildDecodes(t *testing.T) {
	t.Parallel()
	for _, opts := range []Options{{}, {ChunkSamples: 4}, {MoovLast: true, ChunkSamples: 3}} {
		data, err := Build([]Track{
			{Kind: media.Video, Timescale: 90000, Duration: 3000, Samples: VideoSamples(10, 5), SyncEvery: 5},
			{Kind: media.Audio, Timescale: 48000, Duration: 1024, Samples: AudioSamples(7)},
		}, opts)
		if err != nil {
			t.Fatalf("Build(%+v): %v", opts, err)
		}

		f, err := mp4.DecodeFile(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("DecodeFile(%+v): %v", opts, err)
		}
		if f.Moov == nil || len(f.Moov.Traks) != 2 {
			t.Fatalf("%+v: expected moov with 2 tracks", opts)
		}
		for i, trak := range f.Moov.Traks {
			stsc := trak.Mdia.Minf.Stbl.Stsc
			if len(stsc.Entries) != 1 {
				t.Fatalf("%+v track %d: stsc entries: got %d, want 1", opts, i, len(stsc.Entries))
			}
			if got := stsc.GetSampleDescriptionID(1); got != 1 {
				t.Errorf("%+v track %d: sample description index: got %d, want 1", opts, i, got)
			}
		}
	}
}

func TestBuildSampleEntryOverride(t *testing.T) {
	t.Parallel()
	dOps, err := RawBox("dOps", []byte{0, 2, 0x01, 0x38, 0, 0, 0xbb, 0x80, 0, 0, 0})
	if err != nil {
		t.Fatal(err)
	}
	data, err := Build([]Track{{
		Kind:        media.Audio,
		Timescale:   48000,
		Duration:    960,
		Samples:     AudioSamples(2),
		SampleEntry: mp4.CreateAudioSampleEntryBox("Opus", 2, 16, 48000, dOps),
	}}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	stsd := f.Moov.Traks[0].Mdia.Minf.Stbl.Stsd
	if len(stsd.Children) != 1 || stsd.Children[0].Type() != "Opus" {
		t.Errorf("sample entries: got %d, want one Opus entry", len(stsd.Children))
	}
}
