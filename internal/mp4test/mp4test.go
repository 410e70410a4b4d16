// Package mp4test builds progressive MP4 files in memory for tests. Files
// are assembled with mp4ff so they exercise the same box encoding real
// muxers produce.
package mp4test

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/mp4play/internal/media"
)

// SPS and PPS describe a 1920x1080 H.264 Baseline stream.
var (
	SPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	PPS = []byte{0x68, 0xce, 0x38, 0x80}
)

// Track describes one track of a generated file.
type Track struct {
	Kind      media.TrackKind
	Timescale uint32
	Duration  uint32 // per-sample duration in ticks
	Samples   [][]byte
	// SyncEvery marks every n-th sample (starting with the first) as a
	// sync sample. Zero omits stss, making every sample a sync sample.
	SyncEvery int
	// NoConfig removes the codec configuration box from the sample entry.
	NoConfig bool
	// SampleEntry replaces the generated AVC or AAC sample entry.
	SampleEntry mp4.Box
}

// Options controls file layout.
type Options struct {
	// MoovLast places moov after mdat.
	MoovLast bool
	// ChunkSamples is the number of samples per chunk; chunks of all tracks
	// are interleaved round-robin. Defaults to 1.
	ChunkSamples int
}

// VideoSamples returns n length-prefixed H.264 access units. Sync samples
// (every syncEvery-th, or all if syncEvery is 0) carry an IDR slice.
func VideoSamples(n, syncEvery int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		nalType := byte(0x41)
		if syncEvery == 0 || i%syncEvery == 0 {
			nalType = 0x65
		}
		nalu := []byte{nalType, 0x88, byte(i >> 8), byte(i)}
		sample := binary.BigEndian.AppendUint32(nil, uint32(len(nalu)))
		out[i] = append(sample, nalu...)
	}
	return out
}

// AudioSamples returns n raw AAC access units of distinct content.
func AudioSamples(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{0x21, 0x10, byte(i >> 8), byte(i), 0x00, 0x07}
	}
	return out
}

// Build assembles a progressive MP4 containing tracks.
func Build(tracks []Track, opts Options) ([]byte, error) {
	perChunk := opts.ChunkSamples
	if perChunk <= 0 {
		perChunk = 1
	}

	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso2", "avc1", "mp41"})
	init := mp4.CreateEmptyInit()
	moov := init.Moov

	stbls := make([]*mp4.StblBox, len(tracks))
	for i, tr := range tracks {
		trackID := uint32(i + 1)
		var trak *mp4.TrakBox
		switch {
		case tr.SampleEntry != nil:
			handler := "video"
			if tr.Kind == media.Audio {
				handler = "audio"
			}
			trak = mp4.CreateEmptyTrak(trackID, tr.Timescale, handler, "und")
			trak.Mdia.Minf.Stbl.Stsd.AddChild(tr.SampleEntry)
		case tr.Kind == media.Video:
			trak = mp4.CreateEmptyTrak(trackID, tr.Timescale, "video", "und")
			if err := trak.SetAVCDescriptor("avc1", [][]byte{SPS}, [][]byte{PPS}, true); err != nil {
				return nil, fmt.Errorf("avc descriptor: %w", err)
			}
		case tr.Kind == media.Audio:
			trak = mp4.CreateEmptyTrak(trackID, tr.Timescale, "audio", "und")
			if err := trak.SetAACDescriptor(2, int(tr.Timescale)); err != nil {
				return nil, fmt.Errorf("aac descriptor: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown track kind %v", tr.Kind)
		}
		moov.AddChild(trak)

		stbl := trak.Mdia.Minf.Stbl
		if tr.NoConfig {
			stripConfig(stbl.Stsd)
		}

		n := len(tr.Samples)
		stbl.Stts.SampleCount = []uint32{uint32(n)}
		stbl.Stts.SampleTimeDelta = []uint32{tr.Duration}
		stbl.Stsz.SampleUniformSize = 0
		stbl.Stsz.SampleNumber = uint32(n)
		stbl.Stsz.SampleSize = make([]uint32, n)
		for j, s := range tr.Samples {
			stbl.Stsz.SampleSize[j] = uint32(len(s))
		}
		if err := stbl.Stsc.AddEntry(1, uint32(perChunk), 1); err != nil {
			return nil, fmt.Errorf("stsc: %w", err)
		}
		stbl.Stco.ChunkOffset = make([]uint32, (n+perChunk-1)/perChunk)

		if tr.SyncEvery > 0 {
			stss := &mp4.StssBox{}
			for j := 0; j < n; j += tr.SyncEvery {
				stss.SampleNumber = append(stss.SampleNumber, uint32(j+1))
			}
			stbl.AddChild(stss)
		}
		stbls[i] = stbl
	}

	// Lay out chunks round-robin across tracks, recording offsets relative
	// to the start of the mdat payload.
	var payload bytes.Buffer
	rel := make([][]uint32, len(tracks))
	for chunk := 0; ; chunk++ {
		wrote := false
		for i, tr := range tracks {
			start := chunk * perChunk
			if start >= len(tr.Samples) {
				continue
			}
			end := min(start+perChunk, len(tr.Samples))
			rel[i] = append(rel[i], uint32(payload.Len()))
			for _, s := range tr.Samples[start:end] {
				payload.Write(s)
			}
			wrote = true
		}
		if !wrote {
			break
		}
	}

	mdatStart := ftyp.Size() + 8
	if !opts.MoovLast {
		mdatStart += moov.Size()
	}
	for i, stbl := range stbls {
		for c, off := range rel[i] {
			stbl.Stco.ChunkOffset[c] = uint32(mdatStart) + off
		}
	}

	var out bytes.Buffer
	if err := ftyp.Encode(&out); err != nil {
		return nil, err
	}
	if !opts.MoovLast {
		if err := moov.Encode(&out); err != nil {
			return nil, err
		}
	}
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(8+payload.Len()))
	copy(hdr[4:8], "mdat")
	out.Write(hdr[:])
	out.Write(payload.Bytes())
	if opts.MoovLast {
		if err := moov.Encode(&out); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// RawBox returns a box of type boxType holding payload verbatim, for
// configuration records mp4ff has no type for.
func RawBox(boxType string, payload []byte) (mp4.Box, error) {
	raw := binary.BigEndian.AppendUint32(nil, uint32(8+len(payload)))
	raw = append(raw, boxType...)
	raw = append(raw, payload...)
	return mp4.DecodeBox(0, bytes.NewReader(raw))
}

// stripConfig removes codec configuration boxes from every sample entry.
func stripConfig(stsd *mp4.StsdBox) {
	for _, entry := range stsd.Children {
		switch e := entry.(type) {
		case *mp4.VisualSampleEntryBox:
			e.Children = withoutConfig(e.Children)
			e.AvcC = nil
		case *mp4.AudioSampleEntryBox:
			e.Children = withoutConfig(e.Children)
			e.Esds = nil
		}
	}
}

func withoutConfig(children []mp4.Box) []mp4.Box {
	kept := children[:0]
	for _, c := range children {
		switch c.Type() {
		case "avcC", "hvcC", "vpcC", "av1C", "esds", "dOps":
			continue
		}
		kept = append(kept, c)
	}
	return kept
}
