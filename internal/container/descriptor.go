package container

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/zsiec/mp4play/internal/media"
)

// Codec configuration boxes recognised inside a sample entry, per family:
// AVC (avcC, svcC), HEVC (hvcC), VP8/VP9 (vpcC), AV1 (av1C) for video and
// AAC (esds), Opus (dOps) for audio.
var (
	videoConfigBoxes = []string{"avcC", "svcC", "hvcC", "vpcC", "av1C"}
	audioConfigBoxes = []string{"esds", "dOps"}
)

// mp4ff decodes entries it has no decoder for as opaque boxes, which would
// hide the configuration child of VP8, VP9 and Opus entries. They share the
// generic visual and audio sample entry layouts.
func init() {
	mp4.SetBoxDecoder("vp08", mp4.DecodeVisualSampleEntry, mp4.DecodeVisualSampleEntrySR)
	mp4.SetBoxDecoder("vp09", mp4.DecodeVisualSampleEntry, mp4.DecodeVisualSampleEntrySR)
	mp4.SetBoxDecoder("Opus", mp4.DecodeAudioSampleEntry, mp4.DecodeAudioSampleEntrySR)
}

// describeTrack derives the TrackDescriptor for trak from the first sample
// description entry that carries a recognised configuration box.
func describeTrack(kind media.TrackKind, trak *mp4.TrakBox) (*media.TrackDescriptor, error) {
	var trackID uint32
	if trak.Tkhd != nil {
		trackID = trak.Tkhd.TrackID
	}
	mdia := trak.Mdia
	if mdia == nil || mdia.Mdhd == nil || mdia.Minf == nil || mdia.Minf.Stbl == nil || mdia.Minf.Stbl.Stsd == nil {
		return nil, fmt.Errorf("%w: track %d has no sample description", ErrConfigurationNotFound, trackID)
	}

	for _, entry := range mdia.Minf.Stbl.Stsd.Children {
		desc := &media.TrackDescriptor{
			Kind:        kind,
			TrackID:     trackID,
			SampleEntry: entry.Type(),
			Timescale:   mdia.Mdhd.Timescale,
		}

		var children []mp4.Box
		var recognised []string
		switch e := entry.(type) {
		case *mp4.VisualSampleEntryBox:
			if kind != media.Video {
				continue
			}
			desc.Width = int(e.Width)
			desc.Height = int(e.Height)
			children, recognised = e.Children, videoConfigBoxes
		case *mp4.AudioSampleEntryBox:
			if kind != media.Audio {
				continue
			}
			desc.SampleRate = int(e.SampleRate)
			desc.Channels = int(e.ChannelCount)
			desc.SampleSize = int(e.SampleSize)
			children, recognised = e.Children, audioConfigBoxes
		default:
			continue
		}

		for _, child := range children {
			if !slices.Contains(recognised, child.Type()) {
				continue
			}
			if err := applyConfig(desc, child); err != nil {
				return nil, err
			}
			return desc, nil
		}
	}
	return nil, fmt.Errorf("%w: track %d (%s)", ErrConfigurationNotFound, trackID, kind)
}

// applyConfig fills the description payload and codec string from a
// configuration box.
func applyConfig(desc *media.TrackDescriptor, box mp4.Box) error {
	if esds, ok := box.(*mp4.EsdsBox); ok {
		dcd := esds.DecConfigDescriptor
		desc.Description = slices.Clone(dcd.DecSpecificInfo.DecConfig)
		desc.Codec = fmt.Sprintf("mp4a.%x", dcd.ObjectType)

		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(desc.Description); err == nil {
			desc.Codec += fmt.Sprintf(".%d", asc.Type)
			desc.SampleRate = asc.SampleRate
			if asc.ChannelCount > 0 {
				desc.Channels = asc.ChannelCount
			}
		}
		return nil
	}

	payload, err := boxPayload(box)
	if err != nil {
		return err
	}
	desc.Description = payload
	desc.Codec = codecString(desc.SampleEntry, box.Type(), payload)
	return nil
}

// boxPayload serialises box and strips its own header.
func boxPayload(box mp4.Box) ([]byte, error) {
	var buf bytes.Buffer
	if err := box.Encode(&buf); err != nil {
		return nil, fmt.Errorf("container: encode %s: %w", box.Type(), err)
	}
	hdr := 8
	if box.Size() > math.MaxUint32 {
		hdr = 16
	}
	if buf.Len() < hdr {
		return nil, fmt.Errorf("%w: %s box shorter than its header", ErrInvalidBox, box.Type())
	}
	return buf.Bytes()[hdr:], nil
}

// codecString builds the RFC 6381 codec parameter for a sample entry from
// its configuration record. Unknown layouts fall back to the entry type.
func codecString(entry, configBox string, p []byte) string {
	switch configBox {
	case "avcC", "svcC":
		if len(p) >= 4 {
			return fmt.Sprintf("%s.%02X%02X%02X", entry, p[1], p[2], p[3])
		}
	case "hvcC":
		if len(p) >= 13 {
			return hevcCodecString(entry, p)
		}
	case "vpcC":
		if entry == "vp08" {
			return "vp8"
		}
		// FullBox version/flags precede profile, level, bitDepth.
		if len(p) >= 7 {
			return fmt.Sprintf("%s.%02d.%02d.%02d", entry, p[4], p[5], p[6]>>4)
		}
	case "av1C":
		if len(p) >= 3 {
			return av1CodecString(entry, p)
		}
	case "dOps":
		return "opus"
	}
	return entry
}

// hevcCodecString follows ISO/IEC 14496-15 Annex E, e.g. "hvc1.1.6.L93.B0".
func hevcCodecString(entry string, p []byte) string {
	space := []string{"", "A", "B", "C"}[p[1]>>6]
	tier := "L"
	if p[1]&0x20 != 0 {
		tier = "H"
	}
	profileIDC := p[1] & 0x1F
	compat := bits.Reverse32(uint32(p[2])<<24 | uint32(p[3])<<16 | uint32(p[4])<<8 | uint32(p[5]))
	level := p[12]

	constraint := p[6:12]
	lastNonZero := -1
	for i := len(constraint) - 1; i >= 0; i-- {
		if constraint[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("%s.%s%d.%X.%s%d", entry, space, profileIDC, compat, tier, level)
	for i := 0; i <= lastNonZero; i++ {
		codec += fmt.Sprintf(".%X", constraint[i])
	}
	return codec
}

// av1CodecString follows the AV1 ISOBMFF binding, e.g. "av01.0.04M.08".
func av1CodecString(entry string, p []byte) string {
	profile := p[1] >> 5
	level := p[1] & 0x1F
	tier := "M"
	if p[2]&0x80 != 0 {
		tier = "H"
	}
	depth := 8
	switch {
	case p[2]&0x40 != 0 && p[2]&0x20 != 0:
		depth = 12
	case p[2]&0x40 != 0:
		depth = 10
	}
	return fmt.Sprintf("%s.%d.%02d%s.%02d", entry, profile, level, tier, depth)
}
