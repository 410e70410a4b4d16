// Package media defines the core types that flow through the mp4play
// processing pipeline, from container demuxing through decode and delivery.
package media

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// DefaultBootstrapThreshold is the per-track backlog both sample queues must
// reach before playback starts.
const DefaultBootstrapThreshold = 100

// DefaultChunkSize is the read size used when turning an input stream into
// ByteRanges.
const DefaultChunkSize = 64 * 1024

// TrackKind identifies the elementary stream type of a track.
type TrackKind int

// Track kinds handled by a session. Only the first track of each kind in a
// container is used.
const (
	Video TrackKind = iota
	Audio
)

// Kinds lists every track kind in a stable order.
var Kinds = [...]TrackKind{Video, Audio}

func (k TrackKind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("TrackKind(%d)", int(k))
	}
}

// ByteRange is one chunk of the input stream together with its absolute
// offset in the logical file. Consecutive ranges are contiguous: the offset
// of range n+1 equals the offset of range n plus its length.
type ByteRange struct {
	Offset int64
	Data   []byte
}

// End returns the offset one past the last byte of the range.
func (r ByteRange) End() int64 {
	return r.Offset + int64(len(r.Data))
}

// TrackDescriptor is the immutable decoder configuration for one track,
// derived once from the container's sample description.
type TrackDescriptor struct {
	Kind        TrackKind
	TrackID     uint32
	Codec       string // RFC 6381 codec string, e.g. "avc1.64001F"
	SampleEntry string // four-character sample entry type, e.g. "avc1"
	Timescale   uint32

	// Video
	Width  int
	Height int

	// Audio
	SampleRate int
	Channels   int
	SampleSize int

	// Description is the codec configuration record (avcC, hvcC, vpcC,
	// av1C, esds or dOps payload) without its box header.
	Description []byte
}

// CodedSample is a single access unit as stored in the container. Times are
// in the track's timescale.
type CodedSample struct {
	Kind       TrackKind
	Number     uint32 // 1-based sample number within the track
	Timestamp  int64  // presentation time
	DecodeTime uint64
	Duration   uint32
	Timescale  uint32
	Sync       bool
	Data       []byte
}

// TimestampMicros returns the presentation time in microseconds.
func (s *CodedSample) TimestampMicros() int64 {
	if s.Timestamp < 0 {
		return -int64(TicksToMicros(uint64(-s.Timestamp), s.Timescale))
	}
	return int64(TicksToMicros(uint64(s.Timestamp), s.Timescale))
}

// DurationMicros returns the sample duration in microseconds.
func (s *CodedSample) DurationMicros() int64 {
	return int64(TicksToMicros(uint64(s.Duration), s.Timescale))
}

// DecodedFrame is one unit of decode-engine output. The core forwards it to
// the track's frame sink without inspecting it.
type DecodedFrame struct {
	Kind      TrackKind
	Timestamp int64 // microseconds
	Duration  int64 // microseconds
	Key       bool
	Format    string // payload layout, e.g. "annexb", "adts", "raw"
	Data      []byte
}

// TicksToMicros converts a tick count to microseconds using
// ticks * 1,000,000 / timescale. Results beyond the int64 range saturate at
// math.MaxInt64.
func TicksToMicros(ticks uint64, timescale uint32) uint64 {
	return scaleTicks(ticks, timescale, 1_000_000)
}

// TicksToDuration converts a tick count to a wall-clock duration with
// nanosecond precision, saturating at the largest time.Duration.
func TicksToDuration(ticks uint64, timescale uint32) time.Duration {
	return time.Duration(scaleTicks(ticks, timescale, uint64(time.Second)))
}

// scaleTicks returns floor(ticks * unit / timescale) computed over a 128-bit
// product, or math.MaxInt64 if the result does not fit an int64.
func scaleTicks(ticks uint64, timescale uint32, unit uint64) uint64 {
	if timescale == 0 {
		return 0
	}
	ts := uint64(timescale)
	hi, lo := bits.Mul64(ticks, unit)
	if hi >= ts {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, ts)
	return min(q, math.MaxInt64)
}
