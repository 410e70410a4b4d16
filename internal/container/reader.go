// Package container implements incremental MP4 (ISO BMFF) demuxing over a
// byte stream that arrives in arbitrary chunks. Box payloads are decoded
// with mp4ff; this package owns box reassembly, track selection, codec
// configuration extraction and sample emission.
//
// The central type is [Reader]. Bytes are pushed in with [Reader.Append];
// track configuration and coded samples are pushed out through a [Handler]
// as soon as they become parseable, without waiting for the whole file.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/mp4play/internal/media"
)

// unbounded marks an mdat whose header declared size 0 (extends to end of
// stream).
const unbounded = math.MaxInt64

// Handler receives the reader's output. Callbacks run on the goroutine that
// calls Append or Finish and must not block.
type Handler interface {
	// OnTrack delivers a track's descriptor once, before any of its
	// samples. Returning an error drops the track: none of its samples
	// will be emitted.
	OnTrack(desc *media.TrackDescriptor) error
	// OnTrackError reports a per-track failure such as
	// ErrConfigurationNotFound. The track is dropped.
	OnTrackError(kind media.TrackKind, err error)
	// OnSamples delivers samples for one track in decode order.
	OnSamples(kind media.TrackKind, samples []*media.CodedSample)
	// OnTrackEnd signals that a track will produce no more samples.
	OnTrackEnd(kind media.TrackKind)
}

// track is a selected track whose samples are being emitted.
type track struct {
	kind      media.TrackKind
	timescale uint32
	samples   []sampleEntry
	next      int
}

// Reader reassembles top-level boxes from a contiguous sequence of
// ByteRanges. Only the unconsumed tail of the stream is buffered: bytes are
// released once every selected track has emitted the samples they contain.
type Reader struct {
	log     *slog.Logger
	handler Handler

	mu       sync.Mutex
	buf      []byte // holds [bufStart, bufStart+len(buf))
	bufStart int64
	next     int64 // expected offset of the next ByteRange
	pos      int64 // offset of the next top-level box header
	retain   int64 // first mdat offset seen before moov, or -1
	moov     bool
	tracks   []*track
	err      error
	released bool

	bytesIn        int64
	samplesEmitted int64
}

// NewReader creates a Reader that reports to h. If log is nil,
// slog.Default() is used.
func NewReader(h Handler, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		log:     log.With("component", "container"),
		handler: h,
		retain:  -1,
	}
}

// Append feeds the next chunk of the stream. Ranges must be contiguous with
// the previous one. The chunk's bytes are copied; the caller may reuse
// r.Data after Append returns. Once Append returns an error the reader is
// unusable and every later call returns the same error.
func (r *Reader) Append(br media.ByteRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return ErrReaderReleased
	}
	if r.err != nil {
		return r.err
	}
	if br.Offset != r.next {
		return r.fail(&ParseError{
			Offset: br.Offset,
			Err:    fmt.Errorf("%w: got offset %d, want %d", ErrNonContiguous, br.Offset, r.next),
		})
	}
	r.next = br.End()
	r.bytesIn += int64(len(br.Data))

	data := br.Data
	if skip := r.bufStart - br.Offset; skip > 0 {
		if skip >= int64(len(data)) {
			data = nil
		} else {
			data = data[skip:]
		}
	} else if len(r.buf) == 0 {
		r.bufStart = br.Offset
	}
	r.buf = append(r.buf, data...)

	if err := r.advance(); err != nil {
		return r.fail(err)
	}
	r.emit()
	r.trim()
	return nil
}

// Finish signals end of input. It reports a ParseError if the stream ended
// inside a box, before moov, or before every selected sample was received;
// otherwise it ends every selected track.
func (r *Reader) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return ErrReaderReleased
	}
	if r.err != nil {
		return r.err
	}
	if r.pos < r.next {
		return r.fail(&ParseError{
			Offset: r.pos,
			Err:    fmt.Errorf("%w: %d trailing bytes do not form a box", ErrTruncated, r.next-r.pos),
		})
	}
	if !r.moov {
		return r.fail(&ParseError{Offset: r.next, Box: "moov", Err: ErrMissingMoov})
	}
	for _, t := range r.tracks {
		if t.next < len(t.samples) {
			missing := t.samples[t.next]
			return r.fail(&ParseError{
				Offset: missing.offset,
				Box:    "mdat",
				Err: fmt.Errorf("%w: %s sample %d of %d not received",
					ErrTruncated, t.kind, t.next+1, len(t.samples)),
			})
		}
	}

	for _, t := range r.tracks {
		r.handler.OnTrackEnd(t.kind)
	}
	r.log.Info("input complete", "bytes", r.bytesIn, "samples", r.samplesEmitted)
	r.tracks = nil
	r.buf = nil
	return nil
}

// Release drops all buffered state. Later calls to Append or Finish return
// ErrReaderReleased.
func (r *Reader) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.released = true
	r.buf = nil
	r.tracks = nil
}

// Buffered returns the number of bytes currently retained.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *Reader) fail(err error) error {
	r.err = err
	r.buf = nil
	return err
}

func (r *Reader) bufEnd() int64 {
	return r.bufStart + int64(len(r.buf))
}

// bytesAt returns n buffered bytes starting at off, or nil if they are not
// all available.
func (r *Reader) bytesAt(off, n int64) []byte {
	if off < r.bufStart || n < 0 || n > r.bufEnd()-off {
		return nil
	}
	start := off - r.bufStart
	return r.buf[start : start+n]
}

// advance walks every top-level box whose header (and, except for mdat,
// whose body) is buffered.
func (r *Reader) advance() error {
	for r.pos < r.bufEnd() {
		hdr := r.bytesAt(r.pos, 8)
		if hdr == nil {
			return nil
		}
		size := int64(binary.BigEndian.Uint32(hdr[0:4]))
		boxType := string(hdr[4:8])
		hdrLen := int64(8)

		switch size {
		case 1:
			ext := r.bytesAt(r.pos, 16)
			if ext == nil {
				return nil
			}
			large := binary.BigEndian.Uint64(ext[8:16])
			if large > math.MaxInt64 {
				return &ParseError{Offset: r.pos, Box: boxType, Err: fmt.Errorf("%w: size %d", ErrInvalidBox, large)}
			}
			size = int64(large)
			hdrLen = 16
		case 0:
			if boxType != "mdat" {
				return &ParseError{Offset: r.pos, Box: boxType, Err: fmt.Errorf("%w: only mdat may extend to end of stream", ErrInvalidBox)}
			}
			size = unbounded
		}
		if size < hdrLen {
			return &ParseError{Offset: r.pos, Box: boxType, Err: fmt.Errorf("%w: size %d", ErrInvalidBox, size)}
		}
		if size != unbounded && size > math.MaxInt64-r.pos {
			return &ParseError{Offset: r.pos, Box: boxType, Err: fmt.Errorf("%w: size %d overflows stream offset", ErrInvalidBox, size)}
		}

		switch boxType {
		case "mdat":
			if !r.moov && r.retain < 0 {
				r.retain = r.pos
			}
			r.log.Debug("mdat", "offset", r.pos, "size", size)
			if size == unbounded {
				r.pos = unbounded
			} else {
				r.pos += size
			}
			continue
		case "moof":
			return &ParseError{Offset: r.pos, Box: boxType, Err: fmt.Errorf("%w: fragmented MP4", ErrUnsupported)}
		case "moov":
			body := r.bytesAt(r.pos, size)
			if body == nil {
				return nil
			}
			if err := r.parseMoov(body); err != nil {
				return err
			}
		case "ftyp":
			body := r.bytesAt(r.pos, size)
			if body == nil {
				return nil
			}
			if box, err := mp4.DecodeBox(uint64(r.pos), bytes.NewReader(body)); err == nil {
				if ftyp, ok := box.(*mp4.FtypBox); ok {
					r.log.Debug("ftyp", "major_brand", ftyp.MajorBrand(), "compatible", ftyp.CompatibleBrands())
				}
			}
		default:
			r.log.Debug("skipping box", "type", boxType, "offset", r.pos, "size", size)
		}
		r.pos += size
	}
	return nil
}

// parseMoov decodes the movie box, selects the first video and first audio
// track, reports their descriptors, and builds their sample tables.
func (r *Reader) parseMoov(body []byte) error {
	if r.moov {
		return &ParseError{Offset: r.pos, Box: "moov", Err: fmt.Errorf("%w: duplicate moov", ErrInvalidBox)}
	}
	box, err := mp4.DecodeBox(uint64(r.pos), bytes.NewReader(body))
	if err != nil {
		return &ParseError{Offset: r.pos, Box: "moov", Err: err}
	}
	moov, ok := box.(*mp4.MoovBox)
	if !ok {
		return &ParseError{Offset: r.pos, Box: "moov", Err: fmt.Errorf("%w: decoded %T", ErrInvalidBox, box)}
	}
	r.moov = true

	var chosen [len(media.Kinds)]*mp4.TrakBox
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil {
			continue
		}
		var kind media.TrackKind
		switch trak.Mdia.Hdlr.HandlerType {
		case "vide":
			kind = media.Video
		case "soun":
			kind = media.Audio
		default:
			continue
		}
		if chosen[kind] != nil {
			r.log.Debug("ignoring additional track", "kind", kind, "handler", trak.Mdia.Hdlr.HandlerType)
			continue
		}
		chosen[kind] = trak
	}

	for _, kind := range media.Kinds {
		trak := chosen[kind]
		if trak == nil {
			continue
		}
		desc, err := describeTrack(kind, trak)
		if err != nil {
			r.log.Warn("track unusable", "kind", kind, "error", err)
			r.handler.OnTrackError(kind, err)
			continue
		}
		samples, err := buildSampleTable(trak.Mdia.Minf.Stbl)
		if err != nil {
			return &ParseError{Offset: r.pos, Box: "stbl", Err: err}
		}
		if err := r.handler.OnTrack(desc); err != nil {
			r.log.Warn("track rejected", "kind", kind, "codec", desc.Codec, "error", err)
			continue
		}
		r.log.Info("track ready",
			"kind", kind,
			"track_id", desc.TrackID,
			"codec", desc.Codec,
			"timescale", desc.Timescale,
			"samples", len(samples),
		)
		r.tracks = append(r.tracks, &track{
			kind:      kind,
			timescale: desc.Timescale,
			samples:   samples,
		})
	}
	return nil
}

// emit delivers, per track and in decode order, every sample whose bytes
// are fully buffered.
func (r *Reader) emit() {
	if !r.moov {
		return
	}
	for _, t := range r.tracks {
		var batch []*media.CodedSample
		for t.next < len(t.samples) {
			e := t.samples[t.next]
			data := r.bytesAt(e.offset, int64(e.size))
			if data == nil {
				break
			}
			t.next++
			batch = append(batch, &media.CodedSample{
				Kind:       t.kind,
				Number:     uint32(t.next),
				Timestamp:  int64(e.decodeTime) + int64(e.ctsOffset),
				DecodeTime: e.decodeTime,
				Duration:   e.duration,
				Timescale:  t.timescale,
				Sync:       e.sync,
				Data:       bytes.Clone(data),
			})
		}
		if len(batch) > 0 {
			r.samplesEmitted += int64(len(batch))
			r.handler.OnSamples(t.kind, batch)
		}
	}
}

// trim discards buffered bytes that neither the box walk nor any pending
// sample can still need.
func (r *Reader) trim() {
	keep := r.pos
	if !r.moov && r.retain >= 0 {
		keep = min(keep, r.retain)
	}
	for _, t := range r.tracks {
		if t.next < len(t.samples) {
			keep = min(keep, t.samples[t.next].offset)
		}
	}
	if keep <= r.bufStart {
		return
	}
	drop := keep - r.bufStart
	if drop >= int64(len(r.buf)) {
		r.buf = r.buf[:0]
	} else {
		r.buf = append(r.buf[:0], r.buf[drop:]...)
	}
	r.bufStart = keep
}
