package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/mp4play/internal/media"
)

// Framed record layout. Every field is a QUIC variable-length integer
// except the format and payload bytes:
//
//	kind | flags | timestamp (zigzag) | duration | len(format) format | len(data) data
const flagKey = 0x1

// maxRecordField bounds format and payload lengths accepted by ReadFrame.
const maxRecordField = 64 << 20

var (
	// ErrRecordTooLarge is returned by ReadFrame for a length field above
	// the accepted maximum.
	ErrRecordTooLarge = errors.New("sink: framed record too large")
	// ErrFieldRange is returned when a frame field cannot be represented as
	// a QUIC variable-length integer.
	ErrFieldRange = errors.New("sink: frame field out of varint range")
)

// Framed writes each frame as a self-describing varint-framed record so
// timing and key flags survive alongside the payload.
type Framed struct {
	mu     sync.Mutex
	w      io.WriteCloser
	buf    []byte
	closed bool

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewFramed returns a sink writing records to w. Close closes w.
func NewFramed(w io.WriteCloser) *Framed {
	return &Framed{w: w}
}

func (s *Framed) WriteFrame(f *media.DecodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	buf, err := AppendRecord(s.buf[:0], f)
	if err != nil {
		return err
	}
	s.buf = buf
	n, err := s.w.Write(s.buf)
	s.bytes.Add(int64(n))
	if err != nil {
		return err
	}
	s.frames.Add(1)
	return nil
}

func (s *Framed) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	return s.w.Close()
}

// Stats returns the number of records and bytes written.
func (s *Framed) Stats() Stats {
	return Stats{Frames: s.frames.Load(), Bytes: s.bytes.Load()}
}

// AppendRecord appends the framed encoding of f to buf. It fails without
// appending if a field exceeds quicvarint.Max.
func AppendRecord(buf []byte, f *media.DecodedFrame) ([]byte, error) {
	var flags uint64
	if f.Key {
		flags |= flagKey
	}
	ts := zigzag(f.Timestamp)
	dur := uint64(max(f.Duration, 0))
	switch {
	case f.Kind < 0:
		return buf, fmt.Errorf("%w: kind %d", ErrFieldRange, f.Kind)
	case ts > quicvarint.Max:
		return buf, fmt.Errorf("%w: timestamp %d", ErrFieldRange, f.Timestamp)
	case dur > quicvarint.Max:
		return buf, fmt.Errorf("%w: duration %d", ErrFieldRange, f.Duration)
	case uint64(len(f.Format)) > quicvarint.Max, uint64(len(f.Data)) > quicvarint.Max:
		return buf, fmt.Errorf("%w: payload length", ErrFieldRange)
	}
	buf = quicvarint.Append(buf, uint64(f.Kind))
	buf = quicvarint.Append(buf, flags)
	buf = quicvarint.Append(buf, ts)
	buf = quicvarint.Append(buf, dur)
	buf = quicvarint.Append(buf, uint64(len(f.Format)))
	buf = append(buf, f.Format...)
	buf = quicvarint.Append(buf, uint64(len(f.Data)))
	buf = append(buf, f.Data...)
	return buf, nil
}

// FrameReader decodes records produced by Framed.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader returns a reader of framed records from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next record. It returns io.EOF at a clean record
// boundary and io.ErrUnexpectedEOF inside a record.
func (fr *FrameReader) ReadFrame() (*media.DecodedFrame, error) {
	kind, err := quicvarint.Read(fr.r)
	if err != nil {
		return nil, err
	}
	var fields [3]uint64
	for i := range fields {
		if fields[i], err = quicvarint.Read(fr.r); err != nil {
			return nil, unexpected(err)
		}
	}
	format, err := fr.readBytes()
	if err != nil {
		return nil, err
	}
	data, err := fr.readBytes()
	if err != nil {
		return nil, err
	}
	return &media.DecodedFrame{
		Kind:      media.TrackKind(kind),
		Key:       fields[0]&flagKey != 0,
		Timestamp: unzigzag(fields[1]),
		Duration:  int64(fields[2]),
		Format:    string(format),
		Data:      data,
	}, nil
}

func (fr *FrameReader) readBytes() ([]byte, error) {
	n, err := quicvarint.Read(fr.r)
	if err != nil {
		return nil, unexpected(err)
	}
	if n > maxRecordField {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(fr.r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
