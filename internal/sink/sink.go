// Package sink provides destinations for decoded frames. A Sink receives
// frames for one track in presentation order and owns whatever resource it
// writes to.
package sink

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zsiec/mp4play/internal/media"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("sink: closed")

// Sink consumes decoded frames. WriteFrame is called from a single
// goroutine; Close may be called from another and must be idempotent.
type Sink interface {
	WriteFrame(f *media.DecodedFrame) error
	Close() error
}

// Stats is a snapshot of a sink's counters.
type Stats struct {
	Frames int64
	Bytes  int64
}

// Elementary writes frame payloads back to back. Frames produced by the
// bitstream engine are self-contained (Annex B with parameter sets, ADTS),
// so the output is a playable .h264, .h265 or .aac file.
type Elementary struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool

	frames atomic.Int64
	bytes  atomic.Int64
}

// NewElementary returns a sink writing raw payloads to w. Close closes w.
func NewElementary(w io.WriteCloser) *Elementary {
	return &Elementary{w: w}
}

func (s *Elementary) WriteFrame(f *media.DecodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	n, err := s.w.Write(f.Data)
	s.bytes.Add(int64(n))
	if err != nil {
		return err
	}
	s.frames.Add(1)
	return nil
}

func (s *Elementary) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// Stats returns the number of frames and payload bytes written.
func (s *Elementary) Stats() Stats {
	return Stats{Frames: s.frames.Load(), Bytes: s.bytes.Load()}
}

// Discard accepts and drops every frame, counting them.
type Discard struct {
	frames atomic.Int64
	bytes  atomic.Int64
}

func (d *Discard) WriteFrame(f *media.DecodedFrame) error {
	d.frames.Add(1)
	d.bytes.Add(int64(len(f.Data)))
	return nil
}

func (d *Discard) Close() error { return nil }

func (d *Discard) Stats() Stats {
	return Stats{Frames: d.frames.Load(), Bytes: d.bytes.Load()}
}
