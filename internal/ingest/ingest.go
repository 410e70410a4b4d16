// Package ingest turns a session input (a locator or an in-memory blob)
// into a contiguous sequence of ByteRanges, coupling the byte source with
// connection metadata and read statistics.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/zsiec/mp4play/internal/media"
)

var (
	ErrNoInput           = errors.New("ingest: input has neither locator nor blob")
	ErrUnsupportedScheme = errors.New("ingest: unsupported locator scheme")
	ErrHTTPStatus        = errors.New("ingest: unexpected HTTP status")
)

// Input names the media to play: a locator, or the file contents
// themselves. A non-nil Blob takes precedence.
type Input struct {
	Locator string
	Blob    []byte
}

// IngestStats captures connection-level metrics for an input, logged when
// the session ends.
type IngestStats struct {
	Source        string `json:"source"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an opened input. Pump delivers its bytes as ByteRanges with
// absolute offsets; Close releases the underlying connection or file and
// unblocks a pending read.
type Stream struct {
	Source    string // "blob", "file", "http", "h3" or "srt"
	Locator   string
	StartedAt time.Time

	input     io.ReadCloser
	blob      []byte
	chunkSize int
	closed    atomic.Bool

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the input for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// IngestStats returns a snapshot of input metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		Source:        s.Source,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Pump reads the input to its end, handing each chunk to deliver in
// order. A blob is delivered as a single range. The Data slice passed to
// deliver is reused between calls. Pump returns nil at end of input, the
// first error from deliver, or a read error. Cancelling ctx closes the
// stream.
func (s *Stream) Pump(ctx context.Context, deliver func(media.ByteRange) error) error {
	if s.input == nil {
		if len(s.blob) > 0 {
			s.RecordRead(len(s.blob))
			if err := deliver(media.ByteRange{Offset: 0, Data: s.blob}); err != nil {
				return err
			}
		}
		return nil
	}

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	buf := make([]byte, s.chunkSize)
	var off int64
	for {
		n, err := s.input.Read(buf)
		if n > 0 {
			s.RecordRead(n)
			if derr := deliver(media.ByteRange{Offset: off, Data: buf[:n]}); derr != nil {
				return derr
			}
			off += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ingest: read %s at offset %d: %w", s.Source, off, err)
		}
	}
}

// Close releases the input. It is idempotent.
func (s *Stream) Close() error {
	if s.input == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.input.Close()
}
