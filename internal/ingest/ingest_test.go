package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mp4play/internal/certs"
	"github.com/zsiec/mp4play/internal/media"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

// collect pumps s and returns the reassembled bytes, checking that ranges
// arrive contiguously from offset zero.
func collect(t *testing.T, s *Stream) ([]byte, int) {
	t.Helper()
	var out []byte
	calls := 0
	err := s.Pump(context.Background(), func(r media.ByteRange) error {
		if r.Offset != int64(len(out)) {
			t.Fatalf("range %d: offset %d, want %d", calls, r.Offset, len(out))
		}
		out = append(out, r.Data...)
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	return out, calls
}

func TestStreamStats(t *testing.T) {
	t.Parallel()
	s := &Stream{Source: "srt", StartedAt: time.Now().Add(-time.Second)}

	s.RecordRead(100)
	s.RecordRead(200)
	s.SetRemoteAddr("192.168.1.1:5000")

	stats := s.IngestStats()
	if stats.Source != "srt" {
		t.Errorf("Source = %q, want srt", stats.Source)
	}
	if stats.BytesReceived != 300 {
		t.Errorf("BytesReceived = %d, want 300", stats.BytesReceived)
	}
	if stats.ReadCount != 2 {
		t.Errorf("ReadCount = %d, want 2", stats.ReadCount)
	}
	if stats.RemoteAddr != "192.168.1.1:5000" {
		t.Errorf("RemoteAddr = %q, want 192.168.1.1:5000", stats.RemoteAddr)
	}
	if stats.UptimeMs < 1000 {
		t.Errorf("UptimeMs = %d, want >= 1000", stats.UptimeMs)
	}
}

func TestStreamStatsNoRemote(t *testing.T) {
	t.Parallel()
	s := &Stream{Source: "blob", StartedAt: time.Now()}
	if got := s.IngestStats().RemoteAddr; got != "" {
		t.Errorf("RemoteAddr = %q, want empty", got)
	}
}

func TestOpenFile(t *testing.T) {
	t.Parallel()
	data := testPayload(10_000)
	path := filepath.Join(t.TempDir(), "in.mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	o := NewOpener(Config{ChunkSize: 1024})
	defer o.Close()

	for _, loc := range []string{path, "file://" + path} {
		s, err := o.Open(context.Background(), Input{Locator: loc})
		if err != nil {
			t.Fatalf("Open(%q): %v", loc, err)
		}
		got, calls := collect(t, s)
		if !bytes.Equal(got, data) {
			t.Errorf("%s: content mismatch (%d bytes, want %d)", loc, len(got), len(data))
		}
		if calls < 10 {
			t.Errorf("%s: %d ranges, want at least 10 for 1KiB chunks", loc, calls)
		}
		if s.Source != "file" {
			t.Errorf("Source = %q, want file", s.Source)
		}
		if st := s.IngestStats(); st.BytesReceived != int64(len(data)) {
			t.Errorf("BytesReceived = %d, want %d", st.BytesReceived, len(data))
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
	}
}

func TestOpenMissingFile(t *testing.T) {
	t.Parallel()
	o := NewOpener(Config{})
	defer o.Close()
	_, err := o.Open(context.Background(), Input{Locator: filepath.Join(t.TempDir(), "nope.mp4")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v, want os.ErrNotExist", err)
	}
}

func TestOpenBlob(t *testing.T) {
	t.Parallel()
	o := NewOpener(Config{ChunkSize: 16})
	defer o.Close()

	data := testPayload(500)
	s, err := o.Open(context.Background(), Input{Locator: "http://ignored.invalid/x.mp4", Blob: data})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, calls := collect(t, s)
	if calls != 1 {
		t.Errorf("blob delivered in %d ranges, want 1", calls)
	}
	if !bytes.Equal(got, data) {
		t.Error("blob content mismatch")
	}
	if s.Source != "blob" {
		t.Errorf("Source = %q, want blob", s.Source)
	}
}

func TestOpenEmptyBlob(t *testing.T) {
	t.Parallel()
	o := NewOpener(Config{})
	defer o.Close()

	s, err := o.Open(context.Background(), Input{Blob: []byte{}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, calls := collect(t, s); calls != 0 {
		t.Errorf("empty blob delivered %d ranges, want 0", calls)
	}
}

func TestOpenHTTP(t *testing.T) {
	t.Parallel()
	data := testPayload(200_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	o := NewOpener(Config{HTTPClient: srv.Client()})
	defer o.Close()

	s, err := o.Open(context.Background(), Input{Locator: srv.URL + "/movie.mp4"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	got, _ := collect(t, s)
	if !bytes.Equal(got, data) {
		t.Errorf("content mismatch (%d bytes, want %d)", len(got), len(data))
	}
	if s.Source != "http" {
		t.Errorf("Source = %q, want http", s.Source)
	}

	_, err = o.Open(context.Background(), Input{Locator: srv.URL + "/missing.mp4"})
	if !errors.Is(err, ErrHTTPStatus) {
		t.Errorf("missing resource: got %v, want ErrHTTPStatus", err)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	o := NewOpener(Config{})
	defer o.Close()

	if _, err := o.Open(context.Background(), Input{}); !errors.Is(err, ErrNoInput) {
		t.Errorf("empty input: got %v, want ErrNoInput", err)
	}
	if _, err := o.Open(context.Background(), Input{Locator: "rtmp://host/live"}); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("rtmp: got %v, want ErrUnsupportedScheme", err)
	}
	if _, err := o.Open(context.Background(), Input{Locator: "srt://hostonly"}); err == nil {
		t.Error("srt without port: expected error")
	}
}

type chunkReader struct {
	data   []byte
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, net.ErrClosed
	}
	if len(r.data) == 0 {
		return 0, errors.New("unexpected extra read")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func TestPumpDeliverError(t *testing.T) {
	t.Parallel()
	s := &Stream{Source: "test", input: &chunkReader{data: testPayload(100)}, chunkSize: 10}
	errStop := errors.New("stop")
	calls := 0
	err := s.Pump(context.Background(), func(media.ByteRange) error {
		calls++
		if calls == 3 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Errorf("got %v, want deliver error", err)
	}
	if calls != 3 {
		t.Errorf("deliver called %d times, want 3", calls)
	}
}

// blockingReader blocks in Read until closed.
type blockingReader struct {
	closed chan struct{}
}

func (r *blockingReader) Read([]byte) (int, error) {
	<-r.closed
	return 0, net.ErrClosed
}

func (r *blockingReader) Close() error {
	close(r.closed)
	return nil
}

func TestPumpCancel(t *testing.T) {
	t.Parallel()
	s := &Stream{Source: "test", input: &blockingReader{closed: make(chan struct{})}, chunkSize: 10}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Pump(ctx, func(media.ByteRange) error { return nil }) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

func TestSRTTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		locator  string
		addr     string
		streamID string
		wantErr  bool
	}{
		{"query", "srt://10.0.0.5:9000?streamid=live/cam1", "10.0.0.5:9000", "live/cam1", false},
		{"path", "srt://example.com:9000/live/cam1", "example.com:9000", "live/cam1", false},
		{"query wins", "srt://example.com:9000/ignored?streamid=abc", "example.com:9000", "abc", false},
		{"no stream id", "srt://example.com:9000", "example.com:9000", "", false},
		{"no port", "srt://example.com", "", "", true},
		{"no host", "srt:///live", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.locator)
			if err != nil {
				t.Fatal(err)
			}
			addr, id, err := srtTarget(u)
			if tt.wantErr {
				if err == nil {
					t.Errorf("srtTarget(%q): expected error", tt.locator)
				}
				return
			}
			if err != nil {
				t.Fatalf("srtTarget(%q): %v", tt.locator, err)
			}
			if addr != tt.addr || id != tt.streamID {
				t.Errorf("srtTarget(%q) = (%q, %q), want (%q, %q)", tt.locator, addr, id, tt.addr, tt.streamID)
			}
		})
	}
}

func TestOpenH3(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("UDP listen unavailable: %v", err)
	}

	data := testPayload(50_000)
	srv := &http3.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write(data)
		}),
		TLSConfig: http3.ConfigureTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}),
	}
	go srv.Serve(conn)
	defer srv.Close()

	o := NewOpener(Config{H3TLSConfig: certs.PinnedClientConfig(cert.Fingerprint)})
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := o.Open(ctx, Input{Locator: "h3://" + conn.LocalAddr().String() + "/movie.mp4"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	got, _ := collect(t, s)
	if !bytes.Equal(got, data) {
		t.Errorf("content mismatch (%d bytes, want %d)", len(got), len(data))
	}
	if s.Source != "h3" {
		t.Errorf("Source = %q, want h3", s.Source)
	}
}
