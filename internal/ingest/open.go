package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mp4play/internal/media"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// Config configures an Opener.
type Config struct {
	// ChunkSize is the read size for streamed inputs. Defaults to
	// media.DefaultChunkSize.
	ChunkSize int
	// HTTPClient serves http:// and https:// locators. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
	// H3TLSConfig is used for h3:// locators.
	H3TLSConfig *tls.Config
	Log         *slog.Logger
}

// Opener resolves locators to Streams. Supported forms are filesystem
// paths and file:// URLs, http:// and https://, h3:// (HTTPS over HTTP/3)
// and srt://host:port?streamid=ID (SRT caller).
type Opener struct {
	log       *slog.Logger
	chunkSize int
	http      *http.Client
	h3        *http3.Transport
}

// NewOpener creates an Opener. Close releases its HTTP/3 transport.
func NewOpener(cfg Config) *Opener {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = media.DefaultChunkSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Opener{
		log:       cfg.Log.With("component", "ingest"),
		chunkSize: cfg.ChunkSize,
		http:      cfg.HTTPClient,
		h3:        &http3.Transport{TLSClientConfig: cfg.H3TLSConfig},
	}
}

// Close releases idle HTTP/3 connections.
func (o *Opener) Close() error {
	return o.h3.Close()
}

// Open resolves in to a Stream ready to Pump.
func (o *Opener) Open(ctx context.Context, in Input) (*Stream, error) {
	if in.Blob != nil {
		o.log.Info("opened blob input", "bytes", len(in.Blob))
		return &Stream{Source: "blob", StartedAt: time.Now(), blob: in.Blob}, nil
	}
	if in.Locator == "" {
		return nil, ErrNoInput
	}

	u, err := url.Parse(in.Locator)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Not a URL (or a Windows drive letter): a filesystem path.
		return o.openFile(in.Locator)
	}

	switch u.Scheme {
	case "file":
		return o.openFile(u.Path)
	case "http", "https":
		return o.openHTTP(ctx, "http", o.http, in.Locator)
	case "h3":
		h3URL := *u
		h3URL.Scheme = "https"
		return o.openHTTP(ctx, "h3", &http.Client{Transport: o.h3}, h3URL.String())
	case "srt":
		return o.openSRT(ctx, u)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func (o *Opener) newStream(source, locator string, input io.ReadCloser, remote string) *Stream {
	s := &Stream{
		Source:    source,
		Locator:   locator,
		StartedAt: time.Now(),
		input:     input,
		chunkSize: o.chunkSize,
	}
	s.SetRemoteAddr(remote)
	o.log.Info("opened input", "source", source, "locator", locator, "remote", remote)
	return s
}

func (o *Opener) openFile(path string) (*Stream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return o.newStream("file", path, f, path), nil
}

func (o *Opener) openHTTP(ctx context.Context, source string, client *http.Client, target string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch %s: %w", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s from %s", ErrHTTPStatus, resp.Status, target)
	}
	o.log.Debug("http response", "proto", resp.Proto, "content_length", resp.ContentLength)
	return o.newStream(source, target, resp.Body, req.URL.Host), nil
}

// srtTarget extracts the dial address and stream ID from an srt:// URL.
// The stream ID comes from the streamid query parameter, or else from the
// URL path ("srt://host:9000/live/cam1" requests "live/cam1").
func srtTarget(u *url.URL) (addr, streamID string, err error) {
	if u.Host == "" || u.Port() == "" {
		return "", "", fmt.Errorf("ingest: srt locator %q needs host:port", u.String())
	}
	streamID = u.Query().Get("streamid")
	if streamID == "" {
		streamID = strings.Trim(u.Path, "/")
	}
	return u.Host, streamID, nil
}

func (o *Opener) openSRT(ctx context.Context, u *url.URL) (*Stream, error) {
	addr, streamID, err := srtTarget(u)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ingest: SRT dial %s: %w", addr, res.err)
		}
		return o.newStream("srt", u.String(), res.conn, addr), nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("ingest: SRT dial %s timed out after %s", addr, srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
