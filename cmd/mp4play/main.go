package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phsym/console-slog"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mp4play/internal/certs"
	"github.com/zsiec/mp4play/internal/ingest"
	"github.com/zsiec/mp4play/internal/session"
	"github.com/zsiec/mp4play/internal/sink"
)

var version = "dev"

func main() {
	cfgPath := os.Getenv("CONFIG")
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mp4play: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(newHandler(cfg, os.Stderr)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("playback failed", "error", err)
		os.Exit(1)
	}
}

func newHandler(cfg config, w io.Writer) slog.Handler {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	switch cfg.LogFormat {
	case "console":
		return console.NewHandler(w, &console.HandlerOptions{Level: level, TimeFormat: "15:04:05.000"})
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
}

func run(ctx context.Context, cfg config) error {
	scfg := session.Config{
		Threshold: cfg.BootstrapThreshold,
		ChunkSize: cfg.ChunkSize,
	}
	if cfg.H3CertSHA256 != "" {
		pin, err := certs.ParseFingerprint(cfg.H3CertSHA256)
		if err != nil {
			return err
		}
		scfg.H3TLSConfig = certs.PinnedClientConfig(pin)
	}

	video, err := openSink(cfg.VideoOut, cfg.SinkFormat)
	if err != nil {
		return fmt.Errorf("video output: %w", err)
	}
	audio, err := openSink(cfg.AudioOut, cfg.SinkFormat)
	if err != nil {
		video.Close()
		return fmt.Errorf("audio output: %w", err)
	}

	slog.Info("mp4play starting",
		"version", version,
		"input", cfg.Input,
		"video_out", cfg.VideoOut,
		"audio_out", cfg.AudioOut,
		"sink_format", cfg.SinkFormat,
		"threshold", cfg.BootstrapThreshold,
	)

	mgr := session.NewManager(scfg)
	sess := mgr.Create()
	defer mgr.Remove(sess.ID)

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()

	var g errgroup.Group
	if cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			video.Close()
			audio.Close()
			return fmt.Errorf("status API: %w", err)
		}
		g.Go(func() error {
			return serveStatus(statusCtx, ln, statusHandler(mgr))
		})
	}
	g.Go(func() error {
		for r := range sess.Reports() {
			slog.Warn("session fault", "session", sess.ID, "class", r.Class.String(), "track", r.Track, "error", r.Err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopStatus()
		err := sess.Run(ctx, session.StartMessage{
			Input: ingest.Input{Locator: cfg.Input},
			Video: video,
			Audio: audio,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

// openSink creates the sink for one track. An empty path discards frames
// and "-" writes to stdout.
func openSink(path, format string) (sink.Sink, error) {
	if path == "" {
		return &sink.Discard{}, nil
	}
	var w io.WriteCloser = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w = f
	}
	if format == "framed" {
		return sink.NewFramed(w), nil
	}
	return sink.NewElementary(w), nil
}
