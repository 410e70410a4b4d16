package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/zsiec/mp4play/internal/certs"
	"github.com/zsiec/mp4play/internal/session"
)

// statusHandler serves read-only session diagnostics:
//
//	GET /api/sessions       all sessions, oldest first
//	GET /api/sessions/{id}  one session
func statusHandler(mgr *session.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		sessions := mgr.List()
		resp := make([]session.Stats, 0, len(sessions))
		for _, s := range sessions {
			resp = append(resp, s.Stats())
		}
		slices.SortFunc(resp, func(a, b session.Stats) int {
			if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s, ok := mgr.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, s.Stats())
	})
	return mux
}

// serveStatus serves h over HTTPS on ln with a freshly generated
// self-signed certificate until ctx is cancelled. It closes ln.
func serveStatus(ctx context.Context, ln net.Listener, h http.Handler) error {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if host, _, err := net.SplitHostPort(ln.Addr().String()); err == nil {
		if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() && !ip.IsLoopback() {
			hosts = append(hosts, host)
		}
	}
	cert, err := certs.Generate(0, hosts...)
	if err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("status API listening",
		"addr", ln.Addr().String(),
		"cert_sha256", cert.FingerprintHex(),
		"cert_expires", cert.NotAfter.Format(time.RFC3339),
	)
	if err := srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
