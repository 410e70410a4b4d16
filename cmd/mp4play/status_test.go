package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/mp4test"
	"github.com/zsiec/mp4play/internal/session"
)

func TestStatusListSessions(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Config{})
	first := mgr.Create()
	second := mgr.Create()
	handler := statusHandler(mgr)

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got []session.Stats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("sessions = %d, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[first.ID] || !ids[second.ID] {
		t.Errorf("ids = [%s %s], want %s and %s", got[0].ID, got[1].ID, first.ID, second.ID)
	}
	if got[0].StartedAt.After(got[1].StartedAt) {
		t.Error("sessions not ordered by start time")
	}
}

func TestStatusListEmpty(t *testing.T) {
	t.Parallel()
	handler := statusHandler(session.NewManager(session.Config{}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions", nil))

	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}

func TestStatusGetSession(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(session.Config{})
	s := mgr.Create()
	handler := statusHandler(mgr)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions/"+s.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got session.Stats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != s.ID {
		t.Errorf("id = %q, want %q", got.ID, s.ID)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions/nonexistent", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServeStatus(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("TCP listen unavailable: %v", err)
	}
	mgr := session.NewManager(session.Config{})
	mgr.Create()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveStatus(ctx, ln, statusHandler(mgr)) }()

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	url := "https://" + ln.Addr().String() + "/api/sessions"
	var resp *http.Response
	for range 50 {
		if resp, err = client.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var got []session.Stats
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("sessions = %d, want 1", len(got))
	}
	if resp.TLS == nil || len(resp.TLS.PeerCertificates) == 0 {
		t.Error("expected a TLS connection")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serveStatus: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serveStatus did not return after cancel")
	}
}

// The status API stops with playback so run returns.
func TestRunWithStatus(t *testing.T) {
	t.Parallel()
	data, err := mp4test.Build([]mp4test.Track{
		{Kind: media.Video, Timescale: 1000, Duration: 1, Samples: mp4test.VideoSamples(10, 5), SyncEvery: 5},
	}, mp4test.Options{})
	if err != nil {
		t.Fatal(err)
	}
	in := filepath.Join(t.TempDir(), "in.mp4")
	if err := os.WriteFile(in, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	cfg.Input = in
	cfg.StatusAddr = "127.0.0.1:0"

	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after playback finished")
	}
}
