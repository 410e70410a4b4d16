package session

import (
	"context"
	"sync"
	"testing"

	"github.com/zsiec/mp4play/internal/ingest"
	"github.com/zsiec/mp4play/internal/mp4test"
)

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{})

	s := m.Create()
	if s == nil {
		t.Fatal("Create returned nil")
	}
	if s.ID == "" {
		t.Error("session ID should not be empty")
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}

	got, ok := m.Get(s.ID)
	if !ok || got != s {
		t.Error("Get should return the created session")
	}
	if _, ok := m.Get("nonexistent"); ok {
		t.Error("Get of unknown ID should fail")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{})

	s := m.Create()
	if len(m.List()) != 1 {
		t.Errorf("count: got %d, want 1", len(m.List()))
	}

	m.Remove(s.ID)
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	// Should not panic
	m.Remove("nonexistent")
}

func TestManagerSessionsIndependent(t *testing.T) {
	t.Parallel()
	m := NewManager(Config{NewClock: stepClocks(), Engine: echoFactory(nil)})

	sizes := []struct{ video, audio int }{{120, 300}, {40, 250}, {200, 110}}
	sinks := make([][2]*collector, len(sizes))
	ids := make(map[string]bool)

	var wg sync.WaitGroup
	for i, sz := range sizes {
		data := testFile(t, sz.video, sz.audio, mp4test.Options{ChunkSamples: 3}, nil)
		s := m.Create()
		ids[s.ID] = true
		sinks[i] = [2]*collector{{}, {}}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go drainReports(s)
			err := s.Run(context.Background(), StartMessage{
				Input: ingest.Input{Blob: data},
				Video: sinks[i][0],
				Audio: sinks[i][1],
			})
			if err != nil {
				t.Errorf("session %d: Run: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if len(ids) != len(sizes) {
		t.Errorf("session IDs not unique: %v", ids)
	}
	if got := len(m.List()); got != len(sizes) {
		t.Errorf("List: got %d sessions, want %d", got, len(sizes))
	}
	for i, sz := range sizes {
		if got := len(sinks[i][0].got()); got != sz.video {
			t.Errorf("session %d video frames: got %d, want %d", i, got, sz.video)
		}
		if got := len(sinks[i][1].got()); got != sz.audio {
			t.Errorf("session %d audio frames: got %d, want %d", i, got, sz.audio)
		}
	}
}
