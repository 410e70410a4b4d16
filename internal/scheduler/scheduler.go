// Package scheduler paces coded samples from per-track queues into their
// decode pipelines. Playback starts once every participating track has
// buffered enough samples; after that each track is submitted at the rate
// given by its declared sample durations, independently of the other.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/queue"
)

// State is a track's playback state.
type State int

const (
	Idle State = iota
	Buffering
	Playing
	Waiting
	Drained
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Waiting:
		return "waiting"
	case Drained:
		return "drained"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Stopped; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("scheduler: unknown state %q", text)
}

// ErrTrackExists is returned by AddTrack for a kind already registered.
var ErrTrackExists = errors.New("scheduler: track already added")

// Submitter accepts paced samples, typically a decode pipeline.
type Submitter interface {
	Submit(s *media.CodedSample) error
}

// Config configures a Scheduler.
type Config struct {
	// Threshold is the per-track backlog required to open the gate.
	// Defaults to media.DefaultBootstrapThreshold.
	Threshold int
	// NewClock returns the clock for one pacing loop. Defaults to
	// RealClock.
	NewClock func() Clock
	// OnFailure is called when a track's submission fails. The track stops;
	// other tracks continue.
	OnFailure func(kind media.TrackKind, err error)
	Log       *slog.Logger
}

// TrackStats holds per-track pacing counters.
type TrackStats struct {
	State     State
	Submitted int64
	// Underruns counts transitions into Waiting.
	Underruns int64
	// Slept is the total time spent in pacing waits.
	Slept time.Duration
}

type track struct {
	kind     media.TrackKind
	q        *queue.Queue[*media.CodedSample]
	sub      Submitter
	excluded bool
	stats    TrackStats
}

// Scheduler owns the bootstrap gate and the per-track pacing loops.
type Scheduler struct {
	log       *slog.Logger
	threshold int
	newClock  func() Clock
	onFailure func(media.TrackKind, error)

	mu        sync.Mutex
	tracks    [len(media.Kinds)]*track
	excluded  [len(media.Kinds)]bool
	buffering bool
	running   bool
	open      bool
	stopped   bool
	failures  []error
	ctx       context.Context
	cancel    context.CancelFunc

	gateOpen chan struct{}
	g        errgroup.Group
}

// New creates an idle Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Threshold <= 0 {
		cfg.Threshold = media.DefaultBootstrapThreshold
	}
	if cfg.NewClock == nil {
		cfg.NewClock = RealClock
	}
	if cfg.OnFailure == nil {
		cfg.OnFailure = func(media.TrackKind, error) {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:       cfg.Log.With("component", "scheduler"),
		threshold: cfg.Threshold,
		newClock:  cfg.NewClock,
		onFailure: cfg.OnFailure,
		ctx:       ctx,
		cancel:    cancel,
		gateOpen:  make(chan struct{}),
	}
}

// AddTrack registers the queue and submitter for kind. All tracks should be
// added before their first sample is enqueued.
func (s *Scheduler) AddTrack(kind media.TrackKind, q *queue.Queue[*media.CodedSample], sub Submitter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks[kind] != nil {
		return fmt.Errorf("%w: %s", ErrTrackExists, kind)
	}
	s.tracks[kind] = &track{kind: kind, q: q, sub: sub, excluded: s.excluded[kind]}
	if s.excluded[kind] {
		s.tracks[kind].stats.State = Failed
	}
	return nil
}

// ExcludeTrack removes kind from the gate. It is used for tracks that
// failed before playback; a track that is already playing is unaffected.
func (s *Scheduler) ExcludeTrack(kind media.TrackKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded[kind] = true
	if t := s.tracks[kind]; t != nil && !s.open {
		t.excluded = true
		t.stats.State = Failed
	}
	s.evaluateLocked()
}

// Notify re-evaluates the gate. Call it after every sample arrival,
// end-of-track or exclusion.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluateLocked()
}

// Start arms the gate. Pacing loops begin once the gate opens; they stop
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	stop := context.AfterFunc(ctx, s.Stop)
	go func() {
		<-s.ctx.Done()
		stop()
	}()
	s.evaluateLocked()
}

// Started is closed when the gate opens.
func (s *Scheduler) Started() <-chan struct{} {
	return s.gateOpen
}

// Stop cancels every pacing loop. Tracks that had not finished end in
// Stopped. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if !s.open {
		for _, t := range s.tracks {
			if t != nil && !t.excluded {
				t.stats.State = Stopped
			}
		}
	}
	s.cancel()
}

// Wait blocks until every pacing loop has finished, or until Stop if the
// gate never opened. It returns the submission failures, if any.
func (s *Scheduler) Wait() error {
	select {
	case <-s.gateOpen:
	case <-s.ctx.Done():
	}
	_ = s.g.Wait()
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.failures...)
}

// State returns kind's playback state.
func (s *Scheduler) State(kind media.TrackKind) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tracks[kind]; t != nil {
		return t.stats.State
	}
	if s.buffering {
		return Buffering
	}
	return Idle
}

// Stats returns kind's counters.
func (s *Scheduler) Stats(kind media.TrackKind) TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tracks[kind]; t != nil {
		return t.stats
	}
	return TrackStats{State: Idle}
}

func (s *Scheduler) evaluateLocked() {
	if s.open || s.stopped {
		return
	}

	var participants []*track
	ready := true
	for _, t := range s.tracks {
		if t == nil || t.excluded {
			continue
		}
		participants = append(participants, t)
		n := t.q.Len()
		if n > 0 && !s.buffering {
			s.buffering = true
			s.log.Debug("buffering")
		}
		if n < s.threshold && !t.q.Closed() {
			ready = false
		}
	}
	if s.buffering {
		for _, t := range participants {
			t.stats.State = Buffering
		}
	}
	if !s.running || len(participants) == 0 || !ready {
		return
	}

	s.open = true
	for _, t := range participants {
		t.stats.State = Playing
		s.log.Info("playback starting", "track", t.kind.String(), "buffered", t.q.Len())
		s.g.Go(func() error {
			return s.play(s.ctx, t)
		})
	}
	// Loops are registered with the group before Wait can observe the
	// open gate.
	close(s.gateOpen)
}

func (s *Scheduler) setState(t *track, st State) {
	s.mu.Lock()
	if st == Waiting && t.stats.State != Waiting {
		t.stats.Underruns++
	}
	t.stats.State = st
	s.mu.Unlock()
}

// play is one track's pacing loop. Each sample is submitted, then the loop
// sleeps until the cumulative declared duration since the baseline has
// elapsed. Deadlines are absolute, so a late wake-up shortens the next wait
// instead of accumulating.
func (s *Scheduler) play(ctx context.Context, t *track) error {
	log := s.log.With("track", t.kind.String())
	clock := s.newClock()
	base := clock.Now()
	var ticks uint64
	reanchor := false

	for {
		sample, ok := t.q.Dequeue()
		if !ok {
			if t.q.Drained() {
				s.setState(t, Drained)
				log.Info("track drained", "submitted", s.Stats(t.kind).Submitted)
				return nil
			}
			s.setState(t, Waiting)
			log.Debug("queue empty, waiting for samples")
			select {
			case <-t.q.Notify():
				reanchor = true
				continue
			case <-ctx.Done():
				s.setState(t, Stopped)
				return nil
			}
		}

		if ctx.Err() != nil {
			s.setState(t, Stopped)
			return nil
		}
		if reanchor {
			base = clock.Now()
			ticks = 0
			reanchor = false
		}
		s.setState(t, Playing)

		if err := t.sub.Submit(sample); err != nil {
			s.mu.Lock()
			t.stats.State = Failed
			s.failures = append(s.failures, err)
			s.mu.Unlock()
			log.Error("submission failed", "sample", sample.Number, "error", err)
			s.onFailure(t.kind, err)
			return nil
		}

		ticks += uint64(sample.Duration)
		wait := media.TicksToDuration(ticks, sample.Timescale) - clock.Now().Sub(base)

		s.mu.Lock()
		t.stats.Submitted++
		if wait > 0 {
			t.stats.Slept += wait
		}
		s.mu.Unlock()

		if wait <= 0 {
			continue
		}
		timer := clock.NewTimer(wait)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			s.setState(t, Stopped)
			return nil
		}
	}
}
