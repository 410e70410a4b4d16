// Package session runs one playback: it opens the input, feeds the
// container reader, queues samples per track, and owns the scheduler and
// decode pipelines until teardown. All per-session state lives on Session so
// sessions are independent of each other.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mp4play/internal/container"
	"github.com/zsiec/mp4play/internal/decode"
	"github.com/zsiec/mp4play/internal/ingest"
	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/queue"
	"github.com/zsiec/mp4play/internal/scheduler"
	"github.com/zsiec/mp4play/internal/sink"
)

// ErrAlreadyStarted is returned by Run for every start message after the
// first. The message is otherwise ignored.
var ErrAlreadyStarted = errors.New("session: already started")

// StartMessage begins a session: the media to play and the frame sinks for
// each track. A nil sink discards that track's frames.
type StartMessage struct {
	Input ingest.Input
	Video sink.Sink
	Audio sink.Sink
}

// Config configures a Session.
type Config struct {
	// Threshold is the per-track backlog that opens the bootstrap gate.
	Threshold int
	// ChunkSize is the read size for streamed inputs.
	ChunkSize int
	// Engine creates decode engines. Defaults to the bitstream engine.
	Engine decode.EngineFactory
	// NewClock supplies pacing clocks. Defaults to the wall clock.
	NewClock    func() scheduler.Clock
	HTTPClient  *http.Client
	H3TLSConfig *tls.Config
	Log         *slog.Logger
}

type trackState struct {
	desc     *media.TrackDescriptor
	q        *queue.Queue[*media.CodedSample]
	pipeline *decode.Pipeline
	failed   atomic.Bool
	// engineFault is set once a DecodeEngineError has been reported, so
	// an asynchronous engine error is not reported again when the next
	// submission fails with it.
	engineFault atomic.Bool
	queued      atomic.Int64
}

// Session is one playback of one input.
type Session struct {
	ID        string
	StartedAt time.Time

	log    *slog.Logger
	cfg    Config
	opener *ingest.Opener
	reader *container.Reader
	sched  *scheduler.Scheduler

	started  atomic.Bool
	teardown sync.Once

	mu     sync.Mutex
	tracks [len(media.Kinds)]*trackState
	sinks  [len(media.Kinds)]sink.Sink
	stream *ingest.Stream

	pending *queue.Queue[Report]
	reports chan Report
}

// New creates an idle session with a fresh ID.
func New(cfg Config) *Session {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = decode.NewBitstreamFactory(cfg.Log)
	}
	id := uuid.NewString()
	log := cfg.Log.With("component", "session", "session", id)

	s := &Session{
		ID:        id,
		StartedAt: time.Now(),
		log:       log,
		cfg:       cfg,
		pending:   queue.New[Report](),
		reports:   make(chan Report),
	}
	s.opener = ingest.NewOpener(ingest.Config{
		ChunkSize:   cfg.ChunkSize,
		HTTPClient:  cfg.HTTPClient,
		H3TLSConfig: cfg.H3TLSConfig,
		Log:         log,
	})
	s.reader = container.NewReader(s, log)
	s.sched = scheduler.New(scheduler.Config{
		Threshold: cfg.Threshold,
		NewClock:  cfg.NewClock,
		OnFailure: s.trackFailed,
		Log:       log,
	})
	return s
}

// Reports delivers every fault raised during Run. The channel is closed
// after Run returns and all reports have been received, so it must be
// drained.
func (s *Session) Reports() <-chan Report {
	return s.reports
}

// Run plays msg to completion. Only the first call starts the session;
// later calls return ErrAlreadyStarted. Run returns once both tracks are
// drained or failed, the input failed to open or parse, or ctx is
// cancelled, and it always tears the session down before returning.
// Track-level faults are delivered on Reports only; the returned error is
// the session-fatal one, if any.
func (s *Session) Run(ctx context.Context, msg StartMessage) error {
	if !s.started.CompareAndSwap(false, true) {
		s.log.Warn("ignoring start message, session already started")
		return ErrAlreadyStarted
	}
	go s.deliverReports()
	defer s.pending.Close()

	s.mu.Lock()
	s.sinks[media.Video] = orDiscard(msg.Video)
	s.sinks[media.Audio] = orDiscard(msg.Audio)
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	stream, err := s.opener.Open(runCtx, msg.Input)
	if err != nil {
		s.report(ClassInput, "", err)
		return err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.sched.Start(runCtx)

	var g errgroup.Group
	g.Go(func() error {
		return s.ingest(runCtx, stream)
	})

	if err := s.sched.Wait(); err != nil {
		s.log.Debug("playback ended with track failures", "error", err)
	}
	// Every loop has finished; stop an input that is still arriving.
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ingest pumps the input through the reader. A read or parse failure is
// fatal to the session and stops playback.
func (s *Session) ingest(ctx context.Context, stream *ingest.Stream) error {
	err := stream.Pump(ctx, s.reader.Append)
	if err == nil {
		err = s.reader.Finish()
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil
	default:
		var perr *container.ParseError
		if errors.As(err, &perr) {
			s.report(ClassParse, "", err)
		} else {
			s.report(ClassInput, "", err)
		}
		s.sched.Stop()
		return err
	}

	if s.configured() == 0 {
		s.log.Warn("input complete with no playable track")
		s.sched.Stop()
	}
	return nil
}

func (s *Session) configured() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tracks {
		if t != nil {
			n++
		}
	}
	return n
}

func (s *Session) track(kind media.TrackKind) *trackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[kind]
}

// OnTrack configures the track's decode pipeline and registers its queue
// with the scheduler.
func (s *Session) OnTrack(desc *media.TrackDescriptor) error {
	kind := desc.Kind
	s.mu.Lock()
	out := s.sinks[kind]
	s.mu.Unlock()

	t := &trackState{desc: desc, q: queue.New[*media.CodedSample]()}
	t.pipeline = decode.New(kind, s.cfg.Engine, out, func(err error) {
		s.pipelineFault(kind, t, err)
	}, s.log)

	if err := t.pipeline.Configure(desc); err != nil {
		_ = t.pipeline.Close()
		t.engineFault.Store(true)
		s.report(ClassDecodeEngine, kind.String(), err)
		s.sched.ExcludeTrack(kind)
		return err
	}
	if err := s.sched.AddTrack(kind, t.q, t.pipeline); err != nil {
		_ = t.pipeline.Close()
		return err
	}

	s.mu.Lock()
	s.tracks[kind] = t
	s.mu.Unlock()
	return nil
}

// OnTrackError excludes a track the reader could not set up.
func (s *Session) OnTrackError(kind media.TrackKind, err error) {
	class := ClassParse
	if errors.Is(err, container.ErrConfigurationNotFound) {
		class = ClassConfigurationNotFound
	}
	s.report(class, kind.String(), err)
	s.sched.ExcludeTrack(kind)
}

// OnSamples queues samples and re-evaluates the bootstrap gate. Samples of
// a failed track are dropped.
func (s *Session) OnSamples(kind media.TrackKind, samples []*media.CodedSample) {
	t := s.track(kind)
	if t == nil || t.failed.Load() {
		return
	}
	for _, smp := range samples {
		if err := t.q.Enqueue(smp); err != nil {
			s.log.Warn("dropping sample for closed queue", "track", kind.String(), "sample", smp.Number)
			return
		}
	}
	t.queued.Add(int64(len(samples)))
	s.sched.Notify()
}

// OnTrackEnd closes the track's queue.
func (s *Session) OnTrackEnd(kind media.TrackKind) {
	if t := s.track(kind); t != nil {
		t.q.Close()
	}
	s.sched.Notify()
}

// trackFailed is called by the scheduler when a submission fails.
func (s *Session) trackFailed(kind media.TrackKind, err error) {
	t := s.track(kind)
	if t == nil {
		return
	}
	t.failed.Store(true)
	if t.engineFault.CompareAndSwap(false, true) {
		s.report(ClassDecodeEngine, kind.String(), err)
	}
}

// pipelineFault receives faults raised off the submission path.
func (s *Session) pipelineFault(kind media.TrackKind, t *trackState, err error) {
	var serr *decode.SinkError
	if errors.As(err, &serr) {
		s.report(ClassSink, kind.String(), err)
		return
	}
	if t.engineFault.CompareAndSwap(false, true) {
		s.report(ClassDecodeEngine, kind.String(), err)
	}
}

// close stops the pacing loops, closes each pipeline once, releases the
// reader, then closes the sinks and the input.
func (s *Session) close() {
	s.teardown.Do(func() {
		s.sched.Stop()
		_ = s.sched.Wait()

		s.mu.Lock()
		tracks := s.tracks
		sinks := s.sinks
		stream := s.stream
		s.mu.Unlock()

		for _, t := range tracks {
			if t == nil {
				continue
			}
			t.q.Close()
			if err := t.pipeline.Close(); err != nil {
				s.log.Warn("pipeline close failed", "track", t.desc.Kind.String(), "error", err)
			}
		}
		s.reader.Release()
		for kind, out := range sinks {
			if out == nil {
				continue
			}
			if err := out.Close(); err != nil {
				s.log.Warn("sink close failed", "track", media.TrackKind(kind).String(), "error", err)
			}
		}
		if stream != nil {
			_ = stream.Close()
		}
		if err := s.opener.Close(); err != nil {
			s.log.Debug("opener close", "error", err)
		}

		s.logStats()
	})
}

func (s *Session) logStats() {
	st := s.Stats()
	attrs := []any{
		"bytes_in", st.Ingest.BytesReceived,
		"reads", st.Ingest.ReadCount,
		"elapsed", time.Since(s.StartedAt).Round(time.Millisecond),
	}
	for _, kind := range media.Kinds {
		ts, ok := st.Tracks[kind.String()]
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Group(kind.String(),
			"codec", ts.Codec,
			"state", ts.State.String(),
			"queued", ts.Queued,
			"submitted", ts.Submitted,
			"slept", ts.Slept,
			"underruns", ts.Underruns,
			"forwarded", ts.Forwarded,
			"sink_errors", ts.SinkErrors,
		))
	}
	s.log.Info("session complete", attrs...)
}

func orDiscard(s sink.Sink) sink.Sink {
	if s == nil {
		return &sink.Discard{}
	}
	return s
}

// TrackStats are one track's debug counters.
type TrackStats struct {
	Codec      string          `json:"codec"`
	State      scheduler.State `json:"state"`
	Queued     int64           `json:"queued"`
	Submitted  int64           `json:"submitted"`
	Slept      time.Duration   `json:"sleptNs"`
	Underruns  int64           `json:"underruns"`
	Forwarded  int64           `json:"forwarded"`
	SinkErrors int64           `json:"sinkErrors"`
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	ID        string                `json:"id"`
	StartedAt time.Time             `json:"startedAt"`
	Ingest    ingest.IngestStats    `json:"ingest"`
	Tracks    map[string]TrackStats `json:"tracks"`
}

// Stats returns the session's counters. It is safe to call at any time.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	tracks := s.tracks
	stream := s.stream
	s.mu.Unlock()

	st := Stats{ID: s.ID, StartedAt: s.StartedAt, Tracks: make(map[string]TrackStats)}
	if stream != nil {
		st.Ingest = stream.IngestStats()
	}
	for _, t := range tracks {
		if t == nil {
			continue
		}
		kind := t.desc.Kind
		sched := s.sched.Stats(kind)
		pipe := t.pipeline.Stats()
		st.Tracks[kind.String()] = TrackStats{
			Codec:      t.desc.Codec,
			State:      sched.State,
			Queued:     t.queued.Load(),
			Submitted:  sched.Submitted,
			Slept:      sched.Slept,
			Underruns:  sched.Underruns,
			Forwarded:  pipe.Forwarded,
			SinkErrors: pipe.SinkErrors,
		}
	}
	return st
}

// State returns the scheduler state of kind.
func (s *Session) State(kind media.TrackKind) scheduler.State {
	return s.sched.State(kind)
}
