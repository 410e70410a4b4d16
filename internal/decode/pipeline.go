// Package decode wraps a track's decode engine. A Pipeline is configured
// once from a track descriptor, accepts coded samples, and forwards engine
// output to a frame sink in the order the engine produced it.
package decode

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/mp4play/internal/media"
	"github.com/zsiec/mp4play/internal/queue"
	"github.com/zsiec/mp4play/internal/sink"
)

type state int

const (
	stateUnconfigured state = iota
	stateConfigured
	stateClosed
)

// Stats holds a pipeline's forwarding counters.
type Stats struct {
	Submitted  int64
	Forwarded  int64
	SinkErrors int64
	Pending    int
}

// Pipeline bridges one track's engine and frame sink. Engine output goes
// into an unbounded FIFO drained by a forwarding goroutine, so a slow sink
// never blocks the engine.
type Pipeline struct {
	log     *slog.Logger
	kind    media.TrackKind
	factory EngineFactory
	sink    sink.Sink
	report  func(error)

	mu     sync.Mutex
	state  state
	engine Engine

	// asyncErr is the first failure reported through the engine's error
	// callback. It has its own synchronisation because engines may call
	// back while Submit holds mu.
	asyncErr atomic.Pointer[EngineError]

	out  *queue.Queue[*media.DecodedFrame]
	done chan struct{}

	submitted  atomic.Int64
	forwarded  atomic.Int64
	sinkErrors atomic.Int64
}

// New creates an unconfigured pipeline for kind. Faults that happen off the
// caller's goroutine (sink failures, asynchronous engine errors) are passed
// to report. If log is nil, slog.Default() is used.
func New(kind media.TrackKind, factory EngineFactory, s sink.Sink, report func(error), log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if report == nil {
		report = func(error) {}
	}
	return &Pipeline{
		log:     log.With("component", "decode", "track", kind.String()),
		kind:    kind,
		factory: factory,
		sink:    s,
		report:  report,
		out:     queue.New[*media.DecodedFrame](),
		done:    make(chan struct{}),
	}
}

// Configure creates and configures the engine from desc and starts output
// forwarding. It may be called once.
func (p *Pipeline) Configure(desc *media.TrackDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateClosed:
		return ErrClosed
	case stateConfigured:
		return ErrAlreadyConfigured
	}
	if err := validate(p.kind, desc); err != nil {
		return err
	}

	engine, err := p.factory(p.output, p.engineFailed)
	if err != nil {
		return &EngineError{Kind: p.kind, Op: "create", Err: err}
	}
	if err := engine.Configure(ConfigFromDescriptor(desc)); err != nil {
		_ = engine.Close()
		return &EngineError{Kind: p.kind, Op: "configure", Err: err}
	}

	p.engine = engine
	p.state = stateConfigured
	go p.forward()

	p.log.Info("decoder configured",
		"codec", desc.Codec,
		"width", desc.Width,
		"height", desc.Height,
		"sample_rate", desc.SampleRate,
		"channels", desc.Channels,
	)
	return nil
}

func validate(kind media.TrackKind, desc *media.TrackDescriptor) error {
	switch {
	case desc == nil:
		return ErrIncompleteDescriptor
	case desc.Kind != kind:
		return ErrIncompleteDescriptor
	case desc.Codec == "":
		return ErrIncompleteDescriptor
	case kind == media.Video && (desc.Width <= 0 || desc.Height <= 0):
		return ErrIncompleteDescriptor
	case kind == media.Audio && (desc.SampleRate <= 0 || desc.Channels <= 0):
		return ErrIncompleteDescriptor
	}
	return nil
}

// Submit hands one coded sample to the engine. An engine rejection, or an
// asynchronous engine failure reported since the previous call, is returned
// as *EngineError.
func (p *Pipeline) Submit(s *media.CodedSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateUnconfigured:
		return ErrNotConfigured
	case stateClosed:
		return ErrClosed
	}
	if eerr := p.asyncErr.Load(); eerr != nil {
		return eerr
	}

	err := p.engine.Decode(Chunk{
		Key:       s.Sync,
		Timestamp: s.TimestampMicros(),
		Duration:  s.DurationMicros(),
		Data:      s.Data,
	})
	if err != nil {
		return &EngineError{Kind: p.kind, Op: "decode", Err: err}
	}
	p.submitted.Add(1)
	return nil
}

// Close flushes and releases the engine, then waits until every produced
// frame has been handed to the sink. The sink itself is not closed. Close is
// idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil
	}
	wasConfigured := p.state == stateConfigured
	p.state = stateClosed
	engine := p.engine
	p.engine = nil
	p.mu.Unlock()

	var errs []error
	if engine != nil {
		if err := engine.Flush(); err != nil {
			errs = append(errs, &EngineError{Kind: p.kind, Op: "flush", Err: err})
		}
		if err := engine.Close(); err != nil {
			errs = append(errs, &EngineError{Kind: p.kind, Op: "close", Err: err})
		}
	}
	p.out.Close()
	if wasConfigured {
		<-p.done
	}

	p.log.Info("decoder closed",
		"submitted", p.submitted.Load(),
		"forwarded", p.forwarded.Load(),
		"sink_errors", p.sinkErrors.Load(),
	)
	return errors.Join(errs...)
}

// Stats returns the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Forwarded:  p.forwarded.Load(),
		SinkErrors: p.sinkErrors.Load(),
		Pending:    p.out.Len(),
	}
}

// output is the engine's output callback.
func (p *Pipeline) output(f *media.DecodedFrame) {
	if err := p.out.Enqueue(f); err != nil {
		p.log.Debug("dropping frame produced after close", "timestamp", f.Timestamp)
	}
}

// engineFailed is the engine's error callback.
func (p *Pipeline) engineFailed(err error) {
	eerr := &EngineError{Kind: p.kind, Op: "decode", Err: err}
	p.asyncErr.CompareAndSwap(nil, eerr)
	p.log.Warn("engine error", "error", err)
	p.report(eerr)
}

// forward drains the output FIFO into the sink until the FIFO is closed
// and empty.
func (p *Pipeline) forward() {
	defer close(p.done)
	for {
		for {
			f, ok := p.out.Dequeue()
			if !ok {
				break
			}
			if err := p.sink.WriteFrame(f); err != nil {
				p.sinkErrors.Add(1)
				p.report(&SinkError{Kind: p.kind, Err: err})
				continue
			}
			p.forwarded.Add(1)
		}
		if p.out.Drained() {
			return
		}
		<-p.out.Notify()
	}
}
