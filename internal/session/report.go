package session

import (
	"fmt"
)

// Class is the fault taxonomy of a Report.
type Class int

const (
	// ClassParse is a malformed or truncated container. Fatal to the
	// session.
	ClassParse Class = iota + 1
	// ClassConfigurationNotFound is a track without a recognized codec
	// configuration box. Fatal to that track.
	ClassConfigurationNotFound
	// ClassDecodeEngine is an engine that rejected its configuration or a
	// sample. Fatal to that track.
	ClassDecodeEngine
	// ClassSink is a frame sink that refused a frame. Decoding continues.
	ClassSink
	// ClassInput is an input that could not be opened or read. Fatal to
	// the session.
	ClassInput
)

func (c Class) String() string {
	switch c {
	case ClassParse:
		return "parse"
	case ClassConfigurationNotFound:
		return "configuration_not_found"
	case ClassDecodeEngine:
		return "decode_engine"
	case ClassSink:
		return "sink"
	case ClassInput:
		return "input"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Report is one fault raised by a session. Track is empty for
// session-wide faults.
type Report struct {
	Class Class
	Track string
	Err   error
}

func (r Report) String() string {
	if r.Track == "" {
		return fmt.Sprintf("%s: %v", r.Class, r.Err)
	}
	return fmt.Sprintf("%s (%s): %v", r.Class, r.Track, r.Err)
}

// report queues a fault for delivery. Nothing is retried; the affected
// unit has already stopped when this is called.
func (s *Session) report(class Class, track string, err error) {
	r := Report{Class: class, Track: track, Err: err}
	s.log.Warn("fault", "class", class.String(), "track", track, "error", err)
	if qerr := s.pending.Enqueue(r); qerr != nil {
		s.log.Error("report raised after session end", "class", class.String(), "error", err)
	}
}

// deliverReports moves queued reports to the Reports channel so reporters
// never block on the consumer. It closes the channel once the session has
// ended and every report was delivered.
func (s *Session) deliverReports() {
	defer close(s.reports)
	for {
		for {
			r, ok := s.pending.Dequeue()
			if !ok {
				break
			}
			s.reports <- r
		}
		if s.pending.Drained() {
			return
		}
		<-s.pending.Notify()
	}
}
