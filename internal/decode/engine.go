package decode

import "github.com/zsiec/mp4play/internal/media"

// Config is the configuration surface handed to a decode engine.
type Config struct {
	Kind  media.TrackKind
	Codec string

	Width  int
	Height int

	SampleRate int
	Channels   int
	SampleSize int

	// Description is the opaque codec configuration record.
	Description []byte
}

// ConfigFromDescriptor maps a track descriptor to an engine configuration.
func ConfigFromDescriptor(desc *media.TrackDescriptor) Config {
	return Config{
		Kind:        desc.Kind,
		Codec:       desc.Codec,
		Width:       desc.Width,
		Height:      desc.Height,
		SampleRate:  desc.SampleRate,
		Channels:    desc.Channels,
		SampleSize:  desc.SampleSize,
		Description: desc.Description,
	}
}

// Chunk is one encoded access unit submitted for decoding. Times are in
// microseconds.
type Chunk struct {
	Key       bool
	Timestamp int64
	Duration  int64
	Data      []byte
}

// Engine is a push-style decoder. Decode may return before the chunk is
// processed; results are delivered through the output callback supplied to
// the factory, and asynchronous failures through the error callback.
type Engine interface {
	Configure(cfg Config) error
	Decode(c Chunk) error
	// Flush blocks until every chunk accepted so far has produced output.
	Flush() error
	Close() error
}

// EngineFactory creates an engine bound to the given callbacks. Callbacks
// may be invoked from any goroutine and must not block for long.
type EngineFactory func(output func(*media.DecodedFrame), onError func(error)) (Engine, error)
