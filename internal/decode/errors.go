package decode

import (
	"errors"
	"fmt"

	"github.com/zsiec/mp4play/internal/media"
)

var (
	ErrAlreadyConfigured    = errors.New("decode: pipeline already configured")
	ErrIncompleteDescriptor = errors.New("decode: incomplete track descriptor")
	ErrNotConfigured        = errors.New("decode: pipeline not configured")
	ErrClosed               = errors.New("decode: pipeline closed")

	// ErrUnsupportedCodec is returned by an engine asked to configure a
	// codec it cannot handle.
	ErrUnsupportedCodec = errors.New("decode: unsupported codec")
	// ErrBadConfig is returned when a codec configuration record cannot be
	// parsed.
	ErrBadConfig = errors.New("decode: invalid codec configuration")
)

// EngineError reports a failure raised by a decode engine, either
// synchronously from Configure/Decode/Flush/Close or through its error
// callback. It is fatal to one track.
type EngineError struct {
	Kind media.TrackKind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("decode: %s engine %s: %v", e.Kind, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// SinkError reports a frame sink that refused a frame. Decoding continues.
type SinkError struct {
	Kind media.TrackKind
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("decode: %s sink: %v", e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
