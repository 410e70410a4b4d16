package container

import (
	"errors"
	"fmt"
)

// Sentinel errors for container parsing. Callers distinguish failure modes
// with errors.Is; every parse failure is additionally wrapped in a
// *ParseError carrying the offending offset.
var (
	// ErrConfigurationNotFound is reported for a track whose sample
	// description carries no recognised codec configuration box. It is
	// fatal for that track only.
	ErrConfigurationNotFound = errors.New("container: codec configuration not found")

	ErrTruncated      = errors.New("container: truncated input")
	ErrNonContiguous  = errors.New("container: non-contiguous byte range")
	ErrMissingMoov    = errors.New("container: no moov box")
	ErrInvalidBox     = errors.New("container: invalid box header")
	ErrSampleTable    = errors.New("container: inconsistent sample table")
	ErrUnsupported    = errors.New("container: unsupported layout")
	ErrReaderReleased = errors.New("container: reader released")
)

// ParseError indicates malformed or truncated container data. It is fatal
// to the session; the reader does not attempt partial recovery.
type ParseError struct {
	Offset int64
	Box    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Box != "" {
		return fmt.Sprintf("container: parse %s at offset %d: %v", e.Box, e.Offset, e.Err)
	}
	return fmt.Sprintf("container: parse at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
