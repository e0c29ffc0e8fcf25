// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	ErrNotOpened         = errors.New("encoder is not opened")
	ErrAlreadyOpened     = errors.New("encoder is already opened")
	ErrClosed            = errors.New("encoder is closed")
	ErrMissingFieldName  = errors.New("record field has no name")
	ErrSinkWrite         = errors.New("sink write failed")
	ErrSinkFinalized     = errors.New("sink is finalized")
	ErrDestinationExists = errors.New("destination already exists")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrSourceClosed      = errors.New("source is closed")
	ErrInvalidRecord     = errors.New("invalid record")
)

// LifecycleError reports an operation invoked outside the open, write, close
// order.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("lifecycle error: op=%s: %v", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// FormatError reports a row that could not be written. Row is the 1-based
// output row, counting the header row.
type FormatError struct {
	Row int
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error: row=%d: %v", e.Row, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// SinkError reports a sink that failed to initialize or finalize.
type SinkError struct {
	Operation   string
	Destination string
	Err         error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink unavailable: operation=%s destination=%s: %v",
		e.Operation, e.Destination, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// IsLifecycle reports whether err is or wraps a LifecycleError.
func IsLifecycle(err error) bool {
	var le *LifecycleError
	return errors.As(err, &le)
}

// IsFormat reports whether err is or wraps a FormatError.
func IsFormat(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsSinkUnavailable reports whether err is or wraps a SinkError.
func IsSinkUnavailable(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}

// Kind returns a short label for metrics: "lifecycle", "format", "sink" or
// "other".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsLifecycle(err):
		return "lifecycle"
	case IsFormat(err):
		return "format"
	case IsSinkUnavailable(err):
		return "sink"
	default:
		return "other"
	}
}
