package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Remote failures are always reduced to one of these
// before they reach the facade; bus-level error names and messages stay in
// the log and in PositionError.Detail.
var (
	ErrAccess        = fmt.Errorf("positioning service access denied")
	ErrUnavailable   = fmt.Errorf("positioning service unavailable")
	ErrTimeout       = fmt.Errorf("position request timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrNotConfigured = fmt.Errorf("desktop id is not configured")
)

// PositionError wraps a sentinel error with operation context.
type PositionError struct {
	Op     string // operation name (e.g. "geoclue.CreateSession")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail, e.g. the D-Bus error name
}

func (e *PositionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }

// NewPositionError creates a new PositionError.
func NewPositionError(op string, err error, detail string) *PositionError {
	return &PositionError{Op: op, Err: err, Detail: detail}
}

// SourceError is the coarse error kind exposed to position-source callers.
// It deliberately carries no remote detail.
type SourceError int

const (
	NoError SourceError = iota
	AccessError
	ClosedError
	UnknownSourceError
)

func (e SourceError) String() string {
	switch e {
	case NoError:
		return "no error"
	case AccessError:
		return "access error"
	case ClosedError:
		return "closed"
	case UnknownSourceError:
		return "unknown source error"
	default:
		return "unknown"
	}
}

// KindOf classifies an internal error into the caller-facing kind.
// Timeouts and caller mistakes surface as UnknownSourceError; everything
// that points at the remote session or its configuration is AccessError.
func KindOf(err error) SourceError {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrInvalidInput):
		return UnknownSourceError
	default:
		return AccessError
	}
}
