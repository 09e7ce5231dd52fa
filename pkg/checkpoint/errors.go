package checkpoint

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by all saver backends. Backends wrap these
// with fmt.Errorf("...: %w", ...) so callers can classify failures
// with errors.Is without depending on a specific backend.
var (
	// ErrConflict indicates a checkpoint or write already exists with
	// the same identifiers but a different payload.
	ErrConflict = errors.New("checkpoint conflict")

	// ErrUnavailable indicates the backing store could not be reached.
	// Not retried locally; retry policy belongs to the orchestrator.
	ErrUnavailable = errors.New("checkpoint store unavailable")

	// ErrSaverClosed indicates an operation on a closed saver.
	ErrSaverClosed = errors.New("checkpoint saver closed")
)

// Conflictf wraps ErrConflict with operation context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Unavailablef wraps ErrUnavailable with operation context while
// preserving the underlying driver error in the chain.
func Unavailablef(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w: %w", append(args, ErrUnavailable, err)...)
}

// IsConflict reports whether err is a duplicate-with-divergent-payload
// failure.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable reports whether err is a transport or connectivity
// failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
