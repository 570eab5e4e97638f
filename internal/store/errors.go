package store

import (
	"errors"
	"fmt"

	"github.com/ukydev/ambulance-dispatch/internal/models"
)

// ErrNotFound is wrapped by every lookup of an unknown entity.
var ErrNotFound = errors.New("not found")

// StaleWriteError is returned when the expected version of a write does not
// match the stored record. Callers re-read the snapshot and retry.
type StaleWriteError struct {
	Kind     models.EntityKind
	ID       string
	Expected uint64
	Actual   uint64
}

func (e *StaleWriteError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("stale write on %s %s: already exists at version %d", e.Kind, e.ID, e.Actual)
	}
	return fmt.Sprintf("stale write on %s %s: expected version %d, have %d", e.Kind, e.ID, e.Expected, e.Actual)
}

// IsStale reports whether err is or wraps a StaleWriteError.
func IsStale(err error) bool {
	var stale *StaleWriteError
	return errors.As(err, &stale)
}

// ValidationError rejects a record that violates a field constraint.
type ValidationError struct {
	Kind   models.EntityKind
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %s: %s %s", e.Kind, e.ID, e.Field, e.Reason)
}

func notFound(kind models.EntityKind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

func checkVersion(kind models.EntityKind, id string, exists bool, actual, expected uint64) error {
	switch {
	case !exists && expected != 0:
		return notFound(kind, id)
	case exists && expected != actual:
		return &StaleWriteError{Kind: kind, ID: id, Expected: expected, Actual: actual}
	}
	return nil
}
