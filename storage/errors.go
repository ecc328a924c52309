package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrRelationMissing indicates the remote backend has no relation for the
	// requested kind. It is the fallback trigger and must never be conflated
	// with a permission failure.
	ErrRelationMissing = errors.New("relation missing")

	// ErrPermissionDenied indicates the remote backend rejected the operation
	// on policy grounds. It always propagates to the caller and never
	// triggers a fallback.
	ErrPermissionDenied = errors.New("permission denied")
)

// ConflictError is returned by UpdateWithVersion when the stored version does
// not match the expected one. It carries the latest stored entity so the
// caller can merge or retry without a second read.
type ConflictError struct {
	Kind            string
	ID              string
	ExpectedVersion string
	ActualVersion   string
	Latest          Entity
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: expected %q, stored %q",
		e.Kind, e.ID, e.ExpectedVersion, e.ActualVersion)
}

// IsConflict reports whether err is a version conflict and returns it typed.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
