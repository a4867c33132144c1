// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package mutation

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

var (
	// Error is the default mutation error class.
	Error = errs.Class("mutation")

	// ErrNotFound is returned when a patch or version-checked operation
	// targets a missing entity.
	ErrNotFound = errs.Class("entity not found")

	// ErrUniqueConstraint is returned when a write would duplicate a
	// unique-constrained value.
	ErrUniqueConstraint = errs.Class("unique constraint violation")

	// ErrCycle is returned when cascade resolution finds a delete cycle in
	// the relation graph. This is a schema modeling bug, not a transient
	// failure.
	ErrCycle = errs.Class("cascade cycle")

	// ErrDepthExceeded is returned when cascade resolution exceeds the
	// configured maximum depth.
	ErrDepthExceeded = errs.Class("cascade depth exceeded")

	// ErrUnregistered is returned when a relation targets an entity type
	// that was never registered.
	ErrUnregistered = errs.Class("unregistered entity type")
)

// VersionConflictError reports an optimistic-concurrency mismatch. The caller
// should re-read the entity and retry with the actual version.
type VersionConflictError struct {
	Key      string
	Expected uint64
	Actual   uint64
}

// Error implements the error interface.
func (err *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d",
		err.Key, err.Expected, err.Actual)
}

// IsVersionConflict extracts a VersionConflictError from an error chain.
func IsVersionConflict(err error) (*VersionConflictError, bool) {
	var conflict *VersionConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
