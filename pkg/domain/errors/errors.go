// Package errors declares sentinel errors shared by storages of domain models.
package errors

import "errors"

var (
	// requested entity is not found.
	ErrMissing = errors.New("missing")

	// requested entity is found more than expected.
	ErrTooMuch = errors.New("too much")

	// the entity to be created already exists.
	ErrConflict = errors.New("conflict")

	// the run cannot be changed to the requested state.
	ErrInvalidRunStateChanging = errors.New("cannot change run state")
)
