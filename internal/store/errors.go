package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the record store has no record with the
// requested id (or a filtered list matched nothing where one record was
// expected). It is never returned for connectivity failures.
var ErrNotFound = errors.New("store: record not found")

// ErrAuthFailed is returned by AuthWithPassword when the store rejects the
// credentials.
var ErrAuthFailed = errors.New("store: authentication failed")

// UnavailableError marks a transient infrastructure fault: the store could
// not be reached, or answered with a server error. Callers must treat it as
// distinct from ErrNotFound.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store: %s: upstream unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err stems from store connectivity rather
// than a definitive answer.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// StatusError carries a non-2xx store response that is neither a not-found
// nor an availability problem (validation failures and the like).
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: status %d: %s", e.Code, e.Message)
}
