package recordcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that the Backend has no record for the identifier.
	// Backends should return (or wrap) it from Update when the target is missing.
	ErrNotFound = errors.New("recordcache: not found")

	// ErrNothingBound is returned by Binding.Save when no value is bound.
	ErrNothingBound = errors.New("recordcache: nothing bound")

	// ErrConflict reports a write whose identity does not match its target.
	ErrConflict = errors.New("recordcache: conflict")

	// ErrExists reports a create for an identifier that is already stored.
	ErrExists = errors.New("recordcache: already exists")
)

// Operation names used in OpError, logs and Observer callbacks.
const (
	OpFetchAll = "fetch_all"
	OpFetchOne = "fetch_one"
	OpUpdate   = "update"
	OpCreate   = "create"
	OpLoad     = "load"
	OpSave     = "save"
)

// OpError describes a failed store operation. Err is either ErrNotFound or the
// error returned by the Backend.
type OpError struct {
	Namespace string
	Op        string
	Key       string // empty for collection operations
	Err       error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("recordcache: %s %s: %v", e.Namespace, e.Op, e.Err)
	}
	return fmt.Sprintf("recordcache: %s %s %q: %v", e.Namespace, e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the record does not exist, as opposed
// to a Backend failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
