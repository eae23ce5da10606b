package domain

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by mapping operations after Close.
var ErrClosed = errors.New("mapping is closed")

// ErrNothingToCommit is returned by Commit when the session is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrNothingToRollback is returned by Rollback when the session is clean.
var ErrNothingToRollback = errors.New("nothing to rollback")

// ValidationError reports one item that failed an integrity check during add
// or update. It never aborts sibling rows of the same batch.
type ValidationError struct {
	Type   ItemType
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Type, e.Reason)
}

// StoreError reports that the backing mapping rejected an operation. It
// aborts only the current operation of the affected connection.
type StoreError struct {
	URL string
	Op  string
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e StoreError) Unwrap() error { return e.Err }

// VersionError is the distinguished "needs upgrade" failure reported when a
// store's schema version does not match the supported one. Callers may retry
// the open with an explicit upgrade flag.
type VersionError struct {
	URL      string
	Found    int
	Expected int
}

func (e VersionError) Error() string {
	return fmt.Sprintf("store %s has schema version %d, expected %d (upgrade required)", e.URL, e.Found, e.Expected)
}

// IOKind classifies an I/O failure during import or export.
type IOKind string

// Supported I/O failure kinds.
const (
	IOKindPermission  IOKind = "permission_denied"
	IOKindFailure     IOKind = "io_error"
	IOKindUnsupported IOKind = "unsupported_format"
)

// IOError reports a file or artifact access failure together with the
// offending path. It is surfaced to the caller and never retried.
type IOError struct {
	Kind IOKind
	Path string
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }
