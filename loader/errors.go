package loader

import (
	"github.com/timzifer/sldsync/diagram"
)

// ErrorKind classifies loader failures.
type ErrorKind string

const (
	// KindFetchFailed is an initial load failure. It leaves the loader in the
	// error state until retried.
	KindFetchFailed ErrorKind = "FetchFailed"
	// KindRefreshFailed is a non-fatal refresh failure; the previous snapshot
	// stays in view.
	KindRefreshFailed ErrorKind = "RefreshFailed"
)

// Error is the typed failure surfaced to the UI.
type Error struct {
	Kind ErrorKind
	ID   diagram.Identifier
	Err  error
}

func (e *Error) Error() string {
	cause := "unknown error"
	if e.Err != nil {
		cause = e.Err.Error()
	}
	if e.Kind == KindRefreshFailed {
		return "Refresh error: " + cause
	}
	return "Load error: " + cause
}

func (e *Error) Unwrap() error {
	return e.Err
}
