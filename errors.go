package hyperspace

import "errors"

var (
	// ErrAlreadyStarted is returned by Start when the session is already
	// running and has neither been stopped nor expired.
	ErrAlreadyStarted = errors.New("hyperspace: session already started")
	// ErrNotStarted is returned when an operation requires a running session.
	ErrNotStarted = errors.New("hyperspace: session not started")
	// ErrSessionExpired is returned when the session lease has fully lapsed.
	ErrSessionExpired = errors.New("hyperspace: session expired")
	// ErrDuplicateHandle is returned by RegisterHandle for an id that is
	// already registered.
	ErrDuplicateHandle = errors.New("hyperspace: handle already registered")
)
