// Package status defines the error kinds surfaced across the service
// boundary. Internal packages wrap these with context; the control
// surface maps them onto wire codes.
package status

import "errors"

var (
	// ErrInvalidArgument rejects malformed enums, rates or counts.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotInitialized reports that no hardware device is available.
	ErrNotInitialized = errors.New("not initialized")

	// ErrNoMemory reports shared-arena or mixer-slot exhaustion.
	ErrNoMemory = errors.New("no memory")

	// ErrPermissionDenied rejects callers without the required access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrWouldBlock reports a failed non-blocking lock attempt.
	ErrWouldBlock = errors.New("would block")

	// ErrInvalidOperation rejects a request the current state cannot
	// honour, such as a frame count change while tracks are open.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrBadIndex reports an unknown endpoint or stream handle.
	ErrBadIndex = errors.New("bad index")
)
