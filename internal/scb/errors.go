package scb

import "errors"

var (
	// ErrWouldBlock is returned when a non-blocking attempt to take the
	// control block lock fails.
	ErrWouldBlock = errors.New("control block busy")

	// ErrTimeout is returned when a bounded wait expires before the
	// peer makes progress.
	ErrTimeout = errors.New("control block wait timed out")

	// ErrCursorRange is returned when a cursor step would violate the
	// ring invariants, indicating a misbehaving peer.
	ErrCursorRange = errors.New("cursor step out of range")

	// ErrNoMemory is returned when a client arena cannot satisfy an
	// allocation request.
	ErrNoMemory = errors.New("arena exhausted")
)
