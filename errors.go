package xpsec

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when the session table, DMA memory or descriptor ring
	// has no room left. Nothing is left behind and the call may be retried later.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidArgument is returned for requests that can never succeed as given.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported is returned for algorithm combinations the engine cannot express.
	ErrUnsupported = fmt.Errorf("%w: unsupported", ErrInvalidArgument)

	// ErrDevice is a failure reported by the engine for a single request, such as a MAC
	// mismatch.
	ErrDevice = errors.New("device error")

	// ErrTimeout is delivered to every request that was on the engine when the watchdog
	// fired.
	ErrTimeout = errors.New("engine timed out")

	// ErrSessionInvalid is returned when submitting against an unknown or freed session.
	ErrSessionInvalid = errors.New("invalid session")

	// ErrNotFound is returned when freeing a session that does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrRetry means the wait queue is full. Wait on Device.Unblocked and submit again.
	ErrRetry = errors.New("queue full, retry")

	// ErrClosed is returned once the device is closed, and delivered to requests that were
	// still queued at that point.
	ErrClosed = errors.New("device closed")
)
