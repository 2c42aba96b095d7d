package mixdeck

import (
	"errors"
	"fmt"
)

var (
	// ErrAdapterCallFailed marks any failed call into the platform audio subsystem
	ErrAdapterCallFailed = errors.New("adapter call failed")

	// ErrDeviceNotFound is returned when an id is absent from the current device registry
	ErrDeviceNotFound = errors.New("no such device")

	// ErrSessionNotFound is returned when a device has no (live) session for a process id
	ErrSessionNotFound = errors.New("no such session")

	// ErrLockContention means the registry lock was held when it shouldn't have been.
	// Only the dispatcher writes the registry, so seeing this is a bug
	ErrLockContention = errors.New("registry lock contention")

	// ErrChannelClosed signals that the other side of an internal channel has terminated
	ErrChannelClosed = errors.New("channel closed")

	// ErrUnknownCommand is returned when decoding a command with an unrecognized kind
	ErrUnknownCommand = errors.New("unknown command")

	errQueueFull = errors.New("queue full")
)

// adapterCallError keeps the platform cause while still matching ErrAdapterCallFailed
type adapterCallError struct {
	op  string
	id  string
	err error
}

func adapterError(op string, id string, err error) error {
	if err == nil {
		return nil
	}

	return &adapterCallError{op: op, id: id, err: err}
}

func (e *adapterCallError) Error() string {
	if e.id == "" {
		return fmt.Sprintf("%s: %s: %v", ErrAdapterCallFailed, e.op, e.err)
	}

	return fmt.Sprintf("%s: %s (%s): %v", ErrAdapterCallFailed, e.op, e.id, e.err)
}

func (e *adapterCallError) Unwrap() []error {
	return []error{ErrAdapterCallFailed, e.err}
}
