package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the tunnel never completed (or lost) its handshake.
	ErrTimeout = errors.New("tunnel handshake timed out")
	// ErrDeviceClosed means the device went away underneath the tunnel.
	ErrDeviceClosed = errors.New("tunnel device closed")
)

// DeviceError is a failure to create or configure the tunnel device. Such
// failures are often transient races with the OS and are retried a bounded
// number of times.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("tunnel device %s: %v", e.Op, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// SetupError is any other failure while bringing a tunnel up.
type SetupError struct {
	Op          string
	Err         error
	Recoverable bool
}

func (e *SetupError) Error() string { return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// IsRecoverable reports whether another attempt may succeed where this one
// failed.
func IsRecoverable(err error) bool {
	if err == nil || errors.Is(err, ErrTimeout) {
		return true
	}
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return true
	}
	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return setupErr.Recoverable
	}
	return false
}
