package vm

import (
	"fmt"
	"time"
)

// TimeoutError reports that a marker wait or control call exceeded its
// deadline. Tail carries the trailing serial bytes captured at expiry.
type TimeoutError struct {
	Op     string
	Marker string
	Waited time.Duration
	Tail   []byte
}

func (e *TimeoutError) Error() string {
	if e.Marker != "" {
		return fmt.Sprintf("%s: marker %q not seen within %s", e.Op, e.Marker, e.Waited)
	}
	return fmt.Sprintf("%s: no response within %s", e.Op, e.Waited)
}

// ProcessError reports that the VM process failed to launch or exited
// unexpectedly.
type ProcessError struct {
	Op   string
	Err  error
	Tail []byte
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("vm process: %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or out-of-sequence control-socket
// response, including commands the peer rejected before the capability
// handshake completed.
type ProtocolError struct {
	Command string
	Class   string
	Desc    string
}

func (e *ProtocolError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("control protocol: %s rejected: %s: %s", e.Command, e.Class, e.Desc)
	}
	return fmt.Sprintf("control protocol: %s: %s", e.Command, e.Desc)
}

// LifecycleState tracks where a session is in its life.
type LifecycleState int

// Session lifecycle states.
const (
	StateNotStarted LifecycleState = iota
	StateLaunching
	StateWaitingForMarker
	StateReady
	StateExecuting
	StateShuttingDown
	StateStopped
	StateTimedOut
	StateCrashed
)

func (s LifecycleState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateLaunching:
		return "launching"
	case StateWaitingForMarker:
		return "waiting-for-marker"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	case StateTimedOut:
		return "timed-out"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
