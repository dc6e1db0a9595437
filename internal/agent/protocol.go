package agent

import (
	"errors"
	"fmt"
)

// State is the runtime's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrUnexpectedTopic  = errors.New("agent: message on unexpected topic")
	ErrMalformedPayload = errors.New("agent: malformed dispatch payload")
	ErrMissingCommand   = errors.New("agent: download url has no command name")
	ErrUnknownKind      = errors.New("agent: unknown message kind")
	ErrNotConnected     = errors.New("agent: not connected")
)

// ErrTerminated is returned by Run after the unsubscribe acknowledgment or
// when the broker rejects every subscription.
var ErrTerminated = errors.New("agent: runtime terminated")

// FailureKind classifies failures that produce an agent-failure report.
type FailureKind string

const (
	ProtocolViolation FailureKind = "protocol_violation"
	ResourceFailure   FailureKind = "resource_failure"
)

// FailureError is a message-handling failure. Reason is the text published in
// the agent-failure report.
type FailureError struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

func protocolViolation(reason string, err error) *FailureError {
	return &FailureError{Kind: ProtocolViolation, Reason: reason, Err: err}
}

func resourceFailure(reason string, err error) *FailureError {
	return &FailureError{Kind: ResourceFailure, Reason: reason, Err: err}
}
