package wabridge

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrQueueFull    = errors.New("queue full")
	ErrConnectivity = errors.New("automation service unreachable")
	ErrProtocol     = errors.New("automation service rejected request")
	ErrReconcile    = errors.New("event processing failed")
)

// ConnectivityError means the automation process could not be reached at
// all: connection refused, DNS failure, or a timed-out call. Callers treat
// this as self-resolving and retry later.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("automation service unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// ProtocolError means the automation process answered but refused the
// operation. The message is the process's own error text and is surfaced to
// the operator as-is.
type ProtocolError struct {
	Op      string
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("automation service rejected %s (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("automation service rejected %s: %s", e.Op, e.Message)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// ReconcileError marks a retryable failure while resolving a contact or
// conversation, or while writing the message record. The event it wraps was
// not applied at all.
type ReconcileError struct {
	ChannelID string
	Err       error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile failed for channel %s: %v", e.ChannelID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

func (e *ReconcileError) Is(target error) bool { return target == ErrReconcile }

// IsConnectivity reports whether err is (or wraps) a connectivity failure.
func IsConnectivity(err error) bool { return errors.Is(err, ErrConnectivity) }
