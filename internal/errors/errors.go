package errors

import (
	"errors"
	"fmt"
	"time"
)

// ChannelError is the base interface for all channel errors.
type ChannelError interface {
	error
	IsChannelError() bool
}

// Compile-time verification that all error types implement ChannelError.
var (
	_ ChannelError = (*SpawnError)(nil)
	_ ChannelError = (*HandshakeError)(nil)
	_ ChannelError = (*TimeoutError)(nil)
	_ ChannelError = (*RemoteError)(nil)
	_ ChannelError = (*ProtocolError)(nil)
	_ ChannelError = (*ChannelClosedError)(nil)
	_ ChannelError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotRunning indicates a call was attempted while the channel is not ready.
	ErrNotRunning = errors.New("channel not running")

	// ErrAlreadyStarted indicates Start was called on a channel that is not stopped.
	ErrAlreadyStarted = errors.New("channel already started")

	// ErrRequestTimeout indicates a call exceeded its deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrChannelClosed indicates the channel was closed while a call was outstanding.
	ErrChannelClosed = errors.New("channel closed")

	// ErrStdinClosed indicates the worker's stdin is no longer writable.
	ErrStdinClosed = errors.New("stdin closed")

	// ErrWorkerNotStarted indicates the worker process has not been started.
	ErrWorkerNotStarted = errors.New("worker not started")
)

// SpawnError indicates the worker process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start worker %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsChannelError implements ChannelError.
func (e *SpawnError) IsChannelError() bool { return true }

// HandshakeError indicates the initial handshake with the worker failed.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsChannelError implements ChannelError.
func (e *HandshakeError) IsChannelError() bool { return true }

// TimeoutError indicates a single call exceeded its deadline.
// It matches ErrRequestTimeout with errors.Is.
type TimeoutError struct {
	Method  string
	Token   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s (id %s) after %s", ErrRequestTimeout, e.Method, e.Token, e.Timeout)
}

// Is reports whether target is ErrRequestTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}

// IsChannelError implements ChannelError.
func (e *TimeoutError) IsChannelError() bool { return true }

// RemoteError carries a failure descriptor reported by the worker.
type RemoteError struct {
	Code    int
	Message string
	Data    []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// IsChannelError implements ChannelError.
func (e *RemoteError) IsChannelError() bool { return true }

// ProtocolError indicates a line from the worker could not be decoded.
// It preserves the raw line. Protocol errors are logged, never returned to callers.
type ProtocolError struct {
	RawData string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("invalid message from worker: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsChannelError implements ChannelError.
func (e *ProtocolError) IsChannelError() bool { return true }

// ChannelClosedError is delivered to every outstanding call when the channel
// shuts down or the worker's output stream closes. Cause is optional.
type ChannelClosedError struct {
	Reason string
	Cause  error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrChannelClosed, e.Reason, e.Cause)
	}

	return fmt.Sprintf("%s: %s", ErrChannelClosed, e.Reason)
}

// Is reports whether target is ErrChannelClosed.
func (e *ChannelClosedError) Is(target error) bool {
	return target == ErrChannelClosed
}

func (e *ChannelClosedError) Unwrap() error {
	return e.Cause
}

// IsChannelError implements ChannelError.
func (e *ChannelClosedError) IsChannelError() bool { return true }

// ProcessError indicates the worker process exited on its own.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("worker process exited (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsChannelError implements ChannelError.
func (e *ProcessError) IsChannelError() bool { return true }
