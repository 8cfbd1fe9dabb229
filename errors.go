package mcpchannel

import "github.com/wagiedev/mcp-channel-go/internal/errors"

// Re-export error types from internal package

// ChannelError is the base interface for all channel errors.
type ChannelError = errors.ChannelError

// SpawnError indicates the worker process could not be started.
type SpawnError = errors.SpawnError

// HandshakeError indicates the initialize exchange failed.
type HandshakeError = errors.HandshakeError

// TimeoutError indicates a call exceeded its deadline.
type TimeoutError = errors.TimeoutError

// RemoteError carries a failure reported by the worker.
type RemoteError = errors.RemoteError

// ProtocolError indicates an undecodable line from the worker. It is only logged.
type ProtocolError = errors.ProtocolError

// ChannelClosedError is returned to outstanding calls when the channel closes.
type ChannelClosedError = errors.ChannelClosedError

// ProcessError indicates the worker process exited on its own.
type ProcessError = errors.ProcessError

// Re-export sentinel errors from internal package.
var (
	// ErrNotRunning indicates a call was made while the channel was not ready.
	ErrNotRunning = errors.ErrNotRunning

	// ErrAlreadyStarted indicates Start was called on a running channel.
	ErrAlreadyStarted = errors.ErrAlreadyStarted

	// ErrRequestTimeout matches every TimeoutError.
	ErrRequestTimeout = errors.ErrRequestTimeout

	// ErrChannelClosed matches every ChannelClosedError.
	ErrChannelClosed = errors.ErrChannelClosed

	// ErrStdinClosed indicates the worker's stdin can no longer be written.
	ErrStdinClosed = errors.ErrStdinClosed
)
