// Package errors defines error types for the worker call channel.
//
// This package provides structured error types that describe the different
// ways a call to a worker process can fail: the worker could not be started,
// the startup handshake failed, the call timed out, the worker reported a
// failure, or the channel was closed underneath the caller. All error types
// support error unwrapping and can be checked using errors.Is, errors.As,
// and errors.AsType.
package errors
