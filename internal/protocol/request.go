package protocol

import (
	"context"
	"encoding/json"
)

// RequestHandler answers a call initiated by the worker.
//
// The returned value is marshaled into the result. Returning a
// *errors.RemoteError preserves its code; any other error is reported to the
// worker as an internal error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives a one-way message from the worker.
//
// Handlers run on the read loop, in arrival order. A slow handler delays
// delivery of every message behind it.
type NotificationHandler func(method string, params json.RawMessage)

// pendingCall tracks an outgoing call awaiting its result.
type pendingCall struct {
	method  string
	outcome chan outcome
}

// outcome is the single resolution of a pending call.
type outcome struct {
	result json.RawMessage
	err    error
}
