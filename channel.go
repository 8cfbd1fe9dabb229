package mcpchannel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wagiedev/mcp-channel-go/internal/channel"
)

// State is the lifecycle state of a Channel.
type State = channel.State

// Lifecycle states.
const (
	StateStopped      = channel.StateStopped
	StateStarting     = channel.StateStarting
	StateHandshaking  = channel.StateHandshaking
	StateReady        = channel.StateReady
	StateShuttingDown = channel.StateShuttingDown
)

// Channel is a call channel to one worker process.
//
// A Channel is safe for concurrent use. Calls may be issued from many
// goroutines; at most the configured number of permits are in flight at once
// and the rest wait their turn.
//
// Lifecycle: a stopped Channel can be started again, which spawns a fresh
// worker.
//
// Example usage:
//
//	ch := NewChannel(WithCommand("./worker"), WithCallTimeout(10*time.Second))
//	if err := ch.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Stop(ctx)
//
//	result, err := ch.Call(ctx, "echo", map[string]any{"x": 1})
type Channel interface {
	// Start spawns the worker and performs the initialize handshake.
	// Returns SpawnError or HandshakeError on failure, leaving the channel stopped.
	Start(ctx context.Context) error

	// Stop resolves every outstanding call with ChannelClosedError and
	// terminates the worker. Safe to call on a stopped channel.
	Stop(ctx context.Context) error

	// Call invokes method with the default call timeout.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// CallWithTimeout invokes method with an explicit timeout.
	// A zero timeout waits until ctx is done.
	CallWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// Notify sends a one-way message to the worker.
	Notify(ctx context.Context, method string, params any) error

	// Ping checks that the worker answers calls.
	Ping(ctx context.Context) error

	// ListTools returns the worker's tools, following pagination.
	ListTools(ctx context.Context) ([]*Tool, error)

	// CallTool invokes a worker tool. Tool failures are reported in the
	// result's IsError field.
	CallTool(ctx context.Context, name string, arguments any) (*CallToolResult, error)

	// State returns the current lifecycle state.
	State() State

	// ServerInfo returns the worker's initialize result while Ready.
	ServerInfo() json.RawMessage

	// Pid returns the worker process id, or 0 when none is running.
	Pid() int
}

// Compile-time check that *channel.Channel implements the Channel interface.
var _ Channel = (*channel.Channel)(nil)

// NewChannel creates a stopped channel with the given options.
// Call Start to spawn the worker.
func NewChannel(opts ...Option) Channel {
	return channel.New(applyOptions(opts))
}

// NewChannelFromOptions creates a stopped channel from a prepared Options
// value, for callers that assemble configuration themselves.
func NewChannelFromOptions(options *Options) Channel {
	return channel.New(options)
}
