package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/mcp-channel-go/internal/config"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
	"github.com/wagiedev/mcp-channel-go/internal/gate"
	"github.com/wagiedev/mcp-channel-go/internal/protocol"
	"github.com/wagiedev/mcp-channel-go/internal/subprocess"
)

// Handshake method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// Channel is a lifecycle-managed call channel to one worker process.
type Channel struct {
	log     *slog.Logger
	options *config.Options
	gate    *gate.Gate

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex

	mu         sync.RWMutex
	state      State
	worker     *subprocess.Worker
	controller *protocol.Controller
	serverInfo json.RawMessage
	cancel     context.CancelFunc
	eg         *errgroup.Group
}

// New creates a stopped channel. Nothing is spawned until Start.
func New(options *config.Options) *Channel {
	if options == nil {
		options = &config.Options{}
	}

	// Extract logger from options, defaulting to a no-op logger
	log := options.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Channel{
		log:     log.With("component", "channel"),
		options: options,
		gate:    gate.New(options.Permits),
		state:   StateStopped,
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// ServerInfo returns the raw initialize result, or nil unless Ready.
func (c *Channel) ServerInfo() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInfo
}

// Pid returns the worker process id, or 0 when no worker is running.
func (c *Channel) Pid() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.worker == nil {
		return 0
	}

	return c.worker.Pid()
}

// InFlight returns the number of calls currently holding a gate permit.
func (c *Channel) InFlight() int {
	return c.gate.InFlight()
}

// Pending returns the number of calls awaiting a result from the worker.
func (c *Channel) Pending() int {
	c.mu.RLock()
	controller := c.controller
	c.mu.RUnlock()

	if controller == nil {
		return 0
	}

	return controller.Pending()
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug("State change", "from", c.state, "to", state)
	c.state = state
}

// Start spawns the worker and performs the handshake.
//
// The worker outlives ctx; ctx only bounds spawning and the handshake.
// Returns SpawnError if the worker cannot be started and HandshakeError if the
// initialize exchange fails; in both cases the channel is left Stopped.
func (c *Channel) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()

	if c.state != StateStopped {
		state := c.state
		c.mu.Unlock()

		return fmt.Errorf("%w: state is %s", errors.ErrAlreadyStarted, state)
	}

	c.log.Debug("State change", "from", c.state, "to", StateStarting)
	c.state = StateStarting
	c.mu.Unlock()

	worker := subprocess.NewWorker(c.log, c.options)
	if err := worker.Start(ctx); err != nil {
		c.setState(StateStopped)

		return err
	}

	controller := protocol.NewController(c.log, worker)
	if handler := c.options.NotificationHandler; handler != nil {
		controller.SetDefaultNotificationHandler(protocol.NotificationHandler(handler))
	}

	// The background loops use their own context: the caller's ctx may carry
	// a deadline meant only for Start.
	runCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		return controller.Run(egCtx)
	})
	eg.Go(func() error {
		<-controller.Done()
		c.workerGone(controller)

		return nil
	})

	c.mu.Lock()
	c.worker = worker
	c.controller = controller
	c.cancel = cancel
	c.eg = eg
	c.log.Debug("State change", "from", c.state, "to", StateHandshaking)
	c.state = StateHandshaking
	c.mu.Unlock()

	c.log.Info("Worker started, handshaking", "pid", worker.Pid())

	serverInfo, err := c.handshake(ctx, controller)
	if err != nil {
		c.log.Error("Handshake failed", "error", err)
		_ = c.teardown(&errors.ChannelClosedError{Reason: "handshake failed", Cause: err})

		return &errors.HandshakeError{Err: err}
	}

	c.mu.Lock()

	// The worker may have died between the handshake and now
	select {
	case <-controller.Done():
		c.mu.Unlock()

		err := controller.FatalError()
		_ = c.teardown(err)

		return &errors.HandshakeError{Err: err}
	default:
	}

	c.serverInfo = serverInfo
	c.log.Debug("State change", "from", c.state, "to", StateReady)
	c.state = StateReady
	c.mu.Unlock()

	c.log.Info("Channel ready", "pid", worker.Pid())

	return nil
}

// handshake sends initialize and the initialized notification.
func (c *Channel) handshake(ctx context.Context, controller *protocol.Controller) (json.RawMessage, error) {
	result, err := controller.Call(
		ctx,
		MethodInitialize,
		c.options.InitializeParams(),
		c.options.ResolveHandshakeTimeout(),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodInitialize, err)
	}

	if err := controller.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", MethodInitialized, err)
	}

	return result, nil
}

// workerGone runs when a controller stops. If it stopped while the channel
// was Ready the worker died on its own, so the channel degrades to Stopped.
func (c *Channel) workerGone(controller *protocol.Controller) {
	c.mu.Lock()

	if c.controller != controller || c.state != StateReady {
		c.mu.Unlock()

		return
	}

	worker, cancel := c.worker, c.cancel

	c.log.Error("Worker exited unexpectedly", "error", controller.FatalError())
	c.log.Debug("State change", "from", c.state, "to", StateStopped)
	c.state = StateStopped
	c.clearLocked()
	c.mu.Unlock()

	// Reap the process; the loops finish on their own once output closes
	_ = worker.Terminate(c.options.ResolveGracePeriod())

	cancel()
}

// teardown closes the controller, terminates the worker and waits for the
// background loops, leaving the channel Stopped.
func (c *Channel) teardown(reason error) error {
	c.mu.RLock()
	worker, controller, cancel, eg := c.worker, c.controller, c.cancel, c.eg
	c.mu.RUnlock()

	controller.Close(reason)

	termErr := worker.Terminate(c.options.ResolveGracePeriod())
	if termErr != nil {
		c.log.Warn("Failed to terminate worker", "error", termErr)
	}

	cancel()

	if err := eg.Wait(); err != nil {
		c.log.Debug("Background loop ended with error", "error", err)
	}

	c.mu.Lock()
	c.log.Debug("State change", "from", c.state, "to", StateStopped)
	c.state = StateStopped
	c.clearLocked()
	c.mu.Unlock()

	return termErr
}

func (c *Channel) clearLocked() {
	c.worker = nil
	c.controller = nil
	c.serverInfo = nil
	c.cancel = nil
	c.eg = nil
}

// Stop shuts the channel down.
//
// A best-effort shutdown call is made first (its failure is ignored), then
// every outstanding call fails with ChannelClosedError and the worker is
// terminated. Stop on a stopped channel is a no-op.
func (c *Channel) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()

	if c.state == StateStopped {
		c.mu.Unlock()

		return nil
	}

	controller := c.controller
	c.log.Debug("State change", "from", c.state, "to", StateShuttingDown)
	c.state = StateShuttingDown
	c.mu.Unlock()

	c.log.Info("Stopping channel")

	if method := c.options.ResolveShutdownMethod(); method != "" {
		if _, err := controller.Call(ctx, method, nil, c.options.ResolveShutdownTimeout()); err != nil {
			c.log.Debug("Shutdown call failed", "method", method, "error", err)
		}
	}

	err := c.teardown(&errors.ChannelClosedError{Reason: "channel stopped"})

	c.log.Info("Channel stopped")

	return err
}

// Call invokes method with the default call timeout.
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, method, params, c.options.ResolveCallTimeout())
}

// CallWithTimeout invokes method and waits up to timeout for its result.
//
// Returns ErrNotRunning unless the channel is Ready, TimeoutError when the
// deadline passes, RemoteError when the worker reports a failure and
// ChannelClosedError when the channel stops first.
func (c *Channel) CallWithTimeout(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	c.mu.RLock()
	state, controller := c.state, c.controller
	c.mu.RUnlock()

	if state != StateReady {
		return nil, fmt.Errorf("%w: state is %s", errors.ErrNotRunning, state)
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	return controller.Call(ctx, method, params, timeout)
}

// Notify sends a one-way message to the worker.
func (c *Channel) Notify(ctx context.Context, method string, params any) error {
	c.mu.RLock()
	state, controller := c.state, c.controller
	c.mu.RUnlock()

	if state != StateReady {
		return fmt.Errorf("%w: state is %s", errors.ErrNotRunning, state)
	}

	return controller.Notify(ctx, method, params)
}

// Ping checks that the worker answers calls.
func (c *Channel) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.PingMethod, nil)

	return err
}

// ListTools returns every tool the worker exposes, following pagination.
func (c *Channel) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)

	for {
		raw, err := c.Call(ctx, MethodToolsList, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}

		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", MethodToolsList, err)
		}

		tools = append(tools, page.Tools...)

		if page.NextCursor == "" {
			return tools, nil
		}

		cursor = page.NextCursor
	}
}

// CallTool invokes a tool on the worker.
//
// A tool that fails reports IsError in the result; the error return is
// reserved for channel failures.
func (c *Channel) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	raw, err := c.Call(ctx, MethodToolsCall, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodToolsCall, err)
	}

	return &result, nil
}
