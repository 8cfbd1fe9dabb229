package protocol

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/mcp-channel-go/internal/envelope"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
)

const (
	// PingMethod is answered with an empty result unless a handler overrides it.
	PingMethod = "ping"

	// maxLoggedLine bounds how much of an undecodable line is logged.
	maxLoggedLine = 512

	// maxExpired bounds how many abandoned tokens are remembered for
	// recognizing late results.
	maxExpired = 256
)

// Transport defines the minimal interface needed for protocol operations.
//
// This interface is satisfied by subprocess.Worker but allows for testing
// with mock transports.
type Transport interface {
	ReadLines(ctx context.Context) (<-chan []byte, <-chan error)
	SendMessage(ctx context.Context, data []byte) error
}

// Controller correlates calls with results over a line-oriented transport.
//
// The Controller handles:
//   - Sending calls with unique tokens
//   - Routing results to the waiting caller
//   - Per-call timeout enforcement
//   - Handler registration for calls and notifications from the worker
//
// Run must be started before Call returns anything other than a timeout.
type Controller struct {
	log       *slog.Logger
	transport Transport

	// Pending calls keyed by token. closed is guarded by pendingMu so that no
	// call can register after Close has failed the map.
	pendingMu sync.Mutex
	pending   map[string]*pendingCall
	closed    bool

	// Tokens of calls abandoned by timeout or cancellation, oldest first
	expired      map[string]struct{}
	expiredOrder []string

	// Handler registry for incoming calls and notifications
	handlersMu           sync.RWMutex
	handlers             map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	defaultNotification  NotificationHandler

	// Fatal error handling - stores error and broadcasts via done channel
	errMu    sync.RWMutex
	fatalErr error

	closeOnce sync.Once
	done      chan struct{}

	// Handler goroutines for worker-initiated calls
	wg sync.WaitGroup

	newToken func() string
}

// NewController creates a new protocol controller.
//
// A handler for PingMethod is registered so the worker can probe liveness.
func NewController(log *slog.Logger, transport Transport) *Controller {
	c := &Controller{
		log:                  log.With("component", "protocol"),
		transport:            transport,
		pending:              make(map[string]*pendingCall, 10),
		expired:              make(map[string]struct{}, maxExpired),
		handlers:             make(map[string]RequestHandler, 4),
		notificationHandlers: make(map[string]NotificationHandler, 4),
		done:                 make(chan struct{}),
		newToken:             func() string { return ulid.Make().String() },
	}

	c.RegisterHandler(PingMethod, func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	return c
}

// Done returns a channel that is closed when the controller stops.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// FatalError returns the error the controller was closed with, if any.
func (c *Controller) FatalError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.fatalErr
}

// Pending returns the number of calls awaiting a result.
func (c *Controller) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending)
}

// Close stops the controller and fails every pending call with err.
//
// A nil err is replaced by a ChannelClosedError. It's safe to call Close
// multiple times; only the first error is kept.
func (c *Controller) Close(err error) {
	if err == nil {
		err = &errors.ChannelClosedError{Reason: "controller closed"}
	}

	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.fatalErr = err
		c.errMu.Unlock()

		c.pendingMu.Lock()
		c.closed = true
		failed := c.pending
		c.pending = make(map[string]*pendingCall)
		c.pendingMu.Unlock()

		for token, call := range failed {
			c.log.Debug("Failing pending call", "id", token, "method", call.method)

			call.outcome <- outcome{err: err}
		}

		close(c.done)

		c.log.Debug("Protocol controller closed", "failed_calls", len(failed), "reason", err)
	})
}

// RegisterHandler registers a handler for calls initiated by the worker.
//
// Registering a handler for the same method twice overrides the previous one.
func (c *Controller) RegisterHandler(method string, handler RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.handlers[method] = handler
}

// RegisterNotificationHandler registers a handler for one notification method.
func (c *Controller) RegisterNotificationHandler(method string, handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.notificationHandlers[method] = handler
}

// SetDefaultNotificationHandler sets the handler for notifications without a
// dedicated handler. Without one such notifications are logged and dropped.
func (c *Controller) SetDefaultNotificationHandler(handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.defaultNotification = handler
}

// Call sends a call and waits for its result.
//
// A positive timeout bounds the wait and yields a TimeoutError; a zero
// timeout waits until ctx is done. A failed result is returned as a
// RemoteError. If the controller closes first, the close error is returned.
func (c *Controller) Call(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	call := &pendingCall{
		method:  method,
		outcome: make(chan outcome, 1),
	}

	token, err := c.register(call)
	if err != nil {
		return nil, err
	}

	data, err := envelope.EncodeCall(token, method, params)
	if err != nil {
		c.unregister(token)

		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	// The deadline covers the write as well as the wait.
	waitCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c.log.Debug("Sending call", "id", token, "method", method)

	if err := c.transport.SendMessage(waitCtx, data); err != nil {
		if !c.unregister(token) {
			// Someone else resolved the call while the write failed
			return c.resolve(<-call.outcome)
		}

		if ctx.Err() == nil && waitCtx.Err() != nil {
			c.log.Warn("Call timed out while sending", "id", token, "method", method, "timeout", timeout)

			return nil, &errors.TimeoutError{Method: method, Token: token, Timeout: timeout}
		}

		c.log.Debug("Failed to send call", "id", token, "method", method, "error", err)

		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case out := <-call.outcome:
		return c.resolve(out)

	case <-waitCtx.Done():
		if !c.unregister(token) {
			return c.resolve(<-call.outcome)
		}

		c.expire(token)

		if ctx.Err() != nil {
			c.log.Debug("Call cancelled", "id", token, "method", method)

			return nil, ctx.Err()
		}

		c.log.Warn("Call timed out", "id", token, "method", method, "timeout", timeout)

		return nil, &errors.TimeoutError{Method: method, Token: token, Timeout: timeout}
	}
}

// Notify sends a one-way message to the worker.
func (c *Controller) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-c.done:
		return c.FatalError()
	default:
	}

	data, err := envelope.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	if err := c.transport.SendMessage(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	return nil
}

// expire remembers token as abandoned so its late result is not reported
// as unknown. Only the most recent maxExpired tokens are kept.
func (c *Controller) expire(token string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if len(c.expiredOrder) >= maxExpired {
		delete(c.expired, c.expiredOrder[0])
		c.expiredOrder = c.expiredOrder[1:]
	}

	c.expired[token] = struct{}{}
	c.expiredOrder = append(c.expiredOrder, token)
}

// forgetExpired reports whether token belonged to an abandoned call.
func (c *Controller) forgetExpired(token string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if _, ok := c.expired[token]; !ok {
		return false
	}

	delete(c.expired, token)

	return true
}

// register adds call to the pending map under a fresh token.
func (c *Controller) register(call *pendingCall) (string, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.closed {
		return "", c.FatalError()
	}

	token := c.newToken()
	for {
		if _, taken := c.pending[token]; !taken {
			break
		}

		c.log.Debug("Token collision, regenerating", "id", token)
		token = c.newToken()
	}

	c.pending[token] = call

	return token, nil
}

// unregister removes token and reports whether this caller claimed it.
func (c *Controller) unregister(token string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if _, ok := c.pending[token]; !ok {
		return false
	}

	delete(c.pending, token)

	return true
}

// claim removes and returns the pending call for token.
func (c *Controller) claim(token string) (*pendingCall, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	call, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}

	return call, ok
}

func (c *Controller) resolve(out outcome) (json.RawMessage, error) {
	if out.err != nil {
		return nil, out.err
	}

	return out.result, nil
}

// Run reads lines from the transport and routes them until the transport's
// output closes, ctx is cancelled, or the controller is closed.
//
// When the output closes on its own, every pending call fails with a
// ChannelClosedError carrying the transport's error, and that error is
// returned. Run waits for in-flight handlers before returning.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Debug("Protocol read loop started")
	defer c.log.Debug("Protocol read loop stopped")

	handlerCtx, cancelHandlers := context.WithCancel(ctx)

	defer func() {
		cancelHandlers()
		c.wg.Wait()
	}()

	lines, errs := c.transport.ReadLines(ctx)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				err := &errors.ChannelClosedError{
					Reason: "worker output closed",
					Cause:  drainError(errs),
				}

				c.log.Debug("Worker output closed", "cause", err.Cause)
				c.Close(err)

				return err
			}

			c.handleLine(handlerCtx, line)

		case <-c.done:
			return nil

		case <-ctx.Done():
			c.Close(&errors.ChannelClosedError{Reason: "read loop cancelled", Cause: ctx.Err()})

			return nil
		}
	}
}

// drainError returns the first error already queued on errs, if any.
func drainError(errs <-chan error) error {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return nil
			}

			if err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleLine decodes one line and routes it by kind.
func (c *Controller) handleLine(ctx context.Context, line []byte) {
	env, err := envelope.Decode(line)
	if err != nil {
		if stderrors.Is(err, envelope.ErrEmptyLine) {
			return
		}

		protoErr := &errors.ProtocolError{RawData: truncate(line), Err: err}
		c.log.Warn("Ignoring malformed line from worker", "error", protoErr, "raw", protoErr.RawData)

		return
	}

	switch env.Kind {
	case envelope.KindResult:
		c.handleResult(env.Result)

	case envelope.KindCall:
		c.handleCall(ctx, env.Call)

	case envelope.KindNotification:
		c.handleNotification(env.Notification)
	}
}

// handleResult delivers a result to its waiting caller.
func (c *Controller) handleResult(result *envelope.Result) {
	call, ok := c.claim(result.Token)
	if !ok {
		if c.forgetExpired(result.Token) {
			c.log.Debug("Discarding late result for abandoned call", "id", result.Token)
		} else {
			c.log.Warn("Discarding result with unknown id", "id", result.Token)
		}

		return
	}

	c.log.Debug("Received result", "id", result.Token, "method", call.method, "error", result.IsError())

	if result.IsError() {
		call.outcome <- outcome{err: &errors.RemoteError{
			Code:    result.Error.Code,
			Message: result.Error.Message,
			Data:    result.Error.Data,
		}}

		return
	}

	call.outcome <- outcome{result: result.Result}
}

// handleCall answers a call initiated by the worker in its own goroutine.
func (c *Controller) handleCall(ctx context.Context, call *envelope.Call) {
	c.handlersMu.RLock()
	handler, exists := c.handlers[call.Method]
	c.handlersMu.RUnlock()

	if !exists {
		c.log.Warn("No handler registered for worker call", "method", call.Method)
		c.sendError(ctx, call.Token, envelope.CodeMethodNotFound, "method not found: "+call.Method)

		return
	}

	c.log.Debug("Received call from worker", "id", call.Token, "method", call.Method)

	c.wg.Go(func() {
		result, err := handler(ctx, call.Params)
		if err != nil {
			code := envelope.CodeInternalError
			if remote, ok := stderrors.AsType[*errors.RemoteError](err); ok {
				code = remote.Code
			}

			c.log.Warn("Handler returned error", "id", call.Token, "method", call.Method, "error", err)
			c.sendError(ctx, call.Token, code, err.Error())

			return
		}

		data, err := envelope.EncodeResult(call.Token, result)
		if err != nil {
			c.log.Error("Failed to encode handler result", "method", call.Method, "error", err)
			c.sendError(ctx, call.Token, envelope.CodeInternalError, err.Error())

			return
		}

		if err := c.transport.SendMessage(ctx, data); err != nil {
			c.log.Debug("Could not send handler result", "id", call.Token, "error", err)
		}
	})
}

// handleNotification runs the matching notification handler inline.
func (c *Controller) handleNotification(note *envelope.Notification) {
	c.handlersMu.RLock()
	handler, exists := c.notificationHandlers[note.Method]

	if !exists {
		handler = c.defaultNotification
	}
	c.handlersMu.RUnlock()

	if handler == nil {
		c.log.Debug("Dropping notification without handler", "method", note.Method)

		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Notification handler panicked", "method", note.Method, "panic", r)
		}
	}()

	handler(note.Method, note.Params)
}

// sendError answers a worker call with a failure descriptor.
func (c *Controller) sendError(ctx context.Context, token string, code int, message string) {
	data, err := envelope.EncodeError(token, code, message)
	if err != nil {
		c.log.Error("Failed to encode error response", "error", err)

		return
	}

	if err := c.transport.SendMessage(ctx, data); err != nil {
		// Don't log error if context was cancelled (expected during shutdown)
		if ctx.Err() != nil {
			c.log.Debug("Could not send error response during shutdown", "error", err)

			return
		}

		c.log.Error("Failed to send error response", "error", err)
	}
}

func truncate(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}

	return string(line[:maxLoggedLine]) + "..."
}
