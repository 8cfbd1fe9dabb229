package worker

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/mcp-channel-go/internal/config"
	"github.com/wagiedev/mcp-channel-go/internal/envelope"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
	toolreg "github.com/wagiedev/mcp-channel-go/internal/mcp"
)

// Built-in method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodShutdown    = "shutdown"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

var errNotServing = stderrors.New("server is not serving")

// HandlerFunc answers one call. The returned value is marshaled as the
// result; returning a *errors.RemoteError sets the error code sent back.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationFunc receives one notification.
type NotificationFunc func(ctx context.Context, params json.RawMessage)

// Server dispatches calls read from a stream to registered handlers.
type Server struct {
	log     *slog.Logger
	name    string
	version string
	tools   *toolreg.ToolRegistry

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc

	initialized atomic.Bool

	outMu sync.RWMutex
	out   *lineWriter
}

// NewServer creates a server with the built-in methods registered.
func NewServer(log *slog.Logger, name, version string) *Server {
	s := &Server{
		log:           log.With("component", "worker_server"),
		name:          name,
		version:       version,
		tools:         toolreg.NewToolRegistry(),
		handlers:      make(map[string]HandlerFunc, 8),
		notifications: make(map[string]NotificationFunc, 2),
	}

	s.Handle(MethodInitialize, s.handleInitialize)
	s.Handle(MethodPing, func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	s.Handle(MethodToolsList, s.handleToolsList)
	s.Handle(MethodToolsCall, s.handleToolsCall)
	s.HandleNotification(MethodInitialized, func(context.Context, json.RawMessage) {
		s.initialized.Store(true)
	})

	return s
}

// Handle registers a handler for method, replacing any existing one.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = handler
}

// HandleNotification registers a handler for a notification method.
func (s *Server) HandleNotification(method string, handler NotificationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.notifications[method] = handler
}

// AddTool registers a tool served through tools/list and tools/call.
func (s *Server) AddTool(tool *mcp.Tool, handler mcp.ToolHandler) {
	s.tools.AddTool(tool, handler)
}

// Initialized reports whether the host has sent notifications/initialized.
func (s *Server) Initialized() bool {
	return s.initialized.Load()
}

// Serve reads calls from r and writes results to w until r reaches EOF, a
// shutdown call is answered, or ctx is cancelled. In-flight handlers finish
// before Serve returns; their context is cancelled only when ctx is.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{w: w}

	s.outMu.Lock()
	s.out = out
	s.outMu.Unlock()

	defer func() {
		s.outMu.Lock()
		s.out = nil
		s.outMu.Unlock()
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), config.DefaultMaxLineSize)

		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)

			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}

		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.log.Debug("Serving", "name", s.name, "version", s.version)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}

				s.log.Debug("Input closed")

				return nil
			}

			if s.dispatch(ctx, &wg, out, line) {
				s.log.Debug("Shutdown requested")

				return nil
			}
		}
	}
}

// dispatch routes one line and reports whether it was a shutdown call.
func (s *Server) dispatch(ctx context.Context, wg *sync.WaitGroup, out *lineWriter, line []byte) bool {
	env, err := envelope.Decode(line)
	if err != nil {
		if stderrors.Is(err, envelope.ErrEmptyLine) {
			return false
		}

		code := envelope.CodeInvalidRequest
		if _, ok := stderrors.AsType[*json.SyntaxError](err); ok {
			code = envelope.CodeParseError
		}

		s.log.Warn("Rejecting malformed line", "error", err)
		s.writeError(out, "", code, err.Error())

		return false
	}

	switch env.Kind {
	case envelope.KindNotification:
		s.mu.RLock()
		handler, ok := s.notifications[env.Notification.Method]
		s.mu.RUnlock()

		if ok {
			handler(ctx, env.Notification.Params)
		}

		return false

	case envelope.KindResult:
		s.log.Debug("Ignoring result from host", "id", env.Result.Token)

		return false
	}

	call := env.Call

	if call.Method == MethodShutdown {
		// Answer after in-flight calls so their results reach the host first
		wg.Wait()
		s.writeResult(out, call.Token, struct{}{})

		return true
	}

	s.mu.RLock()
	handler, ok := s.handlers[call.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(out, call.Token, envelope.CodeMethodNotFound, "method not found: "+call.Method)

		return false
	}

	wg.Go(func() {
		result, err := handler(ctx, call.Params)
		if err != nil {
			code := envelope.CodeInternalError
			if remote, ok := stderrors.AsType[*errors.RemoteError](err); ok {
				code = remote.Code
			}

			s.writeError(out, call.Token, code, err.Error())

			return
		}

		s.writeResult(out, call.Token, result)
	})

	return false
}

// Notify sends a notification to the host. It fails unless Serve is running.
func (s *Server) Notify(method string, params any) error {
	s.outMu.RLock()
	out := s.out
	s.outMu.RUnlock()

	if out == nil {
		return errNotServing
	}

	data, err := envelope.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	out.write(s.log, data)

	return nil
}

func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	var req mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &errors.RemoteError{Code: envelope.CodeInvalidParams, Message: "invalid initialize params: " + err.Error()}
		}
	}

	protocolVersion := req.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = config.DefaultProtocolVersion
	}

	clientName := ""
	if req.ClientInfo != nil {
		clientName = req.ClientInfo.Name
	}

	s.log.Info("Initialize", "client", clientName, "protocol_version", protocolVersion)

	return &mcp.InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
		ServerInfo: &mcp.Implementation{
			Name:    s.name,
			Version: s.version,
		},
	}, nil
}

func (s *Server) handleToolsList(context.Context, json.RawMessage) (any, error) {
	return &mcp.ListToolsResult{Tools: s.tools.ListTools()}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var req mcp.CallToolParamsRaw
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &errors.RemoteError{Code: envelope.CodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}

	if req.Name == "" {
		return nil, &errors.RemoteError{Code: envelope.CodeInvalidParams, Message: "tools/call requires a name"}
	}

	return s.tools.CallTool(ctx, req.Name, req.Arguments), nil
}

func (s *Server) writeResult(out *lineWriter, token string, result any) {
	data, err := envelope.EncodeResult(token, result)
	if err != nil {
		s.log.Error("Failed to encode result", "id", token, "error", err)
		s.writeError(out, token, envelope.CodeInternalError, err.Error())

		return
	}

	out.write(s.log, data)
}

func (s *Server) writeError(out *lineWriter, token string, code int, message string) {
	data, err := envelope.EncodeError(token, code, message)
	if err != nil {
		s.log.Error("Failed to encode error", "id", token, "error", err)

		return
	}

	out.write(s.log, data)
}

// lineWriter serializes whole-line writes from concurrent handlers.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(log *slog.Logger, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.w.Write(append(data, '\n')); err != nil {
		log.Debug("Failed to write line", "error", err)
	}
}
