// Package config provides configuration types for the worker call channel.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"time"
)

const (
	// DefaultCallTimeout bounds an ordinary call when none is configured.
	DefaultCallTimeout = 60 * time.Second

	// DefaultHandshakeTimeout bounds the initialize call.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds the best-effort shutdown call during Stop.
	DefaultShutdownTimeout = 2 * time.Second

	// DefaultGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultProtocolVersion is offered during the handshake.
	DefaultProtocolVersion = "2024-11-05"

	// DefaultShutdownMethod is called during Stop unless disabled.
	DefaultShutdownMethod = "shutdown"

	// DefaultClientName identifies the host during the handshake.
	DefaultClientName = "mcp-channel-go"

	// DefaultClientVersion is reported alongside DefaultClientName.
	DefaultClientVersion = "0.1.0"

	// DefaultMaxLineSize is the largest stdout line accepted from the worker.
	DefaultMaxLineSize = 10 * 1024 * 1024 // 10MB

	// CallTimeoutEnv overrides the default call timeout, in seconds.
	CallTimeoutEnv = "MCP_CHANNEL_CALL_TIMEOUT"

	// HandshakeTimeoutEnv overrides the default handshake timeout, in seconds.
	HandshakeTimeoutEnv = "MCP_CHANNEL_HANDSHAKE_TIMEOUT"
)

// NotificationHandler receives notifications sent by the worker.
type NotificationHandler func(method string, params json.RawMessage)

// Options configures a channel and the worker process behind it.
type Options struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// Command is the worker executable. Bare names are resolved through PATH.
	Command string

	// Args are passed to the worker executable.
	Args []string

	// Cwd sets the working directory for the worker process.
	// Empty means the host's current directory.
	Cwd string

	// Env provides additional environment variables for the worker process.
	// The host environment is inherited unless IsolateEnv is set.
	Env map[string]string

	// IsolateEnv starts the worker with only Env (plus WorkdirEnvVar) instead of
	// inheriting the host environment.
	IsolateEnv bool

	// WorkdirEnvVar names an environment variable that is set to the worker's
	// working directory (for example PYTHONPATH for interpreters that resolve
	// imports relative to the project root).
	WorkdirEnvVar string

	// Permits bounds how many calls may be in flight at once. Zero means the default.
	Permits int

	// CallTimeout is the default deadline for Call. Zero falls back to
	// MCP_CHANNEL_CALL_TIMEOUT, then DefaultCallTimeout.
	CallTimeout time.Duration

	// HandshakeTimeout bounds the initialize call. Zero falls back to
	// MCP_CHANNEL_HANDSHAKE_TIMEOUT, then DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ShutdownTimeout bounds the best-effort shutdown call made by Stop.
	ShutdownTimeout time.Duration

	// GracePeriod is how long Stop waits for the worker to exit after SIGTERM.
	GracePeriod time.Duration

	// ShutdownMethod is the method called during Stop. Empty means
	// DefaultShutdownMethod.
	ShutdownMethod string

	// SkipShutdownCall disables the shutdown call during Stop.
	SkipShutdownCall bool

	// ProtocolVersion is offered during the handshake.
	ProtocolVersion string

	// ClientName and ClientVersion are sent as clientInfo during the handshake.
	ClientName    string
	ClientVersion string

	// Capabilities are declared during the handshake. Nil means {"tools":{}}.
	Capabilities map[string]any

	// Stderr is a callback function for handling worker stderr output.
	Stderr func(string)

	// NotificationHandler receives every worker notification that has no
	// method-specific handler. Nil drops them after logging.
	NotificationHandler NotificationHandler

	// MaxLineSize bounds a single stdout line. Zero means DefaultMaxLineSize.
	MaxLineSize int
}

// ResolveCallTimeout returns the call timeout from options, env var, or default.
func (o *Options) ResolveCallTimeout() time.Duration {
	if o != nil && o.CallTimeout > 0 {
		return o.CallTimeout
	}

	return envSeconds(CallTimeoutEnv, DefaultCallTimeout)
}

// ResolveHandshakeTimeout returns the handshake timeout from options, env var, or default.
func (o *Options) ResolveHandshakeTimeout() time.Duration {
	if o != nil && o.HandshakeTimeout > 0 {
		return o.HandshakeTimeout
	}

	return envSeconds(HandshakeTimeoutEnv, DefaultHandshakeTimeout)
}

// ResolveShutdownTimeout returns the shutdown call timeout.
func (o *Options) ResolveShutdownTimeout() time.Duration {
	if o != nil && o.ShutdownTimeout > 0 {
		return o.ShutdownTimeout
	}

	return DefaultShutdownTimeout
}

// ResolveGracePeriod returns the termination grace period.
func (o *Options) ResolveGracePeriod() time.Duration {
	if o != nil && o.GracePeriod > 0 {
		return o.GracePeriod
	}

	return DefaultGracePeriod
}

// ResolveShutdownMethod returns the method called during Stop, or "" when disabled.
func (o *Options) ResolveShutdownMethod() string {
	if o == nil {
		return DefaultShutdownMethod
	}

	if o.SkipShutdownCall {
		return ""
	}

	if o.ShutdownMethod != "" {
		return o.ShutdownMethod
	}

	return DefaultShutdownMethod
}

// ResolveMaxLineSize returns the stdout line bound.
func (o *Options) ResolveMaxLineSize() int {
	if o != nil && o.MaxLineSize > 0 {
		return o.MaxLineSize
	}

	return DefaultMaxLineSize
}

// InitializeParams builds the params of the handshake call.
func (o *Options) InitializeParams() map[string]any {
	version := DefaultProtocolVersion
	name := DefaultClientName
	clientVersion := DefaultClientVersion
	capabilities := map[string]any{"tools": map[string]any{}}

	if o != nil {
		if o.ProtocolVersion != "" {
			version = o.ProtocolVersion
		}

		if o.ClientName != "" {
			name = o.ClientName
		}

		if o.ClientVersion != "" {
			clientVersion = o.ClientVersion
		}

		if o.Capabilities != nil {
			capabilities = o.Capabilities
		}
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities":    capabilities,
		"clientInfo": map[string]any{
			"name":    name,
			"version": clientVersion,
		},
	}
}

// envSeconds reads a positive integer number of seconds from the environment.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	return fallback
}
