package mcpchannel

import (
	"log/slog"
	"time"

	"github.com/wagiedev/mcp-channel-go/internal/config"
)

// Options configures a channel. Build it with the With* functions.
type Options = config.Options

// NotificationHandler receives notifications sent by the worker.
type NotificationHandler = config.NotificationHandler

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options to a fresh Options struct.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// ===== Basic Configuration =====

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithCommand sets the worker executable. Bare names are resolved through PATH;
// relative paths are resolved against the working directory.
func WithCommand(command string) Option {
	return func(o *Options) {
		o.Command = command
	}
}

// WithArgs sets the arguments passed to the worker.
func WithArgs(args ...string) Option {
	return func(o *Options) {
		o.Args = args
	}
}

// WithCwd sets the working directory for the worker.
func WithCwd(cwd string) Option {
	return func(o *Options) {
		o.Cwd = cwd
	}
}

// WithEnv provides additional environment variables for the worker.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		o.Env = env
	}
}

// WithIsolatedEnv starts the worker without inheriting the host environment.
func WithIsolatedEnv(isolate bool) Option {
	return func(o *Options) {
		o.IsolateEnv = isolate
	}
}

// WithWorkdirEnvVar names a variable that the worker receives set to its
// working directory (for example PYTHONPATH).
func WithWorkdirEnvVar(name string) Option {
	return func(o *Options) {
		o.WorkdirEnvVar = name
	}
}

// WithStderr sets a callback function for handling worker stderr output.
func WithStderr(handler func(string)) Option {
	return func(o *Options) {
		o.Stderr = handler
	}
}

// WithNotificationHandler sets the handler for worker notifications.
func WithNotificationHandler(handler NotificationHandler) Option {
	return func(o *Options) {
		o.NotificationHandler = handler
	}
}

// ===== Concurrency and Timeouts =====

// WithPermits bounds how many calls may be in flight at once (default 2).
func WithPermits(permits int) Option {
	return func(o *Options) {
		o.Permits = permits
	}
}

// WithCallTimeout sets the default deadline for Call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CallTimeout = timeout
	}
}

// WithHandshakeTimeout bounds the initialize call made by Start.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = timeout
	}
}

// WithShutdownTimeout bounds the shutdown call made by Stop.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ShutdownTimeout = timeout
	}
}

// WithGracePeriod sets how long Stop waits after SIGTERM before SIGKILL.
func WithGracePeriod(grace time.Duration) Option {
	return func(o *Options) {
		o.GracePeriod = grace
	}
}

// WithMaxLineSize bounds a single line of worker output.
func WithMaxLineSize(size int) Option {
	return func(o *Options) {
		o.MaxLineSize = size
	}
}

// ===== Handshake =====

// WithProtocolVersion sets the protocol version offered during the handshake.
func WithProtocolVersion(version string) Option {
	return func(o *Options) {
		o.ProtocolVersion = version
	}
}

// WithClientInfo sets the clientInfo sent during the handshake.
func WithClientInfo(name, version string) Option {
	return func(o *Options) {
		o.ClientName = name
		o.ClientVersion = version
	}
}

// WithCapabilities sets the capabilities declared during the handshake.
func WithCapabilities(capabilities map[string]any) Option {
	return func(o *Options) {
		o.Capabilities = capabilities
	}
}

// WithShutdownMethod sets the method Stop calls before terminating the worker.
// An empty method disables the call.
func WithShutdownMethod(method string) Option {
	return func(o *Options) {
		o.ShutdownMethod = method
		o.SkipShutdownCall = method == ""
	}
}
