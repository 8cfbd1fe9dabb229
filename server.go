package mcpchannel

import (
	"context"
	"log/slog"
	"os"

	"github.com/wagiedev/mcp-channel-go/internal/worker"
)

// Server is the worker side of a channel.
type Server = worker.Server

// HandlerFunc answers one call on the worker side. Return a *RemoteError to
// choose the error code sent to the host.
type HandlerFunc = worker.HandlerFunc

// NewServer creates a worker server with initialize, ping, shutdown,
// tools/list and tools/call built in. A nil logger discards output.
//
// Workers must never log to stdout; use a handler writing to os.Stderr.
func NewServer(log *slog.Logger, name, version string) *Server {
	if log == nil {
		log = NopLogger()
	}

	return worker.NewServer(log, name, version)
}

// ServeStdio serves calls from os.Stdin and writes results to os.Stdout.
func ServeStdio(ctx context.Context, server *Server) error {
	return server.Serve(ctx, os.Stdin, os.Stdout)
}
