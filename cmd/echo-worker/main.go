// Command echo-worker is a reference worker for mcpchan.
//
// It answers the echo method with its params and exposes two tools: echo,
// which returns its text argument, and sleep, which waits for the given
// number of milliseconds. Logs go to stderr; stdout carries protocol lines only.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpchannel "github.com/wagiedev/mcp-channel-go"
)

const version = "0.1.0"

func main() {
	level := slog.LevelInfo
	if os.Getenv("ECHO_WORKER_DEBUG") != "" {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := newServer(log)

	if err := mcpchannel.ServeStdio(ctx, server); err != nil && ctx.Err() == nil {
		log.Error("serve failed", "error", err)
		os.Exit(1)
	}
}

func newServer(log *slog.Logger) *mcpchannel.Server {
	server := mcpchannel.NewServer(log, "echo-worker", version)

	server.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	server.AddTool(
		mcpchannel.NewTool("echo", "Returns the given text", mcpchannel.SimpleSchema(map[string]string{"text": "string"})),
		func(_ context.Context, req *mcpchannel.CallToolRequest) (*mcpchannel.CallToolResult, error) {
			args, err := mcpchannel.ParseArguments(req)
			if err != nil {
				return nil, err
			}

			text, ok := args["text"].(string)
			if !ok {
				return mcpchannel.ErrorResult("text must be a string"), nil
			}

			return mcpchannel.TextResult(text), nil
		},
	)

	server.AddTool(
		mcpchannel.NewTool("sleep", "Waits for ms milliseconds", mcpchannel.SimpleSchema(map[string]string{"ms": "int"})),
		func(ctx context.Context, req *mcpchannel.CallToolRequest) (*mcpchannel.CallToolResult, error) {
			args, err := mcpchannel.ParseArguments(req)
			if err != nil {
				return nil, err
			}

			ms, ok := args["ms"].(float64)
			if !ok || ms < 0 {
				return mcpchannel.ErrorResult("ms must be a non-negative number"), nil
			}

			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			return mcpchannel.TextResult(fmt.Sprintf("slept %dms", int(ms))), nil
		},
	)

	return server
}
