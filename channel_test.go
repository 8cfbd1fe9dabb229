package mcpchannel_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mcpchannel "github.com/wagiedev/mcp-channel-go"
)

const helperEnv = "MCP_CHANNEL_ROOT_HELPER"

// TestHelperProcess is not a real test. It runs as the worker process for
// the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	server := mcpchannel.NewServer(log, "root-helper", "0.0.1")

	server.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	server.Handle("add", func(_ context.Context, params json.RawMessage) (any, error) {
		var req struct {
			A, B float64
		}

		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &mcpchannel.RemoteError{Code: -32602, Message: err.Error()}
		}

		return map[string]float64{"sum": req.A + req.B}, nil
	})
	server.AddTool(
		mcpchannel.NewTool("greet", "greets someone", mcpchannel.SimpleSchema(map[string]string{"name": "string"})),
		func(_ context.Context, req *mcpchannel.CallToolRequest) (*mcpchannel.CallToolResult, error) {
			args, err := mcpchannel.ParseArguments(req)
			if err != nil {
				return nil, err
			}

			return mcpchannel.TextResult(fmt.Sprintf("hello, %v", args["name"])), nil
		},
	)

	if err := mcpchannel.ServeStdio(context.Background(), server); err != nil {
		os.Exit(1)
	}

	os.Exit(0)
}

func helperOpts(extra ...mcpchannel.Option) []mcpchannel.Option {
	return append([]mcpchannel.Option{
		mcpchannel.WithCommand(os.Args[0]),
		mcpchannel.WithArgs("-test.run=^TestHelperProcess$"),
		mcpchannel.WithEnv(map[string]string{helperEnv: "1"}),
		mcpchannel.WithHandshakeTimeout(10 * time.Second),
	}, extra...)
}

func skipOnWindows(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix process semantics")
	}
}

func TestChannel_PublicAPI(t *testing.T) {
	skipOnWindows(t)

	var stderrLines []string

	ctx := context.Background()
	ch := mcpchannel.NewChannel(helperOpts(
		mcpchannel.WithStderr(func(line string) { stderrLines = append(stderrLines, line) }),
	)...)

	require.Equal(t, mcpchannel.StateStopped, ch.State())

	_, err := ch.Call(ctx, "echo", nil)
	require.ErrorIs(t, err, mcpchannel.ErrNotRunning)

	require.NoError(t, ch.Start(ctx))
	require.Equal(t, mcpchannel.StateReady, ch.State())

	result, err := ch.Call(ctx, "add", map[string]float64{"a": 2, "b": 40})
	require.NoError(t, err)
	require.JSONEq(t, `{"sum":42}`, string(result))

	_, err = ch.Call(ctx, "add", "not an object")

	remote, ok := errors.AsType[*mcpchannel.RemoteError](err)
	require.True(t, ok, "expected RemoteError, got %v", err)
	require.Equal(t, -32602, remote.Code)

	tools, err := ch.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "greet", tools[0].Name)

	toolResult, err := ch.CallTool(ctx, "greet", map[string]string{"name": "gopher"})
	require.NoError(t, err)
	require.Equal(t, "hello, gopher", mcpchannel.ResultText(toolResult))

	require.NoError(t, ch.Stop(ctx))
	require.Equal(t, mcpchannel.StateStopped, ch.State())

	// The helper logs at debug level, so stderr was forwarded
	require.NotEmpty(t, stderrLines)
}

func TestWithChannel(t *testing.T) {
	skipOnWindows(t)

	var pid int

	err := mcpchannel.WithChannel(context.Background(), func(ch mcpchannel.Channel) error {
		pid = ch.Pid()

		_, err := ch.Call(context.Background(), "echo", map[string]int{"x": 1})

		return err
	}, helperOpts()...)

	require.NoError(t, err)
	require.NotZero(t, pid)
}

func TestWithChannel_CallbackError(t *testing.T) {
	skipOnWindows(t)

	sentinel := errors.New("callback failed")

	err := mcpchannel.WithChannel(context.Background(), func(mcpchannel.Channel) error {
		return sentinel
	}, helperOpts()...)

	require.ErrorIs(t, err, sentinel)
}

func TestWithChannel_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err := mcpchannel.WithChannel(ctx, func(mcpchannel.Channel) error {
		t.Error("callback should not be called with cancelled context")

		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
}

func TestWithChannel_SpawnError(t *testing.T) {
	err := mcpchannel.WithChannel(context.Background(), func(mcpchannel.Channel) error {
		t.Error("callback should not be called when the worker cannot start")

		return nil
	}, mcpchannel.WithCommand("/nonexistent/worker"))

	_, ok := errors.AsType[*mcpchannel.SpawnError](err)
	require.True(t, ok, "expected SpawnError, got %v", err)
}
