package channel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/mcp-channel-go/internal/config"
	"github.com/wagiedev/mcp-channel-go/internal/envelope"
	"github.com/wagiedev/mcp-channel-go/internal/errors"
	toolreg "github.com/wagiedev/mcp-channel-go/internal/mcp"
	"github.com/wagiedev/mcp-channel-go/internal/worker"
)

const helperEnv = "MCP_CHANNEL_CHANNEL_HELPER"

// TestHelperProcess is not a real test. It is re-executed as the worker
// process by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	mode := ""

	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if mode == "silent" {
		// Never answer anything
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	server := worker.NewServer(log, "helper", "1.0.0")

	var active, peak atomic.Int64

	server.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	server.Handle("sleep", func(ctx context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Ms int `json:"ms"`
		}

		_ = json.Unmarshal(params, &req)

		n := active.Add(1)
		defer active.Add(-1)

		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}

		select {
		case <-time.After(time.Duration(req.Ms) * time.Millisecond):
		case <-ctx.Done():
		}

		return map[string]int{"slept": req.Ms}, nil
	})
	server.Handle("peak", func(context.Context, json.RawMessage) (any, error) {
		return map[string]int64{"peak": peak.Load()}, nil
	})
	server.Handle("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, &errors.RemoteError{Code: envelope.CodeInvalidParams, Message: "bad input"}
	})
	server.Handle("crash", func(context.Context, json.RawMessage) (any, error) {
		os.Exit(2)

		return nil, nil
	})
	server.Handle("announce", func(context.Context, json.RawMessage) (any, error) {
		return "ok", server.Notify("notifications/message", map[string]string{"text": "hello"})
	})
	server.AddTool(
		toolreg.NewTool("echo", "echoes text", toolreg.SimpleSchema(map[string]string{"text": "string"})),
		func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, err := toolreg.ParseArguments(req)
			if err != nil {
				return nil, err
			}

			text, _ := args["text"].(string)

			return toolreg.TextResult(text), nil
		},
	)

	if mode == "reject-handshake" {
		server.Handle(worker.MethodInitialize, func(context.Context, json.RawMessage) (any, error) {
			return nil, &errors.RemoteError{Code: envelope.CodeInvalidRequest, Message: "unsupported client"}
		})
	}

	if err := server.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}

	os.Exit(0)
}

func helperOptions(mode string) *config.Options {
	return &config.Options{
		Command:          os.Args[0],
		Args:             []string{"-test.run=^TestHelperProcess$", "--", mode},
		Env:              map[string]string{helperEnv: "1"},
		HandshakeTimeout: 10 * time.Second,
		CallTimeout:      10 * time.Second,
		GracePeriod:      2 * time.Second,
	}
}

func startChannel(t *testing.T, options *config.Options) *Channel {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix process semantics")
	}

	ch := New(options)
	require.NoError(t, ch.Start(context.Background()))

	t.Cleanup(func() {
		_ = ch.Stop(context.Background())
	})

	return ch
}

func processGone(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	return proc.Signal(syscall.Signal(0)) != nil
}

func TestChannel_EchoRoundTrip(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	require.Equal(t, StateReady, ch.State())
	require.NotZero(t, ch.Pid())

	var info mcp.InitializeResult
	require.NoError(t, json.Unmarshal(ch.ServerInfo(), &info))
	require.Equal(t, "helper", info.ServerInfo.Name)
	require.Equal(t, config.DefaultProtocolVersion, info.ProtocolVersion)

	result, err := ch.Call(context.Background(), "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(result))

	require.NoError(t, ch.Ping(context.Background()))
	require.Equal(t, 0, ch.Pending())
	require.Equal(t, 0, ch.InFlight())
}

func TestChannel_Tools(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	tools, err := ch.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	result, err := ch.CallTool(context.Background(), "echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "hi", toolreg.ResultText(result))

	result, err = ch.CallTool(context.Background(), "missing", nil)
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestChannel_RemoteError(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	_, err := ch.Call(context.Background(), "fail", nil)

	remote, ok := stderrors.AsType[*errors.RemoteError](err)
	require.True(t, ok, "expected RemoteError, got %v", err)
	require.Equal(t, envelope.CodeInvalidParams, remote.Code)
	require.Equal(t, "bad input", remote.Message)

	_, err = ch.Call(context.Background(), "no/such/method", nil)

	remote, ok = stderrors.AsType[*errors.RemoteError](err)
	require.True(t, ok)
	require.Equal(t, envelope.CodeMethodNotFound, remote.Code)

	// Failures do not affect the channel
	require.Equal(t, StateReady, ch.State())
}

func TestChannel_StopTerminatesWorker(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))
	pid := ch.Pid()

	require.NoError(t, ch.Stop(context.Background()))
	require.Equal(t, StateStopped, ch.State())
	require.Zero(t, ch.Pid())
	require.Nil(t, ch.ServerInfo())
	require.True(t, processGone(pid), "worker process still alive")

	// Idempotent
	require.NoError(t, ch.Stop(context.Background()))

	_, err := ch.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, errors.ErrNotRunning)
}

func TestChannel_StopWithoutShutdownCall(t *testing.T) {
	options := helperOptions("serve")
	options.SkipShutdownCall = true

	ch := startChannel(t, options)
	pid := ch.Pid()

	require.NoError(t, ch.Stop(context.Background()))
	require.True(t, processGone(pid))
}

func TestChannel_StopFailsOutstandingCalls(t *testing.T) {
	options := helperOptions("serve")
	options.SkipShutdownCall = true

	ch := startChannel(t, options)

	errCh := make(chan error, 1)

	go func() {
		_, err := ch.Call(context.Background(), "sleep", map[string]int{"ms": 30000})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return ch.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ch.Stop(context.Background()))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errors.ErrChannelClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("outstanding call was not resolved by Stop")
	}
}

func TestChannel_NeverStarted(t *testing.T) {
	ch := New(helperOptions("serve"))

	require.Equal(t, StateStopped, ch.State())
	require.NoError(t, ch.Stop(context.Background()))
	require.Zero(t, ch.Pid())

	_, err := ch.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, errors.ErrNotRunning)
	require.ErrorContains(t, err, "stopped")

	require.ErrorIs(t, ch.Notify(context.Background(), "x", nil), errors.ErrNotRunning)
}

func TestChannel_StartTwice(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	err := ch.Start(context.Background())
	require.ErrorIs(t, err, errors.ErrAlreadyStarted)
	require.Equal(t, StateReady, ch.State())
}

func TestChannel_GateBoundsConcurrency(t *testing.T) {
	options := helperOptions("serve")
	options.Permits = 2

	ch := startChannel(t, options)

	var (
		wg       sync.WaitGroup
		maxLocal atomic.Int64
	)

	for range 5 {
		wg.Go(func() {
			_, err := ch.Call(context.Background(), "sleep", map[string]int{"ms": 100})
			assert.NoError(t, err)
		})
	}

	// Sample the host-side gate while calls are running
	done := make(chan struct{})

	go func() {
		defer close(done)

		for range 50 {
			if n := int64(ch.InFlight()); n > maxLocal.Load() {
				maxLocal.Store(n)
			}

			time.Sleep(5 * time.Millisecond)
		}
	}()

	wg.Wait()
	<-done

	raw, err := ch.Call(context.Background(), "peak", nil)
	require.NoError(t, err)

	var stats struct {
		Peak int64 `json:"peak"`
	}

	require.NoError(t, json.Unmarshal(raw, &stats))
	require.LessOrEqual(t, stats.Peak, int64(2))
	require.Positive(t, stats.Peak)
	require.LessOrEqual(t, maxLocal.Load(), int64(2))
}

func TestChannel_TimeoutIndependence(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	slowErr := make(chan error, 1)

	go func() {
		_, err := ch.CallWithTimeout(context.Background(), "sleep", map[string]int{"ms": 2000}, 100*time.Millisecond)
		slowErr <- err
	}()

	result, err := ch.CallWithTimeout(context.Background(), "echo", map[string]string{"fast": "yes"}, 5*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"fast":"yes"}`, string(result))

	select {
	case err := <-slowErr:
		require.ErrorIs(t, err, errors.ErrRequestTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("slow call did not time out")
	}

	// The late result for the timed-out call is discarded and the channel stays usable
	time.Sleep(2 * time.Second)

	result, err = ch.Call(context.Background(), "echo", map[string]int{"after": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"after":1}`, string(result))
}

func TestChannel_OutOfOrderCompletion(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	type finished struct {
		name string
		at   time.Time
	}

	results := make(chan finished, 2)

	for _, c := range []struct {
		name string
		ms   int
	}{{"slow", 500}, {"fast", 10}} {
		go func() {
			_, err := ch.Call(context.Background(), "sleep", map[string]int{"ms": c.ms})
			assert.NoError(t, err)

			results <- finished{name: c.name, at: time.Now()}
		}()

		// Make sure the slow call is issued first
		time.Sleep(20 * time.Millisecond)
	}

	first := <-results
	second := <-results

	require.Equal(t, "fast", first.name)
	require.Equal(t, "slow", second.name)
}

func TestChannel_NotificationsReachHandler(t *testing.T) {
	received := make(chan string, 1)

	options := helperOptions("serve")
	options.NotificationHandler = func(method string, params json.RawMessage) {
		received <- method + " " + string(params)
	}

	ch := startChannel(t, options)

	_, err := ch.Call(context.Background(), "announce", nil)
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, `notifications/message {"text":"hello"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestChannel_WorkerCrashThenRestart(t *testing.T) {
	ch := startChannel(t, helperOptions("serve"))

	_, err := ch.Call(context.Background(), "crash", nil)
	require.ErrorIs(t, err, errors.ErrChannelClosed)

	var procErr *errors.ProcessError
	require.ErrorAs(t, err, &procErr)
	require.Equal(t, 2, procErr.ExitCode)

	require.Eventually(t, func() bool { return ch.State() == StateStopped }, 5*time.Second, 10*time.Millisecond)

	_, err = ch.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, errors.ErrNotRunning)

	require.NoError(t, ch.Start(context.Background()))
	require.Equal(t, StateReady, ch.State())

	result, err := ch.Call(context.Background(), "echo", map[string]int{"again": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"again":1}`, string(result))
}

func TestChannel_HandshakeRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix process semantics")
	}

	ch := New(helperOptions("reject-handshake"))

	err := ch.Start(context.Background())

	handshakeErr, ok := stderrors.AsType[*errors.HandshakeError](err)
	require.True(t, ok, "expected HandshakeError, got %v", err)

	var remote *errors.RemoteError
	require.ErrorAs(t, handshakeErr, &remote)
	require.Equal(t, StateStopped, ch.State())
	require.Zero(t, ch.Pid())
}

func TestChannel_HandshakeTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Test requires Unix process semantics")
	}

	options := helperOptions("silent")
	options.HandshakeTimeout = 200 * time.Millisecond
	options.GracePeriod = 100 * time.Millisecond

	ch := New(options)

	err := ch.Start(context.Background())
	require.Error(t, err)

	_, ok := stderrors.AsType[*errors.HandshakeError](err)
	require.True(t, ok)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)
	require.Equal(t, StateStopped, ch.State())
}

func TestChannel_SpawnError(t *testing.T) {
	ch := New(&config.Options{Command: "/nonexistent/worker/binary"})

	err := ch.Start(context.Background())

	_, ok := stderrors.AsType[*errors.SpawnError](err)
	require.True(t, ok, "expected SpawnError, got %v", err)
	require.Equal(t, StateStopped, ch.State())
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateStopped:      "stopped",
		StateStarting:     "starting",
		StateHandshaking:  "handshaking",
		StateReady:        "ready",
		StateShuttingDown: "shutting_down",
		State(42):         "unknown",
	}

	for state, want := range tests {
		t.Run(strconv.Itoa(int(state)), func(t *testing.T) {
			require.Equal(t, want, state.String())
		})
	}
}
