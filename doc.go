// Package mcpchannel provides a local call channel to a worker process.
//
// A host process spawns a worker executable and talks to it over the
// worker's stdin and stdout using newline-delimited JSON-RPC 2.0 messages.
// Every call carries a unique token, so results may arrive in any order and
// several calls may be outstanding at once. Each call has its own timeout, a
// concurrency gate bounds how many calls are in flight, and the worker's
// stderr is forwarded to the logger.
//
// # Basic Usage
//
//	ch := mcpchannel.NewChannel(
//	    mcpchannel.WithCommand("./my-worker"),
//	    mcpchannel.WithLogger(slog.Default()),
//	)
//
//	if err := ch.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ch.Stop(ctx)
//
//	result, err := ch.Call(ctx, "echo", map[string]any{"x": 1})
//
// # Tools
//
// Workers that implement tools/list and tools/call can be driven with the
// official MCP SDK types:
//
//	tools, err := ch.ListTools(ctx)
//	res, err := ch.CallTool(ctx, "echo", map[string]any{"text": "hi"})
//
// # Writing a Worker
//
// NewServer builds the worker side. Register handlers and tools, then serve
// stdin and stdout:
//
//	server := mcpchannel.NewServer(log, "my-worker", "1.0.0")
//	server.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return params, nil
//	})
//	err := mcpchannel.ServeStdio(ctx, server)
//
// # Lifecycle
//
// A channel moves Stopped -> Starting -> Handshaking -> Ready -> ShuttingDown
// -> Stopped. Calls are accepted only in Ready. If the worker exits on its
// own, outstanding calls fail with a ChannelClosedError and the channel
// returns to Stopped; Start may then be called again.
//
// # Error Handling
//
// Errors can be matched with errors.Is and errors.As:
//
//	if errors.Is(err, mcpchannel.ErrRequestTimeout) { ... }
//	if remote, ok := errors.AsType[*mcpchannel.RemoteError](err); ok { ... }
package mcpchannel
