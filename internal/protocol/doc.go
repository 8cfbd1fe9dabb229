// Package protocol correlates calls and results exchanged with a worker.
//
// The Controller owns the pending-call map. Each outgoing call gets a fresh
// ULID token and a buffered outcome slot; the read loop delivers each result
// to the slot whose token matches. Whoever removes a token from the map
// first (the read loop, a timeout, or Close) decides the outcome, so every
// call resolves exactly once and late results are discarded.
//
// The Controller also answers calls initiated by the worker through
// registered handlers and dispatches notifications in arrival order.
//
// Example usage:
//
//	worker := subprocess.NewWorker(log, options)
//	worker.Start(ctx)
//
//	controller := protocol.NewController(log, worker)
//	go controller.Run(ctx)
//
//	result, err := controller.Call(ctx, "tools/list", nil, 30*time.Second)
package protocol
