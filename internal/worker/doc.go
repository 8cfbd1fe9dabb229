// Package worker implements the worker side of a channel.
//
// A Server reads calls from an input stream (normally stdin), dispatches each
// one to a registered handler in its own goroutine, and writes one result line
// per call to an output stream (normally stdout). Results may therefore be
// written in a different order than the calls arrived. The initialize, ping,
// shutdown, tools/list and tools/call methods are built in; tools are backed
// by an mcp.ToolRegistry.
//
// Workers must keep stdout for protocol lines only and log to stderr.
package worker
