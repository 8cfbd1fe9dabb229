// Package mcp holds the tool registry a worker exposes over the channel.
//
// Tools are described with the official MCP SDK types so that tools/list and
// tools/call payloads match what any MCP client expects. The registry is
// safe for concurrent use: a worker may serve several calls at once.
package mcp
