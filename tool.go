package mcpchannel

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	toolreg "github.com/wagiedev/mcp-channel-go/internal/mcp"
)

// Tool describes a tool a worker exposes.
type Tool = mcp.Tool

// CallToolResult is the result of a tools/call.
type CallToolResult = mcp.CallToolResult

// CallToolRequest is passed to a ToolHandler.
type CallToolRequest = mcp.CallToolRequest

// ToolHandler implements a tool on the worker side.
type ToolHandler = mcp.ToolHandler

// NewTool creates a Tool. A nil schema accepts any object.
func NewTool(name, description string, inputSchema *jsonschema.Schema) *Tool {
	return toolreg.NewTool(name, description, inputSchema)
}

// SimpleSchema creates an object schema from a property-to-type map, such as
// {"text": "string", "count": "int"}. Every property is required.
func SimpleSchema(props map[string]string) *jsonschema.Schema {
	return toolreg.SimpleSchema(props)
}

// TextResult creates a successful tool result with text content.
func TextResult(text string) *CallToolResult {
	return toolreg.TextResult(text)
}

// ErrorResult creates a tool result flagged as an error.
func ErrorResult(message string) *CallToolResult {
	return toolreg.ErrorResult(message)
}

// ParseArguments decodes a tool request's arguments into a map.
func ParseArguments(req *CallToolRequest) (map[string]any, error) {
	return toolreg.ParseArguments(req)
}

// ResultText joins the text content of a tool result.
func ResultText(result *CallToolResult) string {
	return toolreg.ResultText(result)
}
