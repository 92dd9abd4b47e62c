package brain

import (
	"context"
	"encoding/json"

	"github.com/positronic-core/positronic/pkg/models"
)

// DoneToolName is the terminal tool the engine injects into every agent
// block. Calling it ends the agent loop; its input becomes the agent's
// result.
const DoneToolName = "done"

// DefaultDoneSchema is the done tool's input schema when the agent has
// no output schema of its own.
var DefaultDoneSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"result": {"type": "string"}},
	"required": ["result"]
}`)

// ToolContext is the capability bundle handed to tool executions.
type ToolContext struct {
	State     map[string]any
	Env       Env
	StepCtx   StepContext
	ToolCalls int
}

// ToolResult is what a tool execution returns: either a value to feed
// back to the model, or a waitFor set that parks the whole run until a
// webhook delivers the tool's result.
type ToolResult struct {
	Value   any
	WaitFor []models.WebhookRegistration
}

// Tool is a polymorphic agent capability. Terminal tools have no
// Execute: their input is the agent's result.
type Tool struct {
	Description string
	InputSchema json.RawMessage
	Terminal    bool
	Execute     func(ctx context.Context, input json.RawMessage, tc ToolContext) (ToolResult, error)
}

// OutputSchema constrains an agent's terminal result and names the
// state key the result is merged under.
type OutputSchema struct {
	Name   string
	Schema json.RawMessage
}

// DoneTool returns the injected terminal tool for the given output
// schema (nil schema selects the default `{result: string}` shape).
func DoneTool(out *OutputSchema) Tool {
	schema := DefaultDoneSchema
	if out != nil && len(out.Schema) > 0 {
		schema = out.Schema
	}
	return Tool{
		Description: "Call this tool when the task is complete. Its input is the final result.",
		InputSchema: schema,
		Terminal:    true,
	}
}
