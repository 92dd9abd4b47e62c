// Package llm defines the provider-neutral LLM capability handed to
// brain blocks: structured object generation for steps and batches, and
// a chat surface with tool calling for agent loops.
package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUpstream reports a provider-side failure. Callers decide whether
// the failure is retryable.
var ErrUpstream = errors.New("llm upstream error")

// Role is a conversation role.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult feeds a tool execution's outcome back to the model.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Message is one conversation turn. Assistant turns may carry tool
// calls; user turns may carry tool results.
type Message struct {
	Role        Role         `json:"role"`
	Text        string       `json:"text,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolSpec advertises a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Usage is the token spend of a single call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Add accumulates another call's usage.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Request is a chat completion request.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
	// ForceTool names a tool the model must call; empty leaves the
	// choice to the model.
	ForceTool string
}

// Response is a chat completion result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// ObjectRequest asks for a single structured object conforming to a
// JSON schema.
type ObjectRequest struct {
	System     string
	Prompt     string
	SchemaName string
	Schema     json.RawMessage
	MaxTokens  int
}

// ObjectResult is a structured generation result.
type ObjectResult struct {
	Object json.RawMessage
	Usage  Usage
}

// ObjectGenerator is the LLM capability brains program against.
type ObjectGenerator interface {
	// GenerateObject produces one object conforming to req.Schema.
	GenerateObject(ctx context.Context, req ObjectRequest) (ObjectResult, error)
	// GenerateText runs one chat turn, possibly returning tool calls.
	GenerateText(ctx context.Context, req Request) (Response, error)
}
