// Package anthropic implements llm.ObjectGenerator on the Anthropic
// Messages API. Structured object generation is realized as a forced
// single-tool call whose input schema is the requested object schema.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/positronic-core/positronic/pkg/llm"
)

// MessagesClient is the subset of the SDK the adapter uses. Satisfied
// by *sdk.MessageService; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	// Model is the Claude model identifier.
	Model string
	// MaxTokens is the default completion cap when a request does not
	// set one.
	MaxTokens int
}

// Client implements llm.ObjectGenerator.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// New builds an adapter from a Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs an adapter with the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// GenerateObject forces a single tool named after the schema and
// returns that tool call's input as the object.
func (c *Client) GenerateObject(ctx context.Context, req llm.ObjectRequest) (llm.ObjectResult, error) {
	if len(req.Schema) == 0 {
		return llm.ObjectResult{}, errors.New("object request needs a schema")
	}
	name := req.SchemaName
	if name == "" {
		name = "structured_output"
	}
	resp, err := c.GenerateText(ctx, llm.Request{
		System:    req.System,
		Messages:  []llm.Message{{Role: llm.RoleUser, Text: req.Prompt}},
		MaxTokens: req.MaxTokens,
		Tools: []llm.ToolSpec{{
			Name:        name,
			Description: "Record the structured result.",
			InputSchema: req.Schema,
		}},
		ForceTool: name,
	})
	if err != nil {
		return llm.ObjectResult{}, err
	}
	for _, call := range resp.ToolCalls {
		if call.Name == name {
			return llm.ObjectResult{Object: call.Input, Usage: resp.Usage}, nil
		}
	}
	return llm.ObjectResult{}, fmt.Errorf("%w: model returned no %q tool call", llm.ErrUpstream, name)
}

// GenerateText runs one Messages.New call and translates the response.
func (c *Client) GenerateText(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%w: messages.new: %w", llm.ErrUpstream, err)
	}
	return translateResponse(msg), nil
}

func (c *Client) encodeRequest(req llm.Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	conversation, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ForceTool != "" {
		params.ToolChoice = sdk.ToolChoiceParamOfTool(req.ForceTool)
	}
	return &params, nil
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls)+len(m.ToolResults))
		for _, r := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, call := range m.ToolCalls {
			blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Input, call.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case llm.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case llm.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	return conversation, nil
}

func encodeTools(specs []llm.ToolSpec) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("tool spec needs a name")
		}
		schema, err := toolInputSchema(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil && spec.Description != "" {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) llm.Response {
	var resp llm.Response
	if msg == nil {
		return resp
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	resp.StopReason = string(msg.StopReason)
	resp.Usage = llm.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	return resp
}
