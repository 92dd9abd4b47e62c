package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positronic-core/positronic/pkg/llm"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func newTestClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	c, err := New(stub, Options{Model: "claude-sonnet-4-5", MaxTokens: 1024})
	require.NoError(t, err)
	return c
}

func TestGenerateTextTranslatesTextAndUsage(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello"}},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 7},
	}}
	c := newTestClient(t, stub)

	resp, err := c.GenerateText(context.Background(), llm.Request{
		System:   "be terse",
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
	assert.Equal(t, int64(19), resp.Usage.Total())

	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be terse", stub.lastParams.System[0].Text)
	assert.Equal(t, int64(1024), stub.lastParams.MaxTokens)
}

func TestGenerateTextTranslatesToolCalls(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "call_1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	c := newTestClient(t, stub)

	resp, err := c.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "call tool"}},
		Tools: []llm.ToolSpec{{
			Name:        "lookup",
			Description: "looks things up",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.ToolCalls[0].Input))
	require.Len(t, stub.lastParams.Tools, 1)
}

func TestGenerateTextWrapsUpstreamErrors(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("overloaded")}
	c := newTestClient(t, stub)

	_, err := c.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUpstream)
}

func TestGenerateObjectForcesSchemaTool(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "call_1", Name: "summary", Input: json.RawMessage(`{"headline":"ok"}`)},
		},
		Usage: sdk.Usage{InputTokens: 3, OutputTokens: 4},
	}}
	c := newTestClient(t, stub)

	res, err := c.GenerateObject(context.Background(), llm.ObjectRequest{
		Prompt:     "summarize",
		SchemaName: "summary",
		Schema:     json.RawMessage(`{"type":"object","properties":{"headline":{"type":"string"}}}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"headline":"ok"}`, string(res.Object))
	assert.Equal(t, int64(7), res.Usage.Total())

	require.NotNil(t, stub.lastParams.ToolChoice.OfTool)
	assert.Equal(t, "summary", stub.lastParams.ToolChoice.OfTool.Name)
}

func TestGenerateObjectWithoutToolCallIsUpstreamError(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "I refuse"}},
	}}
	c := newTestClient(t, stub)

	_, err := c.GenerateObject(context.Background(), llm.ObjectRequest{
		Prompt:     "summarize",
		SchemaName: "summary",
		Schema:     json.RawMessage(`{"type":"object"}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrUpstream)
}

func TestGenerateObjectRequiresSchema(t *testing.T) {
	c := newTestClient(t, &stubMessagesClient{})
	_, err := c.GenerateObject(context.Background(), llm.ObjectRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestEncodeMessagesToolRoundTrip(t *testing.T) {
	msgs, err := encodeMessages([]llm.Message{
		{Role: llm.RoleUser, Text: "start"},
		{Role: llm.RoleAssistant, Text: "calling", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "lookup", Input: json.RawMessage(`{}`)},
		}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{
			{ToolCallID: "call_1", Content: `"found"`},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
