package models

import (
	"encoding/json"
	"time"
)

// EventType identifies a run event variant. The set is closed: every
// event appended to a run's log uses one of these values.
type EventType string

// Run event types.
const (
	EventStart                 EventType = "START"
	EventRestart               EventType = "RESTART"
	EventStepStatus            EventType = "STEP_STATUS"
	EventStepStart             EventType = "STEP_START"
	EventStepComplete          EventType = "STEP_COMPLETE"
	EventStepRetry             EventType = "STEP_RETRY"
	EventAgentStart            EventType = "AGENT_START"
	EventAgentIteration        EventType = "AGENT_ITERATION"
	EventAgentToolCall         EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult       EventType = "AGENT_TOOL_RESULT"
	EventAgentAssistantMessage EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentUserMessage      EventType = "AGENT_USER_MESSAGE"
	EventAgentComplete         EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit       EventType = "AGENT_TOKEN_LIMIT"
	EventAgentWebhook          EventType = "AGENT_WEBHOOK"
	EventWebhook               EventType = "WEBHOOK"
	EventWebhookResponse       EventType = "WEBHOOK_RESPONSE"
	EventPaused                EventType = "PAUSED"
	EventResumed               EventType = "RESUMED"
	EventCancelled             EventType = "CANCELLED"
	EventError                 EventType = "ERROR"
	EventComplete              EventType = "COMPLETE"
)

// Terminal reports whether this event type closes the run's log.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventCancelled
}

// WebhookRegistration identifies a webhook the run is waiting for.
// Token is the expected CSRF token; it is persisted on the waiter row
// and never serialized into the event log.
type WebhookRegistration struct {
	Slug       string `json:"slug"`
	Identifier string `json:"identifier"`
	Token      string `json:"-"`
}

// Event is one append-only record in a run's event log. Variant fields
// are optional and serialized only when set, so the wire shape of each
// event carries exactly the fields its type defines.
type Event struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	BrainRunID string    `json:"brainRunId"`
	Type       EventType `json:"type"`

	// START / RESTART
	BrainTitle string          `json:"brainTitle,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`

	// Step lifecycle
	Steps     []StepSnapshot  `json:"steps,omitempty"`
	StepTitle string          `json:"stepTitle,omitempty"`
	StepIndex *int            `json:"stepIndex,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`

	// Agent loop
	Prompt       string          `json:"prompt,omitempty"`
	System       string          `json:"system,omitempty"`
	Iteration    int             `json:"iteration,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Content      string          `json:"content,omitempty"`
	TerminalTool string          `json:"terminalTool,omitempty"`
	Iterations   int             `json:"iterations,omitempty"`

	// Webhooks
	WaitFor  []WebhookRegistration `json:"waitFor,omitempty"`
	Response json.RawMessage       `json:"response,omitempty"`

	// ERROR / STEP_RETRY
	Error *SerializedError `json:"error,omitempty"`
}
