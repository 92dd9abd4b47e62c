package models

import "encoding/json"

// SignalType identifies an out-of-band control message for a run.
type SignalType string

// Signal types.
const (
	SignalKill            SignalType = "KILL"
	SignalPause           SignalType = "PAUSE"
	SignalResume          SignalType = "RESUME"
	SignalUserMessage     SignalType = "USER_MESSAGE"
	SignalWebhookResponse SignalType = "WEBHOOK_RESPONSE"
)

// Priority orders signal delivery within a run. Lower is delivered
// first regardless of enqueue order: a KILL enqueued after a PAUSE is
// still observed first.
func (t SignalType) Priority() int {
	switch t {
	case SignalKill:
		return 1
	case SignalPause:
		return 2
	case SignalWebhookResponse:
		return 3
	case SignalResume:
		return 4
	case SignalUserMessage:
		return 5
	default:
		return 100
	}
}

// Valid reports whether t is one of the known signal types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalKill, SignalPause, SignalResume, SignalUserMessage, SignalWebhookResponse:
		return true
	}
	return false
}

// Signal is a control envelope delivered to a run out of band.
// Content carries user message text; Payload carries webhook bodies.
type Signal struct {
	Type    SignalType      `json:"type"`
	Content string          `json:"content,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
