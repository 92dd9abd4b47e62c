// Package lifecycle implements the run state machine: the single source
// of truth for which events may be appended from which state and which
// control signals are admissible for a run's current status.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/positronic-core/positronic/pkg/models"
)

// State is an internal machine state. It is finer-grained than the
// public run status: agentLoop is distinct so the machine can restrict
// USER_MESSAGE delivery to active agent blocks.
type State string

// Machine states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAgentLoop State = "agentLoop"
	StatePaused    State = "paused"
	StateWaiting   State = "waiting"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// ErrTransitionDenied reports an event that is not legal from the
// current state.
var ErrTransitionDenied = errors.New("transition denied")

// transitions is the full legality table: for each event type, the set
// of states it may fire from and the state it lands in.
var transitions = map[models.EventType]map[State]State{
	models.EventStart: {StateIdle: StateRunning},
	// RESTART is appended during boot recovery, after the journal has
	// been folded back to whatever state the process died in.
	models.EventRestart: {
		StateIdle: StateRunning, StateRunning: StateRunning,
		StateAgentLoop: StateAgentLoop, StateWaiting: StateWaiting,
		StatePaused: StatePaused,
	},
	models.EventStepStatus: {
		StateRunning: StateRunning, StateAgentLoop: StateAgentLoop,
		StatePaused: StatePaused, StateWaiting: StateWaiting,
	},
	models.EventStepStart: {StateRunning: StateRunning},
	models.EventStepComplete: {
		StateRunning: StateRunning,
		// A terminal tool call completes the agent block with a patch.
		StateAgentLoop: StateRunning,
	},
	models.EventStepRetry:  {StateRunning: StateRunning, StateAgentLoop: StateAgentLoop},
	models.EventAgentStart: {StateRunning: StateAgentLoop},
	models.EventAgentIteration: {
		StateAgentLoop: StateAgentLoop,
	},
	models.EventAgentToolCall:         {StateAgentLoop: StateAgentLoop},
	models.EventAgentToolResult:       {StateAgentLoop: StateAgentLoop},
	models.EventAgentAssistantMessage: {StateAgentLoop: StateAgentLoop},
	models.EventAgentUserMessage:      {StateAgentLoop: StateAgentLoop},
	models.EventAgentComplete:         {StateAgentLoop: StateRunning},
	models.EventAgentTokenLimit:       {StateAgentLoop: StateAgentLoop},
	models.EventAgentWebhook:          {StateAgentLoop: StateAgentLoop},
	models.EventWebhook: {
		StateRunning: StateWaiting, StateAgentLoop: StateWaiting,
	},
	models.EventWebhookResponse: {
		// Non-agent webhook responses are also accepted while running.
		StateWaiting: StateRunning, StateRunning: StateRunning,
	},
	models.EventPaused: {
		StateRunning: StatePaused, StateAgentLoop: StatePaused,
	},
	models.EventResumed: {
		StatePaused: StateRunning, StateWaiting: StateRunning,
	},
	models.EventCancelled: {
		StateRunning: StateCancelled, StateAgentLoop: StateCancelled,
		StatePaused: StateCancelled, StateWaiting: StateCancelled,
	},
	models.EventComplete: {StateRunning: StateComplete},
	models.EventError: {
		StateRunning: StateError, StateAgentLoop: StateError,
	},
}

// Next returns the state reached by firing event from state, or
// ErrTransitionDenied when the pair is not in the table.
func Next(state State, event models.EventType) (State, error) {
	row, ok := transitions[event]
	if !ok {
		return state, fmt.Errorf("%w: unknown event %q", ErrTransitionDenied, event)
	}
	next, ok := row[state]
	if !ok {
		return state, fmt.Errorf("%w: %s from %s", ErrTransitionDenied, event, state)
	}
	return next, nil
}

// Allowed reports whether event may fire from state.
func Allowed(state State, event models.EventType) bool {
	_, err := Next(state, event)
	return err == nil
}

// Project maps a machine state to the public run status. agentLoop is
// an internal refinement of running and is never exposed.
func Project(state State) models.RunStatus {
	switch state {
	case StateIdle:
		return models.StatusPending
	case StateRunning, StateAgentLoop:
		return models.StatusRunning
	case StatePaused:
		return models.StatusPaused
	case StateWaiting:
		return models.StatusWaiting
	case StateComplete:
		return models.StatusComplete
	case StateCancelled:
		return models.StatusCancelled
	case StateError:
		return models.StatusError
	}
	return models.StatusPending
}

// FromStatus lifts a public status back to machine states. A running
// status corresponds to both running and agentLoop; signal admissibility
// accepts a signal admissible from either.
func FromStatus(status models.RunStatus) []State {
	switch status {
	case models.StatusPending:
		return []State{StateIdle}
	case models.StatusRunning:
		return []State{StateRunning, StateAgentLoop}
	case models.StatusPaused:
		return []State{StatePaused}
	case models.StatusWaiting:
		return []State{StateWaiting}
	case models.StatusComplete:
		return []State{StateComplete}
	case models.StatusCancelled:
		return []State{StateCancelled}
	case models.StatusError:
		return []State{StateError}
	}
	return nil
}

// signalEvents maps each signal type to the event it would emit.
var signalEvents = map[models.SignalType]models.EventType{
	models.SignalKill:            models.EventCancelled,
	models.SignalPause:           models.EventPaused,
	models.SignalResume:          models.EventResumed,
	models.SignalUserMessage:     models.EventAgentUserMessage,
	models.SignalWebhookResponse: models.EventWebhookResponse,
}

// IsSignalValid reports whether a signal is admissible for a run whose
// public status is status. Derived from the transition table: the signal
// is valid iff the event it maps to may fire from at least one machine
// state the status projects from.
func IsSignalValid(status models.RunStatus, signal models.SignalType) bool {
	event, ok := signalEvents[signal]
	if !ok {
		return false
	}
	for _, st := range FromStatus(status) {
		if Allowed(st, event) {
			return true
		}
	}
	return false
}
