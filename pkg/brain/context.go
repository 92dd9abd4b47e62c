package brain

import (
	"github.com/positronic-core/positronic/pkg/llm"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/pages"
	"github.com/positronic-core/positronic/pkg/resources"
)

// Env is the read-only environment surface handed to actions.
type Env struct {
	// Secrets is the process secret map. Actions must treat it as
	// read-only.
	Secrets map[string]string
	// Mode is the deployment mode, "development" or empty for
	// production. Actions may branch on it; webhook token checks apply
	// in every mode.
	Mode string
}

// StepContext is the capability bundle handed to step actions, agent
// config functions, guards, and wait actions.
type StepContext struct {
	// State is the run state at the time the block starts. Actions must
	// not mutate it; return a new state instead.
	State map[string]any
	// Options is the opaque options object the run was created with.
	Options map[string]any
	// Response carries the webhook payload when the block is re-entered
	// after a WEBHOOK_RESPONSE; nil otherwise.
	Response map[string]any
	// Client is the LLM capability.
	Client llm.ObjectGenerator
	// Resources is the read-only blob accessor.
	Resources resources.Resources
	// Pages creates and serves generated UI pages.
	Pages pages.Service
	// Env is the read-only environment.
	Env Env
}

// StepResult is what a step action returns. Exactly one of the three
// shapes applies: a new state, a new state plus prompt response, or a
// waitFor registration set that parks the run.
type StepResult struct {
	// State is the step's replacement state. Nil means unchanged.
	State map[string]any
	// PromptResponse optionally records the raw LLM text that produced
	// the state, for observability.
	PromptResponse string
	// WaitFor coerces the run to waiting on the listed webhooks after
	// the state delta (if any) is committed.
	WaitFor []models.WebhookRegistration
}
