package brain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/positronic-core/positronic/pkg/models"
)

// BlockKind discriminates the block variants.
type BlockKind string

// Block kinds.
const (
	KindStep        BlockKind = "step"
	KindAgent       BlockKind = "agent"
	KindBatchPrompt BlockKind = "batchPrompt"
	KindGuard       BlockKind = "guard"
	KindWait        BlockKind = "wait"
	KindSubBrain    BlockKind = "subBrain"
)

// Block is one unit of a brain's ordered pipeline. Implementations are
// the six concrete variants in this package; the runner switches on
// Kind.
type Block interface {
	Kind() BlockKind
	BlockTitle() string
}

// Step runs an arbitrary action against the current state and returns a
// replacement state, optionally parking the run on webhooks.
type Step struct {
	Title  string
	Action func(ctx context.Context, sc StepContext) (StepResult, error)
	Retry  *RetryPolicy
}

func (s Step) Kind() BlockKind    { return KindStep }
func (s Step) BlockTitle() string { return s.Title }

// AgentConfig is the per-run configuration an agent block's Configure
// function produces from the current state.
type AgentConfig struct {
	System        string
	Prompt        string
	Tools         map[string]Tool
	MaxIterations int
	// MaxTokens bounds cumulative usage across the loop; 0 means
	// unbounded.
	MaxTokens int
	// Output constrains the injected done tool and names the state key
	// the terminal result is merged under.
	Output *OutputSchema
}

// Agent runs a bounded tool-calling loop. Configure is invoked at block
// entry so prompts and tool sets can depend on the run state.
type Agent struct {
	Title     string
	Configure func(ctx context.Context, sc StepContext) (AgentConfig, error)
}

func (a Agent) Kind() BlockKind    { return KindAgent }
func (a Agent) BlockTitle() string { return a.Title }

// BackoffKind selects the retry delay progression.
type BackoffKind string

// Backoff kinds.
const (
	BackoffNone        BackoffKind = "none"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy bounds retries of a failing prompt or step.
type RetryPolicy struct {
	MaxRetries   int
	Backoff      BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the pause before retry attempt n (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		d = p.InitialDelay << (attempt - 1)
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ErrorPolicyKind selects what a batch does with an item that still
// fails after retries.
type ErrorPolicyKind string

// Error policy kinds.
const (
	ErrorSkip   ErrorPolicyKind = "skip"
	ErrorNull   ErrorPolicyKind = "null"
	ErrorAbort  ErrorPolicyKind = "abort"
	ErrorCustom ErrorPolicyKind = "custom"
)

// ErrorPolicy is the batch's per-item failure handling. Custom requires
// Fallback, which maps the failed item to a substitute result.
type ErrorPolicy struct {
	Kind     ErrorPolicyKind
	Fallback func(item any, err error) any
}

// BatchPrompt fans a structured prompt out over a collection derived
// from the run state, concurrently in chunks, and merges the collected
// results under SchemaName.
type BatchPrompt struct {
	Title string
	// Items derives the collection from the current state and options.
	Items func(sc StepContext) ([]any, error)
	// Prompt renders the per-item prompt.
	Prompt func(item any, sc StepContext) (string, error)
	// SchemaName names each item's structured result and is the state
	// key the ordered result list is merged under.
	SchemaName string
	Schema     json.RawMessage
	// ChunkSize bounds concurrent in-flight prompts; 0 selects the
	// engine default.
	ChunkSize int
	Retry     *RetryPolicy
	OnError   ErrorPolicy
}

func (b BatchPrompt) Kind() BlockKind    { return KindBatchPrompt }
func (b BatchPrompt) BlockTitle() string { return b.Title }

// Guard evaluates a predicate against the state. A false result
// completes the run early with its current state; it is not an error.
type Guard struct {
	Title     string
	Predicate func(sc StepContext) (bool, error)
}

func (g Guard) Kind() BlockKind    { return KindGuard }
func (g Guard) BlockTitle() string { return g.Title }

// Wait registers webhooks and parks the run until one of them delivers
// a response.
type Wait struct {
	Title string
	// Register optionally transforms state and produces the webhook
	// registrations to wait on.
	Register func(ctx context.Context, sc StepContext) (StepResult, []models.WebhookRegistration, error)
}

func (w Wait) Kind() BlockKind    { return KindWait }
func (w Wait) BlockTitle() string { return w.Title }

// SubBrain runs a nested brain to completion as a single block of the
// outer run.
type SubBrain struct {
	Title string
	Brain *Brain
	// SeedState derives the inner run's initial state from the outer
	// state; nil passes the outer state through.
	SeedState func(outer map[string]any) map[string]any
	// FoldState merges the inner run's final state back into the outer
	// state; nil replaces the outer state wholesale.
	FoldState func(outer, inner map[string]any) map[string]any
}

func (s SubBrain) Kind() BlockKind    { return KindSubBrain }
func (s SubBrain) BlockTitle() string { return s.Title }
