package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/llm"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/patch"
	"github.com/positronic-core/positronic/pkg/signals"
)

// Agent loop defaults applied when Configure leaves them unset.
const (
	DefaultAgentPrompt        = "Begin."
	DefaultAgentMaxIterations = 10
)

// agentMode tells executeAgent how the block is being entered.
type agentMode int

const (
	// agentModeNone: fresh entry, journal STEP_START and AGENT_START.
	agentModeNone agentMode = iota
	// agentModeReplay: the process died mid-loop; rebuild the
	// conversation from the journal and continue.
	agentModeReplay
	// agentModeWake: the run parked on a tool webhook and the response
	// arrived; rebuild, re-enter the loop, and feed the payload back as
	// the pending tool's result.
	agentModeWake
	// agentModeStop: resume handling already finished the actor.
	agentModeStop
)

// agentRun is the in-flight loop state for one agent block execution.
type agentRun struct {
	actor *actor
	block brain.Agent
	cfg   brain.AgentConfig

	messages  []llm.Message
	iteration int
	usage     llm.Usage
	// finished is set once STEP_COMPLETE has been journaled.
	finished bool
}

func (a *actor) executeAgent(ctx context.Context, ag brain.Agent, mode agentMode) (stopReason, error) {
	sc, err := a.stepContext()
	if err != nil {
		return stopNone, err
	}
	cfg, err := ag.Configure(ctx, sc)
	if err != nil {
		return stopNone, fmt.Errorf("configure agent %q: %w", ag.Title, err)
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultAgentPrompt
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultAgentMaxIterations
	}
	if err := brain.ValidateAgentConfig(cfg); err != nil {
		return stopNone, err
	}

	loop := &agentRun{actor: a, block: ag, cfg: cfg}

	switch mode {
	case agentModeReplay, agentModeWake:
		pending, err := loop.reconstruct(ctx)
		if err != nil {
			return stopNone, err
		}
		if mode == agentModeWake {
			if _, err := a.append(ctx, &models.Event{
				Type:   models.EventAgentStart,
				System: cfg.System,
				Prompt: cfg.Prompt,
			}); err != nil {
				a.logger.Error("failed to journal agent re-entry", "error", err)
				return stopShutdown, nil
			}
			if pending == nil {
				return stopNone, fmt.Errorf("agent %q received a webhook response with no pending tool call", ag.Title)
			}
			payload := a.pendingAgentResponse
			a.pendingAgentResponse = nil
			if err := loop.deliverToolResult(ctx, *pending, payload); err != nil {
				return stopShutdown, nil
			}
		} else if pending != nil {
			// The process died between journaling the call and its
			// result; the call runs again.
			stop, err := loop.handleToolCall(ctx, *pending)
			if stop != stopNone || err != nil {
				return stop, err
			}
			if loop.finished {
				return stopNone, nil
			}
		}
	default:
		if err := a.stepStart(ctx, ag.Title); err != nil {
			return stopShutdown, nil
		}
		if _, err := a.append(ctx, &models.Event{
			Type:   models.EventAgentStart,
			System: cfg.System,
			Prompt: cfg.Prompt,
		}); err != nil {
			a.logger.Error("failed to journal agent start", "error", err)
			return stopShutdown, nil
		}
		loop.messages = []llm.Message{{Role: llm.RoleUser, Text: cfg.Prompt}}
	}

	return loop.run(ctx)
}

func (r *agentRun) run(ctx context.Context) (stopReason, error) {
	a := r.actor
	for r.iteration < r.cfg.MaxIterations {
		stop, err := r.checkpoint(ctx)
		if stop != stopNone || err != nil {
			return stop, err
		}
		if err := r.drainUserMessages(ctx); err != nil {
			return stopShutdown, nil
		}

		r.iteration++
		if _, err := a.append(ctx, &models.Event{
			Type:      models.EventAgentIteration,
			Iteration: r.iteration,
		}); err != nil {
			a.logger.Error("failed to journal agent iteration", "error", err)
			return stopShutdown, nil
		}

		resp, err := a.mgr.client.GenerateText(ctx, llm.Request{
			System:   r.cfg.System,
			Messages: r.messages,
			Tools:    r.toolSpecs(),
		})
		if err != nil {
			return stopNone, fmt.Errorf("agent %q iteration %d: %w", r.block.Title, r.iteration, err)
		}
		r.usage = r.usage.Add(resp.Usage)
		if r.cfg.MaxTokens > 0 && r.usage.Total() > int64(r.cfg.MaxTokens) {
			if _, err := a.append(ctx, &models.Event{
				Type:       models.EventAgentTokenLimit,
				Iterations: r.iteration,
			}); err != nil {
				a.logger.Error("failed to journal token limit", "error", err)
				return stopShutdown, nil
			}
			return r.finishNoPatch(ctx)
		}

		r.messages = append(r.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Text != "" {
			if _, err := a.append(ctx, &models.Event{
				Type:    models.EventAgentAssistantMessage,
				Content: resp.Text,
			}); err != nil {
				a.logger.Error("failed to journal assistant message", "error", err)
				return stopShutdown, nil
			}
		}

		if len(resp.ToolCalls) == 0 {
			return r.finishNoPatch(ctx)
		}
		for _, call := range resp.ToolCalls {
			if _, err := a.append(ctx, &models.Event{
				Type:       models.EventAgentToolCall,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Input:      call.Input,
			}); err != nil {
				a.logger.Error("failed to journal tool call", "error", err)
				return stopShutdown, nil
			}
			stop, err := r.handleToolCall(ctx, call)
			if stop != stopNone || err != nil {
				return stop, err
			}
			if r.finished {
				return stopNone, nil
			}
		}
	}
	// Iteration budget spent without a terminal tool call.
	return r.finishNoPatch(ctx)
}

// checkpoint drains control signals between iterations. Resuming from a
// pause re-enters the loop with a fresh AGENT_START marker.
func (r *agentRun) checkpoint(ctx context.Context) (stopReason, error) {
	a := r.actor
	select {
	case <-ctx.Done():
		return stopShutdown, nil
	default:
	}
	resumed := false
	for {
		sig, ok := a.queue.Pop(signals.Control)
		if !ok {
			break
		}
		switch sig.Type {
		case models.SignalKill:
			return a.cancel(ctx), nil
		case models.SignalPause:
			if _, err := a.append(ctx, &models.Event{Type: models.EventPaused}); err != nil {
				a.logger.Error("failed to journal pause", "error", err)
				return stopShutdown, nil
			}
			if stop := a.parkPaused(ctx); stop != stopNone {
				return stop, nil
			}
			resumed = true
		}
	}
	if resumed {
		if _, err := a.append(ctx, &models.Event{
			Type:   models.EventAgentStart,
			System: r.cfg.System,
			Prompt: r.cfg.Prompt,
		}); err != nil {
			a.logger.Error("failed to journal agent re-entry", "error", err)
			return stopShutdown, nil
		}
	}
	return stopNone, nil
}

// drainUserMessages folds queued user messages into the conversation
// before the next model call.
func (r *agentRun) drainUserMessages(ctx context.Context) error {
	a := r.actor
	pred := signals.Only(models.SignalUserMessage)
	for {
		sig, ok := a.queue.Pop(pred)
		if !ok {
			return nil
		}
		if _, err := a.append(ctx, &models.Event{
			Type:    models.EventAgentUserMessage,
			Content: sig.Content,
		}); err != nil {
			a.logger.Error("failed to journal user message", "error", err)
			return err
		}
		r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Text: sig.Content})
	}
}

func (r *agentRun) handleToolCall(ctx context.Context, call llm.ToolCall) (stopReason, error) {
	a := r.actor
	tool, err := brain.ResolveTool(a.brain, r.cfg, call.Name)
	if err != nil {
		return stopNone, fmt.Errorf("agent %q: %w", r.block.Title, err)
	}

	if tool.Terminal {
		return r.completeWith(ctx, call, tool)
	}

	tc := brain.ToolContext{
		Env:       a.mgr.env,
		ToolCalls: r.iteration,
	}
	if tc.State, err = a.stateObject(); err != nil {
		return stopNone, err
	}
	if tc.StepCtx, err = a.stepContext(); err != nil {
		return stopNone, err
	}

	result, execErr := tool.Execute(ctx, call.Input, tc)
	if execErr != nil {
		// Execution failures go back to the model, not to the journal's
		// ERROR path: the loop may recover.
		return stopNone, r.failToolResult(ctx, call, execErr)
	}

	if len(result.WaitFor) > 0 {
		return r.parkToolCall(ctx, call, result.WaitFor)
	}

	value, err := json.Marshal(result.Value)
	if err != nil {
		return stopNone, fmt.Errorf("marshal result of tool %q: %w", call.Name, err)
	}
	return stopNone, r.appendToolResult(ctx, call, value, false)
}

// completeWith ends the loop through a terminal tool: the call input is
// validated, journaled, and merged into the run state.
func (r *agentRun) completeWith(ctx context.Context, call llm.ToolCall, tool brain.Tool) (stopReason, error) {
	a := r.actor
	if len(tool.InputSchema) > 0 {
		if err := brain.ValidateAgainstSchema(tool.InputSchema, call.Input); err != nil {
			// Invalid terminal input is handed back so the model can fix it.
			return stopNone, r.failToolResult(ctx, call, err)
		}
	}
	if _, err := a.append(ctx, &models.Event{
		Type:         models.EventAgentComplete,
		TerminalTool: call.Name,
		Result:       call.Input,
		Iterations:   r.iteration,
	}); err != nil {
		a.logger.Error("failed to journal agent completion", "error", err)
		return stopShutdown, nil
	}

	key := ""
	if r.cfg.Output != nil {
		key = r.cfg.Output.Name
	}
	delta, err := patch.MergeAtPath(a.state, key, json.RawMessage(call.Input))
	if err != nil {
		return stopNone, fmt.Errorf("merge agent result: %w", err)
	}
	if err := a.stepCompletePatch(ctx, r.block.Title, delta); err != nil {
		return stopNone, err
	}
	r.finished = true
	return stopNone, nil
}

// parkToolCall journals the webhook handoff, parks until the response
// arrives, and feeds the payload back as the tool's result.
func (r *agentRun) parkToolCall(ctx context.Context, call llm.ToolCall, regs []models.WebhookRegistration) (stopReason, error) {
	a := r.actor
	if err := brain.WaitRegistrations(regs); err != nil {
		return stopNone, err
	}
	if _, err := a.append(ctx, &models.Event{
		Type:       models.EventAgentWebhook,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
	}); err != nil {
		a.logger.Error("failed to journal agent webhook", "error", err)
		return stopShutdown, nil
	}
	if _, err := a.append(ctx, &models.Event{Type: models.EventWebhook, WaitFor: regs}); err != nil {
		a.logger.Error("failed to journal webhook registration", "error", err)
		return stopShutdown, nil
	}

	payload, stop := a.parkWaiting(ctx)
	if stop != stopNone {
		return stop, nil
	}

	if _, err := a.append(ctx, &models.Event{
		Type:   models.EventAgentStart,
		System: r.cfg.System,
		Prompt: r.cfg.Prompt,
	}); err != nil {
		a.logger.Error("failed to journal agent re-entry", "error", err)
		return stopShutdown, nil
	}
	if err := r.deliverToolResult(ctx, call, payload); err != nil {
		return stopShutdown, nil
	}
	return stopNone, nil
}

// deliverToolResult feeds a webhook payload back as the parked tool
// call's result.
func (r *agentRun) deliverToolResult(ctx context.Context, call llm.ToolCall, payload map[string]any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		value = []byte(`null`)
	}
	return r.appendToolResult(ctx, call, value, false)
}

func (r *agentRun) failToolResult(ctx context.Context, call llm.ToolCall, toolErr error) error {
	value, err := json.Marshal(map[string]string{"error": toolErr.Error()})
	if err != nil {
		value = []byte(`{"error":"tool failed"}`)
	}
	return r.appendToolResult(ctx, call, value, true)
}

func (r *agentRun) appendToolResult(ctx context.Context, call llm.ToolCall, value json.RawMessage, isError bool) error {
	a := r.actor
	if _, err := a.append(ctx, &models.Event{
		Type:       models.EventAgentToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     value,
	}); err != nil {
		a.logger.Error("failed to journal tool result", "error", err)
		return err
	}
	r.messages = append(r.messages, llm.Message{
		Role: llm.RoleUser,
		ToolResults: []llm.ToolResult{{
			ToolCallID: call.ID,
			Content:    string(value),
			IsError:    isError,
		}},
	})
	return nil
}

// finishNoPatch completes the block without changing state: the model
// stopped calling tools, hit its token budget, or spent its iterations.
func (r *agentRun) finishNoPatch(ctx context.Context) (stopReason, error) {
	if err := r.actor.stepCompletePatch(ctx, r.block.Title, json.RawMessage(`[]`)); err != nil {
		return stopNone, err
	}
	r.finished = true
	return stopNone, nil
}

func (r *agentRun) toolSpecs() []llm.ToolSpec {
	names := make(map[string]brain.Tool)
	for name, tool := range r.actor.brain.Meta.Tools {
		names[name] = tool
	}
	for name, tool := range r.cfg.Tools {
		names[name] = tool
	}
	if _, ok := names[brain.DoneToolName]; !ok {
		names[brain.DoneToolName] = brain.DoneTool(r.cfg.Output)
	}
	specs := make([]llm.ToolSpec, 0, len(names))
	for name, tool := range names {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs
}

// reconstruct rebuilds the conversation and iteration count from the
// journal's record of the active block. It returns the tool call whose
// result never made it into the journal, if any.
func (r *agentRun) reconstruct(ctx context.Context) (*llm.ToolCall, error) {
	a := r.actor
	events, err := a.mgr.monitor.Events(ctx, a.brainRunID, 0)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	start := -1
	for i, ev := range events {
		if ev.Type == models.EventStepStart {
			start = i
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("agent %q: journal has no step start to resume from", r.block.Title)
	}

	r.messages = []llm.Message{{Role: llm.RoleUser, Text: r.cfg.Prompt}}
	var pending *llm.ToolCall
	sawStart := false
	for _, ev := range events[start+1:] {
		switch ev.Type {
		case models.EventAgentStart:
			// Re-entry markers repeat the initial prompt; the first one
			// anchors the conversation.
			sawStart = true
		case models.EventAgentIteration:
			r.iteration = ev.Iteration
		case models.EventAgentUserMessage:
			r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Text: ev.Content})
		case models.EventAgentAssistantMessage:
			r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Text: ev.Content})
		case models.EventAgentToolCall:
			call := llm.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName, Input: ev.Input}
			last := len(r.messages) - 1
			if last >= 0 && r.messages[last].Role == llm.RoleAssistant && len(r.messages[last].ToolResults) == 0 {
				r.messages[last].ToolCalls = append(r.messages[last].ToolCalls, call)
			} else {
				r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}})
			}
			pending = &call
		case models.EventAgentToolResult:
			r.messages = append(r.messages, llm.Message{
				Role: llm.RoleUser,
				ToolResults: []llm.ToolResult{{
					ToolCallID: ev.ToolCallID,
					Content:    string(ev.Result),
				}},
			})
			pending = nil
		}
	}
	if !sawStart {
		return nil, fmt.Errorf("agent %q: journal records agent activity without an agent start", r.block.Title)
	}
	return pending, nil
}
