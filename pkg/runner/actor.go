package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/patch"
	"github.com/positronic-core/positronic/pkg/signals"
)

// stopReason tells the block loop why execution cannot continue.
type stopReason int

const (
	// stopNone: keep going.
	stopNone stopReason = iota
	// stopTerminal: a terminal event was journaled; the actor exits.
	stopTerminal
	// stopShutdown: the process is stopping; the journal stays as-is
	// for recovery on next boot.
	stopShutdown
)

// actor executes one run. All journal writes for the run go through
// this goroutine.
type actor struct {
	mgr        *Manager
	brainRunID string
	brain      *brain.Brain
	queue      *signals.Queue
	logger     *slog.Logger

	// state mirrors the persisted run projection after each append.
	state     json.RawMessage
	options   json.RawMessage
	blockIdx  int
	// response holds a webhook payload pending delivery to the next
	// block's context.
	response map[string]any
	// pendingAgentResponse carries a webhook payload into an agent loop
	// resumed from a parked tool call.
	pendingAgentResponse map[string]any
}

func (a *actor) run(ctx context.Context, resume bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("run panicked", "panic", r)
			serr := models.SerializePanic(r)
			if _, err := a.append(context.Background(), &models.Event{
				Type:  models.EventError,
				Error: serr,
			}); err != nil {
				a.logger.Error("failed to journal panic", "error", err)
			}
			a.mgr.hub.Remove(a.brainRunID)
		}
	}()

	record, err := a.mgr.monitor.Run(ctx, a.brainRunID)
	if err != nil {
		a.logger.Error("failed to load run", "error", err)
		return
	}
	a.state = record.State
	a.options = record.Options
	a.blockIdx = record.CurrentStepIndex

	agentMode := agentModeNone
	if !resume {
		a.blockIdx = 0
		if _, err := a.append(ctx, &models.Event{
			Type:       models.EventStart,
			BrainTitle: a.brain.Title,
			Options:    a.options,
		}); err != nil {
			a.logger.Error("failed to journal start", "error", err)
			return
		}
		steps := make([]models.StepSnapshot, len(a.brain.Blocks))
		for i, block := range a.brain.Blocks {
			steps[i] = models.StepSnapshot{Index: i, Title: block.BlockTitle(), Status: models.StepPending}
		}
		if _, err := a.append(ctx, &models.Event{Type: models.EventStepStatus, Steps: steps}); err != nil {
			a.logger.Error("failed to journal step statuses", "error", err)
			return
		}
	} else {
		agentMode = a.resumeEntry(ctx)
		if agentMode == agentModeStop {
			return
		}
	}

	for a.blockIdx < len(a.brain.Blocks) {
		// A resumed agent loop re-enters its own machine state; its
		// in-loop checkpoint takes over from there.
		if agentMode == agentModeNone {
			if stop := a.checkpoint(ctx); stop != stopNone {
				a.finish(stop)
				return
			}
		}

		block := a.brain.Blocks[a.blockIdx]
		stop, err := a.executeBlock(ctx, block, agentMode)
		agentMode = agentModeNone
		if err != nil {
			// Errors caused by shutdown are not run failures: the
			// journal stays parked for the next boot.
			if ctx.Err() != nil {
				return
			}
			a.fail(ctx, err)
			return
		}
		if stop != stopNone {
			a.finish(stop)
			return
		}
		a.blockIdx++
	}

	if _, err := a.append(ctx, &models.Event{Type: models.EventComplete}); err != nil {
		a.logger.Error("failed to journal completion", "error", err)
		return
	}
	a.finish(stopTerminal)
}

// finish releases the run's signal queue once no more signals can be
// consumed. Parked shutdowns keep the queue so a later boot can drain.
func (a *actor) finish(stop stopReason) {
	if stop == stopTerminal {
		a.mgr.hub.Remove(a.brainRunID)
	}
}

// resumeEntry positions the actor according to the journal's folded
// machine state: parked runs park again, interrupted agent loops are
// flagged for reconstruction.
func (a *actor) resumeEntry(ctx context.Context) agentMode {
	state, err := a.mgr.monitor.MachineState(ctx, a.brainRunID)
	if err != nil {
		a.logger.Error("failed to fold machine state", "error", err)
		return agentModeStop
	}
	switch state {
	case lifecycle.StatePaused:
		if stop := a.parkPaused(ctx); stop != stopNone {
			a.finish(stop)
			return agentModeStop
		}
		return agentModeNone
	case lifecycle.StateWaiting:
		payload, stop := a.parkWaiting(ctx)
		if stop != stopNone {
			a.finish(stop)
			return agentModeStop
		}
		if a.activeBlockIsAgent(ctx) {
			a.response = nil
			a.pendingAgentResponse = payload
			return agentModeWake
		}
		a.response = payload
		return agentModeNone
	case lifecycle.StateAgentLoop:
		return agentModeReplay
	default:
		return agentModeNone
	}
}

// activeBlockIsAgent reports whether the current parked block entered
// an agent loop, by scanning the journal since its STEP_START.
func (a *actor) activeBlockIsAgent(ctx context.Context) bool {
	events, err := a.mgr.monitor.Events(ctx, a.brainRunID, 0)
	if err != nil {
		a.logger.Error("failed to load journal", "error", err)
		return false
	}
	sawAgent := false
	for _, ev := range events {
		switch ev.Type {
		case models.EventStepStart:
			sawAgent = false
		case models.EventAgentStart:
			sawAgent = true
		}
	}
	return sawAgent
}

// checkpoint drains pre-empting control signals. Called between blocks
// and between agent iterations.
func (a *actor) checkpoint(ctx context.Context) stopReason {
	select {
	case <-ctx.Done():
		return stopShutdown
	default:
	}
	for {
		sig, ok := a.queue.Pop(signals.Control)
		if !ok {
			return stopNone
		}
		switch sig.Type {
		case models.SignalKill:
			return a.cancel(ctx)
		case models.SignalPause:
			if _, err := a.append(ctx, &models.Event{Type: models.EventPaused}); err != nil {
				a.logger.Error("failed to journal pause", "error", err)
				return stopShutdown
			}
			if stop := a.parkPaused(ctx); stop != stopNone {
				return stop
			}
		}
	}
}

func (a *actor) cancel(ctx context.Context) stopReason {
	if _, err := a.append(ctx, &models.Event{Type: models.EventCancelled}); err != nil {
		a.logger.Error("failed to journal cancellation", "error", err)
		return stopShutdown
	}
	return stopTerminal
}

// parkPaused blocks until RESUME or KILL.
func (a *actor) parkPaused(ctx context.Context) stopReason {
	pred := signals.Only(models.SignalKill, models.SignalResume)
	for {
		if sig, ok := a.queue.Pop(pred); ok {
			switch sig.Type {
			case models.SignalKill:
				return a.cancel(ctx)
			case models.SignalResume:
				if _, err := a.append(ctx, &models.Event{Type: models.EventResumed}); err != nil {
					a.logger.Error("failed to journal resume", "error", err)
					return stopShutdown
				}
				return stopNone
			}
			continue
		}
		select {
		case <-ctx.Done():
			return stopShutdown
		case <-a.queue.Wake():
		}
	}
}

// parkWaiting blocks until a webhook response, RESUME, or KILL. On a
// webhook response it journals WEBHOOK_RESPONSE and returns the parsed
// payload.
func (a *actor) parkWaiting(ctx context.Context) (map[string]any, stopReason) {
	pred := signals.Only(models.SignalKill, models.SignalResume, models.SignalWebhookResponse)
	for {
		if sig, ok := a.queue.Pop(pred); ok {
			switch sig.Type {
			case models.SignalKill:
				return nil, a.cancel(ctx)
			case models.SignalResume:
				if _, err := a.append(ctx, &models.Event{Type: models.EventResumed}); err != nil {
					a.logger.Error("failed to journal resume", "error", err)
					return nil, stopShutdown
				}
				return nil, stopNone
			case models.SignalWebhookResponse:
				if _, err := a.append(ctx, &models.Event{
					Type:     models.EventWebhookResponse,
					Response: sig.Payload,
				}); err != nil {
					a.logger.Error("failed to journal webhook response", "error", err)
					return nil, stopShutdown
				}
				var payload map[string]any
				if len(sig.Payload) > 0 {
					if err := json.Unmarshal(sig.Payload, &payload); err != nil {
						a.logger.Warn("webhook payload is not an object", "error", err)
					}
				}
				return payload, stopNone
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, stopShutdown
		case <-a.queue.Wake():
		}
	}
}

func (a *actor) executeBlock(ctx context.Context, block brain.Block, mode agentMode) (stopReason, error) {
	switch v := block.(type) {
	case brain.Agent:
		return a.executeAgent(ctx, v, mode)
	case brain.Step:
		return a.executeStep(ctx, v)
	case brain.BatchPrompt:
		return a.executeBatch(ctx, v)
	case brain.Guard:
		return a.executeGuard(ctx, v)
	case brain.Wait:
		return a.executeWait(ctx, v)
	case brain.SubBrain:
		return a.executeSubBrain(ctx, v)
	default:
		return stopNone, fmt.Errorf("%w: block kind %q", brain.ErrIRInvalid, block.Kind())
	}
}

func (a *actor) executeStep(ctx context.Context, step brain.Step) (stopReason, error) {
	if err := a.stepStart(ctx, step.Title); err != nil {
		return stopShutdown, nil
	}

	var result brain.StepResult
	err := a.withRetry(ctx, step.Retry, func() error {
		sc, scErr := a.stepContext()
		if scErr != nil {
			return scErr
		}
		var actErr error
		result, actErr = step.Action(ctx, sc)
		return actErr
	})
	if err != nil {
		return stopNone, err
	}

	newState := a.state
	if result.State != nil {
		data, err := json.Marshal(result.State)
		if err != nil {
			return stopNone, fmt.Errorf("marshal step state: %w", err)
		}
		newState = data
	}
	if err := a.stepComplete(ctx, step.Title, newState); err != nil {
		return stopNone, err
	}

	if len(result.WaitFor) > 0 {
		return a.parkOnWebhooks(ctx, result.WaitFor)
	}
	return stopNone, nil
}

func (a *actor) executeGuard(ctx context.Context, guard brain.Guard) (stopReason, error) {
	if err := a.stepStart(ctx, guard.Title); err != nil {
		return stopShutdown, nil
	}
	sc, err := a.stepContext()
	if err != nil {
		return stopNone, err
	}
	pass, err := guard.Predicate(sc)
	if err != nil {
		return stopNone, err
	}
	if !pass {
		if _, err := a.append(ctx, &models.Event{Type: models.EventComplete}); err != nil {
			a.logger.Error("failed to journal guard completion", "error", err)
			return stopShutdown, nil
		}
		return stopTerminal, nil
	}
	return stopNone, a.stepComplete(ctx, guard.Title, a.state)
}

func (a *actor) executeWait(ctx context.Context, wait brain.Wait) (stopReason, error) {
	if err := a.stepStart(ctx, wait.Title); err != nil {
		return stopShutdown, nil
	}
	sc, err := a.stepContext()
	if err != nil {
		return stopNone, err
	}
	result, regs, err := wait.Register(ctx, sc)
	if err != nil {
		return stopNone, err
	}

	newState := a.state
	if result.State != nil {
		data, err := json.Marshal(result.State)
		if err != nil {
			return stopNone, fmt.Errorf("marshal wait state: %w", err)
		}
		newState = data
	}
	if err := a.stepComplete(ctx, wait.Title, newState); err != nil {
		return stopNone, err
	}
	return a.parkOnWebhooks(ctx, regs)
}

func (a *actor) executeSubBrain(ctx context.Context, sub brain.SubBrain) (stopReason, error) {
	if err := a.stepStart(ctx, sub.Title); err != nil {
		return stopShutdown, nil
	}

	outer, err := a.stateObject()
	if err != nil {
		return stopNone, err
	}
	seed := outer
	if sub.SeedState != nil {
		seed = sub.SeedState(outer)
	}

	// The inner brain runs as its own journaled run; the outer block
	// waits for it to reach a terminal status.
	summaries, cancel := a.mgr.monitor.Bus().SubscribeRuns()
	defer cancel()

	childID, err := a.mgr.Start(ctx, sub.Brain.Title, StartOptions{
		Options:      a.options,
		InitialState: seed,
	})
	if err != nil {
		return stopNone, fmt.Errorf("start sub-brain %q: %w", sub.Brain.Title, err)
	}

	child, stop := a.awaitChild(ctx, childID, summaries)
	if stop != stopNone {
		return stop, nil
	}
	switch child.Status {
	case models.StatusComplete:
	case models.StatusError:
		return stopNone, fmt.Errorf("sub-brain %q failed: %s", sub.Brain.Title, child.Error.Message)
	default:
		return stopNone, fmt.Errorf("sub-brain %q ended %s", sub.Brain.Title, child.Status)
	}

	var inner map[string]any
	if len(child.State) > 0 {
		if err := json.Unmarshal(child.State, &inner); err != nil {
			return stopNone, fmt.Errorf("unmarshal sub-brain state: %w", err)
		}
	}
	folded := inner
	if sub.FoldState != nil {
		folded = sub.FoldState(outer, inner)
	}
	data, err := json.Marshal(folded)
	if err != nil {
		return stopNone, fmt.Errorf("marshal folded state: %w", err)
	}
	return stopNone, a.stepComplete(ctx, sub.Title, data)
}

func (a *actor) awaitChild(ctx context.Context, childID string, summaries <-chan models.RunSummary) (*models.Run, stopReason) {
	for {
		select {
		case <-ctx.Done():
			return nil, stopShutdown
		case summary := <-summaries:
			if summary.BrainRunID != childID || !summary.Status.Terminal() {
				continue
			}
			child, err := a.mgr.monitor.Run(ctx, childID)
			if err != nil {
				a.logger.Error("failed to load sub-brain run", "child_id", childID, "error", err)
				return nil, stopShutdown
			}
			return child, stopNone
		}
	}
}

// parkOnWebhooks journals the WEBHOOK event (which registers the
// waiters) and parks until a response arrives.
func (a *actor) parkOnWebhooks(ctx context.Context, regs []models.WebhookRegistration) (stopReason, error) {
	if err := brain.WaitRegistrations(regs); err != nil {
		return stopNone, err
	}
	if _, err := a.append(ctx, &models.Event{Type: models.EventWebhook, WaitFor: regs}); err != nil {
		a.logger.Error("failed to journal webhook registration", "error", err)
		return stopShutdown, nil
	}
	payload, stop := a.parkWaiting(ctx)
	if stop != stopNone {
		return stop, nil
	}
	a.response = payload
	return stopNone, nil
}

// withRetry runs fn under the block's retry policy: attempts beyond the
// first are announced with STEP_RETRY and delayed per the backoff.
func (a *actor) withRetry(ctx context.Context, policy *brain.RetryPolicy, fn func() error) error {
	maxRetries := 0
	if policy != nil {
		maxRetries = policy.MaxRetries
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if _, err := a.append(ctx, &models.Event{
				Type:    models.EventStepRetry,
				Attempt: attempt,
				Error:   models.SerializeError(lastErr),
			}); err != nil {
				a.logger.Error("failed to journal retry", "error", err)
				return lastErr
			}
			if err := a.sleep(ctx, policy.Delay(attempt)); err != nil {
				return lastErr
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (a *actor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (a *actor) stepStart(ctx context.Context, title string) error {
	idx := a.blockIdx
	_, err := a.append(ctx, &models.Event{
		Type:      models.EventStepStart,
		StepTitle: title,
		StepIndex: &idx,
	})
	if err != nil {
		a.logger.Error("failed to journal step start", "step", title, "error", err)
	}
	return err
}

// stepComplete computes the state delta, journals it, and adopts the
// monitor's folded projection as the new authoritative state.
func (a *actor) stepComplete(ctx context.Context, title string, newState json.RawMessage) error {
	delta, err := patch.DiffBytes(a.state, newState)
	if err != nil {
		return fmt.Errorf("diff step state: %w", err)
	}
	return a.stepCompletePatch(ctx, title, delta)
}

// stepCompletePatch journals STEP_COMPLETE with an already-computed
// state delta.
func (a *actor) stepCompletePatch(ctx context.Context, title string, delta json.RawMessage) error {
	idx := a.blockIdx
	run, err := a.append(ctx, &models.Event{
		Type:      models.EventStepComplete,
		StepTitle: title,
		StepIndex: &idx,
		Patch:     delta,
	})
	if err != nil {
		a.logger.Error("failed to journal step completion", "step", title, "error", err)
		return err
	}
	a.state = run.State
	return nil
}

func (a *actor) fail(ctx context.Context, err error) {
	a.logger.Error("run failed", "error", err)
	if _, appendErr := a.append(ctx, &models.Event{
		Type:  models.EventError,
		Error: models.SerializeError(err),
	}); appendErr != nil {
		a.logger.Error("failed to journal run error", "error", appendErr)
		return
	}
	a.finish(stopTerminal)
}

func (a *actor) append(ctx context.Context, event *models.Event) (*models.Run, error) {
	event.BrainRunID = a.brainRunID
	run, err := a.mgr.monitor.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	a.state = run.State
	return run, nil
}

// stepContext builds the capability bundle for the current block. The
// pending webhook response (if any) is consumed by the build.
func (a *actor) stepContext() (brain.StepContext, error) {
	state, err := a.stateObject()
	if err != nil {
		return brain.StepContext{}, err
	}
	var options map[string]any
	if len(a.options) > 0 {
		if err := json.Unmarshal(a.options, &options); err != nil {
			return brain.StepContext{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	response := a.response
	a.response = nil
	return brain.StepContext{
		State:     state,
		Options:   options,
		Response:  response,
		Client:    a.mgr.client,
		Resources: a.mgr.resources,
		Pages:     a.mgr.pages,
		Env:       a.mgr.env,
	}, nil
}

func (a *actor) stateObject() (map[string]any, error) {
	var state map[string]any
	if len(a.state) > 0 {
		if err := json.Unmarshal(a.state, &state); err != nil {
			return nil, fmt.Errorf("unmarshal run state: %w", err)
		}
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}
