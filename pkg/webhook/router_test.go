package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/signals"
	"github.com/positronic-core/positronic/pkg/store"
)

type stubSignaler struct {
	signals []models.Signal
	runIDs  []string
	err     error
}

func (s *stubSignaler) Signal(ctx context.Context, brainRunID string, sig models.Signal) error {
	if s.err != nil {
		return s.err
	}
	s.runIDs = append(s.runIDs, brainRunID)
	s.signals = append(s.signals, sig)
	return nil
}

func newRouter(t *testing.T, waiters ...models.Waiter) (*Router, *stubSignaler, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	if len(waiters) > 0 {
		require.NoError(t, st.PutWaiters(context.Background(), waiters))
	}
	runs := &stubSignaler{}
	return NewRouter(monitor.New(st, logger), runs, logger), runs, st
}

func TestDeliverResumesWaitingRun(t *testing.T) {
	router, runs, _ := newRouter(t, models.Waiter{
		BrainRunID: "run-1", Slug: "approval", Identifier: "req-1", ExpectedToken: "T1",
	})

	resp := router.Deliver(context.Background(), "approval", "req-1", map[string]any{
		TokenField: "T1",
		"x":        1,
	})

	assert.True(t, resp.Received)
	assert.Equal(t, ActionResumed, resp.Action)
	assert.Equal(t, "run-1", resp.BrainRunID)
	assert.Equal(t, http.StatusOK, resp.Status)

	require.Len(t, runs.signals, 1)
	assert.Equal(t, models.SignalWebhookResponse, runs.signals[0].Type)
	// The CSRF token never reaches the run.
	assert.JSONEq(t, `{"x":1}`, string(runs.signals[0].Payload))
}

func TestDeliverRejectsTokenMismatch(t *testing.T) {
	router, runs, _ := newRouter(t, models.Waiter{
		BrainRunID: "run-1", Slug: "approval", Identifier: "req-1", ExpectedToken: "T1",
	})

	resp := router.Deliver(context.Background(), "approval", "req-1", map[string]any{
		TokenField: "WRONG",
		"x":        1,
	})

	assert.False(t, resp.Received)
	assert.Equal(t, ActionIgnored, resp.Action)
	assert.Equal(t, "token mismatch", resp.Reason)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Empty(t, runs.signals)

	// A missing token is a mismatch too when one is expected.
	resp = router.Deliver(context.Background(), "approval", "req-1", map[string]any{"x": 1})
	assert.Equal(t, ActionIgnored, resp.Action)
	assert.Empty(t, runs.signals)
}

func TestDeliverAcceptsTokenlessWaiter(t *testing.T) {
	router, runs, _ := newRouter(t, models.Waiter{
		BrainRunID: "run-2", Slug: "callback", Identifier: "job-7",
	})

	resp := router.Deliver(context.Background(), "callback", "job-7", map[string]any{"ok": true})
	assert.Equal(t, ActionResumed, resp.Action)
	require.Len(t, runs.signals, 1)
}

func TestDeliverUnknownWaiter(t *testing.T) {
	router, runs, _ := newRouter(t)

	resp := router.Deliver(context.Background(), "approval", "nobody", map[string]any{})
	assert.True(t, resp.Received)
	assert.Equal(t, ActionNotFound, resp.Action)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, runs.signals)
}

func TestDeliverInadmissibleRun(t *testing.T) {
	router, runs, _ := newRouter(t, models.Waiter{
		BrainRunID: "run-3", Slug: "approval", Identifier: "req-9",
	})
	runs.err = lifecycle.ErrTransitionDenied

	resp := router.Deliver(context.Background(), "approval", "req-9", map[string]any{})
	assert.False(t, resp.Received)
	assert.Equal(t, ActionIgnored, resp.Action)
	assert.Equal(t, http.StatusOK, resp.Status)

	// The rejected delivery put the waiter back; a retry after the run
	// settles still lands.
	runs.err = nil
	resp = router.Deliver(context.Background(), "approval", "req-9", map[string]any{})
	assert.Equal(t, ActionResumed, resp.Action)
	require.Len(t, runs.signals, 1)
}

func TestDeliverClaimsWaiterOnce(t *testing.T) {
	router, runs, st := newRouter(t, models.Waiter{
		BrainRunID: "run-5", Slug: "approval", Identifier: "req-1",
	})

	first := router.Deliver(context.Background(), "approval", "req-1", map[string]any{"v": "A"})
	assert.Equal(t, ActionResumed, first.Action)

	// The run has not journaled the response yet, so its waiter rows are
	// still pending cleanup; a duplicate must not be answered with the
	// same waiter.
	second := router.Deliver(context.Background(), "approval", "req-1", map[string]any{"v": "A"})
	assert.Equal(t, ActionNotFound, second.Action)
	assert.Equal(t, http.StatusNotFound, second.Status)

	require.Len(t, runs.signals, 1)
	_, err := st.FindWaiter(context.Background(), "approval", "req-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeliverVerificationChallenge(t *testing.T) {
	router, runs, _ := newRouter(t)

	resp := router.Deliver(context.Background(), "slack", "", map[string]any{
		"type":      "verification",
		"challenge": "abc123",
	})

	assert.Equal(t, ActionVerification, resp.Action)
	assert.Equal(t, "abc123", resp.Challenge)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, runs.signals)
}

// gateBrain parks twice in a row, recording each gate's payload field
// "v" into its own state key.
func gateBrain() *brain.Brain {
	gate := func(title, slug, identifier string) brain.Wait {
		return brain.Wait{Title: title, Register: func(ctx context.Context, sc brain.StepContext) (brain.StepResult, []models.WebhookRegistration, error) {
			return brain.StepResult{}, []models.WebhookRegistration{{Slug: slug, Identifier: identifier}}, nil
		}}
	}
	record := func(title, key string) brain.Step {
		return brain.Step{Title: title, Action: func(ctx context.Context, sc brain.StepContext) (brain.StepResult, error) {
			next := sc.State
			next[key] = sc.Response["v"]
			return brain.StepResult{State: next}, nil
		}}
	}
	return &brain.Brain{
		Title: "double-gate",
		Blocks: []brain.Block{
			gate("first gate", "hook-a", "id-a"),
			record("record first", "first"),
			gate("second gate", "hook-b", "id-b"),
			record("record second", "second"),
		},
	}
}

func TestDuplicateDeliveryDoesNotSatisfyNextWait(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	mon := monitor.New(st, logger)
	reg := brain.NewRegistry()
	require.NoError(t, reg.Register(gateBrain()))
	mgr := runner.NewManager(runner.Config{
		Registry: reg,
		Monitor:  mon,
		Hub:      signals.NewHub(),
		Logger:   logger,
	})
	t.Cleanup(mgr.Shutdown)
	router := NewRouter(mon, mgr, logger)

	waitWaiter := func(slug, identifier string) {
		t.Helper()
		require.Eventually(t, func() bool {
			_, err := st.FindWaiter(ctx, slug, identifier)
			return err == nil
		}, 5*time.Second, 5*time.Millisecond, "waiter %s/%s never registered", slug, identifier)
	}

	id, err := mgr.Start(ctx, "double-gate", runner.StartOptions{})
	require.NoError(t, err)
	waitWaiter("hook-a", "id-a")

	resp := router.Deliver(ctx, "hook-a", "id-a", map[string]any{"v": "A"})
	assert.Equal(t, ActionResumed, resp.Action)

	// A duplicate of the first delivery, sent before the run has worked
	// through the first one, must not queue a second response that the
	// second gate would then adopt as its own.
	dup := router.Deliver(ctx, "hook-a", "id-a", map[string]any{"v": "A"})
	assert.Equal(t, ActionNotFound, dup.Action)

	// The run parks at the second gate instead of completing early.
	waitWaiter("hook-b", "id-b")
	run, err := mon.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, run.Status)

	resp = router.Deliver(ctx, "hook-b", "id-b", map[string]any{"v": "B"})
	assert.Equal(t, ActionResumed, resp.Action)

	require.Eventually(t, func() bool {
		run, err = mon.Run(ctx, id)
		return err == nil && run.Status == models.StatusComplete
	}, 5*time.Second, 5*time.Millisecond, "run never completed")
	assert.JSONEq(t, `{"first":"A","second":"B"}`, string(run.State))
}

func TestFormPayloadPreservesArrays(t *testing.T) {
	payload := FormPayload(url.Values{
		"identifier": {"req-1"},
		"choice":     {"yes"},
		"tags[]":     {"red", "blue"},
		"multi":      {"a", "b"},
	})

	assert.Equal(t, "req-1", payload["identifier"])
	assert.Equal(t, "yes", payload["choice"])
	assert.Equal(t, []string{"red", "blue"}, payload["tags"])
	assert.Equal(t, []string{"a", "b"}, payload["multi"])
}

func TestDeliverFormRequiresIdentifier(t *testing.T) {
	router, runs, _ := newRouter(t, models.Waiter{
		BrainRunID: "run-4", Slug: UIFormSlug, Identifier: "page-1", ExpectedToken: "tok",
	})

	_, err := router.DeliverForm(context.Background(), url.Values{"choice": {"yes"}})
	assert.ErrorIs(t, err, ErrMissingIdentifier)

	resp, err := router.DeliverForm(context.Background(), url.Values{
		"identifier": {"page-1"},
		TokenField:   {"tok"},
		"choice":     {"yes"},
	})
	require.NoError(t, err)
	assert.Equal(t, ActionResumed, resp.Action)
	require.Len(t, runs.signals, 1)
	assert.JSONEq(t, `{"identifier":"page-1","choice":"yes"}`, string(runs.signals[0].Payload))
}
