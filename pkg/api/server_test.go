package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/pages"
	"github.com/positronic-core/positronic/pkg/runner"
	"github.com/positronic-core/positronic/pkg/scheduler"
	"github.com/positronic-core/positronic/pkg/store"
	"github.com/positronic-core/positronic/pkg/webhook"
)

type stubRuns struct {
	mu        sync.Mutex
	registry  brain.Manifest
	started   []string
	signals   []models.Signal
	killed    []string
	signalErr error
	killErr   error
}

func (s *stubRuns) Start(ctx context.Context, brainTitle string, opts runner.StartOptions) (string, error) {
	if _, err := s.registry.Resolve(brainTitle); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, brainTitle)
	return fmt.Sprintf("run-%d", len(s.started)), nil
}

func (s *stubRuns) Signal(ctx context.Context, brainRunID string, sig models.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalErr != nil {
		return s.signalErr
	}
	s.signals = append(s.signals, sig)
	return nil
}

func (s *stubRuns) Kill(ctx context.Context, brainRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killErr != nil {
		return s.killErr
	}
	s.killed = append(s.killed, brainRunID)
	return nil
}

type harness struct {
	server *httptest.Server
	store  *store.Memory
	mon    *monitor.Monitor
	runs   *stubRuns
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	mon := monitor.New(st, logger)

	reg := brain.NewRegistry()
	reg.MustRegister(&brain.Brain{
		Title:       "daily-digest",
		Description: "summarize the day",
		Blocks: []brain.Block{brain.Step{Title: "digest", Action: func(ctx context.Context, sc brain.StepContext) (brain.StepResult, error) {
			return brain.StepResult{}, nil
		}}},
	})

	runs := &stubRuns{registry: reg}
	srv := NewServer(Config{
		Registry:  reg,
		Monitor:   mon,
		Runs:      runs,
		Scheduler: scheduler.New(st, runs, reg, mon, logger),
		Webhooks:  webhook.NewRouter(mon, runs, logger),
		Logger:    logger,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, store: st, mon: mon, runs: runs}
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (h *harness) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, h.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedRun(t *testing.T, mon *monitor.Monitor, brainRunID, title string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mon.CreateRun(ctx, &models.Run{BrainRunID: brainRunID, BrainTitle: title}))
	_, err := mon.Append(ctx, &models.Event{BrainRunID: brainRunID, Type: models.EventStart})
	require.NoError(t, err)
}

func TestCreateRun(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/brains/runs", CreateRunRequest{BrainTitle: "daily-digest"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[CreateRunResponse](t, resp)
	assert.Equal(t, "run-1", created.BrainRunID)

	// identifier is an alias for brainTitle.
	resp = h.postJSON(t, "/api/v1/brains/runs", CreateRunRequest{Identifier: "daily-digest"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/v1/brains/runs", CreateRunRequest{BrainTitle: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/v1/brains/runs", CreateRunRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListAndSearchBrains(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/brains")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	brains := decode[[]brain.Info](t, resp)
	require.Len(t, brains, 1)
	assert.Equal(t, "daily-digest", brains[0].Title)

	resp = h.get(t, "/api/v1/brains?q=summarize")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]brain.Info](t, resp), 1)

	resp = h.get(t, "/api/v1/brains?q=zebra")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]brain.Info](t, resp))
}

func TestBrainHistory(t *testing.T) {
	h := newHarness(t)
	seedRun(t, h.mon, "run-a", "daily-digest")

	resp := h.get(t, "/api/v1/brains/daily-digest/history?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]models.RunSummary](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, "run-a", history[0].BrainRunID)

	resp = h.get(t, "/api/v1/brains/unknown/history")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/api/v1/brains/daily-digest/history?limit=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetRunAndEvents(t *testing.T) {
	h := newHarness(t)
	seedRun(t, h.mon, "run-a", "daily-digest")

	resp := h.get(t, "/api/v1/brains/runs/run-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[models.Run](t, resp)
	assert.Equal(t, models.StatusRunning, run.Status)

	resp = h.get(t, "/api/v1/brains/runs/run-a/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]*models.Event](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStart, events[0].Type)

	// since replays strictly after the given seq.
	resp = h.get(t, "/api/v1/brains/runs/run-a/events?since=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*models.Event](t, resp))

	resp = h.get(t, "/api/v1/brains/runs/missing/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/api/v1/brains/runs/run-a/events?since=banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestKillRun(t *testing.T) {
	h := newHarness(t)

	resp := h.delete(t, "/api/v1/brains/runs/run-a")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, []string{"run-a"}, h.runs.killed)

	h.runs.killErr = runner.ErrRunTerminal
	resp = h.delete(t, "/api/v1/brains/runs/run-a")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	h.runs.killErr = runner.ErrRunNotFound
	resp = h.delete(t, "/api/v1/brains/runs/run-a")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSignalRun(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/brains/runs/run-a/signals", SignalRequest{Type: models.SignalPause})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decode[SignalAccepted](t, resp)
	assert.Equal(t, models.SignalPause, accepted.Type)
	require.Len(t, h.runs.signals, 1)

	resp = h.postJSON(t, "/api/v1/brains/runs/run-a/signals", SignalRequest{Type: "EXPLODE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	h.runs.signalErr = lifecycle.ErrTransitionDenied
	resp = h.postJSON(t, "/api/v1/brains/runs/run-a/signals", SignalRequest{Type: models.SignalResume})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestScheduleEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/schedules", CreateScheduleRequest{BrainTitle: "daily-digest", Cron: "*/5 * * * *"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	schedule := decode[models.Schedule](t, resp)
	assert.True(t, schedule.Enabled)

	resp = h.postJSON(t, "/api/v1/schedules", CreateScheduleRequest{BrainTitle: "daily-digest", Cron: "not a cron"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/v1/schedules", CreateScheduleRequest{BrainTitle: "nope", Cron: "*/5 * * * *"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/api/v1/schedules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*models.Schedule](t, resp), 1)

	runID := "run-9"
	require.NoError(t, h.store.CreateScheduledRun(context.Background(), &models.ScheduledRun{
		ID: "sr-1", ScheduleID: schedule.ID, BrainRunID: &runID,
		Status: models.ScheduledRunTriggered, RanAt: time.Now().UTC(),
	}))

	resp = h.get(t, "/api/v1/schedules/runs?scheduleId="+schedule.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*models.ScheduledRun](t, resp), 1)

	resp = h.get(t, "/api/v1/schedules/runs?scheduleId="+schedule.ID+"&status=complete")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*models.ScheduledRun](t, resp))

	resp = h.get(t, "/api/v1/schedules/runs?scheduleId="+schedule.ID+"&status=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.delete(t, "/api/v1/schedules/"+schedule.ID)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/api/v1/schedules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*models.Schedule](t, resp))
}

func TestWebhookDelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutWaiters(context.Background(), []models.Waiter{
		{BrainRunID: "run-1", Slug: "approval", Identifier: "req-1", ExpectedToken: "T1"},
	}))

	resp := h.postJSON(t, "/webhooks/approval?identifier=req-1", map[string]any{
		webhook.TokenField: "T1",
		"decision":         "yes",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	delivered := decode[webhook.Response](t, resp)
	assert.Equal(t, webhook.ActionResumed, delivered.Action)
	require.Len(t, h.runs.signals, 1)
	assert.Equal(t, models.SignalWebhookResponse, h.runs.signals[0].Type)

	resp = h.postJSON(t, "/webhooks/approval?identifier=nobody", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUIFormDelivery(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutWaiters(context.Background(), []models.Waiter{
		{BrainRunID: "run-2", Slug: webhook.UIFormSlug, Identifier: "page-1", ExpectedToken: "tok"},
	}))

	form := url.Values{
		"identifier":       {"page-1"},
		webhook.TokenField: {"tok"},
		"choice":           {"approve"},
	}
	resp, err := http.PostForm(h.server.URL+"/webhooks/system/ui-form", form)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	delivered := decode[webhook.Response](t, resp)
	assert.Equal(t, webhook.ActionResumed, delivered.Action)

	resp, err = http.PostForm(h.server.URL+"/webhooks/system/ui-form", url.Values{"choice": {"approve"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthWithoutDatabase(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, healthStatusHealthy, health.Status)
}

type stubPages struct {
	html map[string]string
}

func (p *stubPages) Create(ctx context.Context, html string) (pages.Page, error) {
	return pages.Page{}, nil
}

func (p *stubPages) Get(ctx context.Context, id string) (string, error) {
	html, ok := p.html[id]
	if !ok {
		return "", pages.ErrNotFound
	}
	return html, nil
}

func (p *stubPages) Update(ctx context.Context, id, html string) error { return nil }

func (p *stubPages) Exists(ctx context.Context, id string) (bool, error) {
	_, ok := p.html[id]
	return ok, nil
}

func TestServeGeneratedPage(t *testing.T) {
	h := newHarness(t)

	// Without a pages backend the route degrades.
	resp := h.get(t, "/pages/abc")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{
		Registry: brain.NewRegistry(),
		Monitor:  h.mon,
		Runs:     h.runs,
		Webhooks: webhook.NewRouter(h.mon, h.runs, logger),
		Pages:    &stubPages{html: map[string]string{"abc": "<h1>approve?</h1>"}},
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/pages/abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>approve?</h1>", string(body))

	resp, err = http.Get(ts.URL + "/pages/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWatchStreamsRunningSet(t *testing.T) {
	h := newHarness(t)
	seedRun(t, h.mon, "run-live", "daily-digest")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/api/v1/brains/watch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	readFrame := func() WatchPayload {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var payload WatchPayload
				require.NoError(t, json.Unmarshal([]byte(data), &payload))
				return payload
			}
		}
		t.Fatal("stream closed before a data frame arrived")
		return WatchPayload{}
	}

	// The initial frame carries the already-running set.
	payload := readFrame()
	require.Len(t, payload.RunningBrains, 1)
	assert.Equal(t, "run-live", payload.RunningBrains[0].BrainRunID)

	// A projection change re-emits the frame without the finished run.
	_, err = h.mon.Append(ctx, &models.Event{BrainRunID: "run-live", Type: models.EventComplete})
	require.NoError(t, err)
	payload = readFrame()
	assert.Empty(t, payload.RunningBrains)
}
