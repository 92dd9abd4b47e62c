// Package runner executes brain runs. Each run is owned by a single
// actor goroutine that walks the brain's blocks, journals every
// transition through the monitor, honors control signals at cooperative
// checkpoints, and parks durably on webhooks, pauses, and process
// restarts.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/positronic-core/positronic/pkg/brain"
	"github.com/positronic-core/positronic/pkg/lifecycle"
	"github.com/positronic-core/positronic/pkg/llm"
	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
	"github.com/positronic-core/positronic/pkg/pages"
	"github.com/positronic-core/positronic/pkg/resources"
	"github.com/positronic-core/positronic/pkg/signals"
	"github.com/positronic-core/positronic/pkg/store"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrRunNotFound reports an operation against an unknown run.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal reports a signal against a finished run.
	ErrRunTerminal = errors.New("run already terminal")
)

// DefaultBatchChunkSize bounds batch fan-out when a block does not set
// its own chunk size.
const DefaultBatchChunkSize = 1

// Config wires the manager's collaborators.
type Config struct {
	Registry  brain.Manifest
	Monitor   *monitor.Monitor
	Hub       *signals.Hub
	Client    llm.ObjectGenerator
	Resources resources.Resources
	Pages     pages.Service
	Env       brain.Env
	Logger    *slog.Logger
}

// StartOptions parameterize a new run.
type StartOptions struct {
	// BrainRunID fixes the run id; empty generates one.
	BrainRunID string
	// Options is the opaque options object handed to every block.
	Options json.RawMessage
	// InitialState seeds the run state; nil starts from {}.
	InitialState map[string]any
}

// Manager owns the run actors.
type Manager struct {
	registry  brain.Manifest
	monitor   *monitor.Monitor
	hub       *signals.Hub
	client    llm.ObjectGenerator
	resources resources.Resources
	pages     pages.Service
	env       brain.Env
	logger    *slog.Logger

	mu     sync.Mutex
	actors map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager from its collaborators.
func NewManager(cfg Config) *Manager {
	return &Manager{
		registry:  cfg.Registry,
		monitor:   cfg.Monitor,
		hub:       cfg.Hub,
		client:    cfg.Client,
		resources: cfg.Resources,
		pages:     cfg.Pages,
		env:       cfg.Env,
		logger:    cfg.Logger.With("component", "runner"),
		actors:    make(map[string]context.CancelFunc),
	}
}

// Start creates a run for the named brain and launches its actor. The
// run id is returned immediately; execution proceeds asynchronously.
func (m *Manager) Start(ctx context.Context, brainTitle string, opts StartOptions) (string, error) {
	b, err := m.registry.Resolve(brainTitle)
	if err != nil {
		return "", err
	}

	brainRunID := opts.BrainRunID
	if brainRunID == "" {
		brainRunID = uuid.NewString()
	}

	state := json.RawMessage(`{}`)
	if opts.InitialState != nil {
		data, err := json.Marshal(opts.InitialState)
		if err != nil {
			return "", fmt.Errorf("marshal initial state: %w", err)
		}
		state = data
	}

	run := &models.Run{
		BrainRunID:       brainRunID,
		BrainTitle:       b.Title,
		BrainDescription: b.Description,
		Status:           models.StatusPending,
		Options:          opts.Options,
		State:            state,
	}
	if err := m.monitor.CreateRun(ctx, run); err != nil {
		return "", err
	}

	m.spawn(brainRunID, b, false)
	return brainRunID, nil
}

// Signal validates and enqueues a control signal for a run. Returns
// ErrRunNotFound for unknown runs, ErrRunTerminal for finished ones,
// and lifecycle.ErrTransitionDenied when the signal is not admissible
// from the run's current status.
func (m *Manager) Signal(ctx context.Context, brainRunID string, sig models.Signal) error {
	run, err := m.monitor.Run(ctx, brainRunID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %q", ErrRunNotFound, brainRunID)
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrRunTerminal, brainRunID, run.Status)
	}
	if !lifecycle.IsSignalValid(run.Status, sig.Type) {
		return fmt.Errorf("%w: %s while %s", lifecycle.ErrTransitionDenied, sig.Type, run.Status)
	}
	return m.hub.Enqueue(brainRunID, sig)
}

// Kill requests cancellation of a run.
func (m *Manager) Kill(ctx context.Context, brainRunID string) error {
	return m.Signal(ctx, brainRunID, models.Signal{Type: models.SignalKill})
}

// Recover relaunches actors for every non-terminal run found at boot.
// Runs that were executing when the process died get a RESTART event;
// parked runs resume parked.
func (m *Manager) Recover(ctx context.Context) error {
	active, err := m.monitor.Active(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, run := range active {
		b, err := m.registry.Resolve(run.BrainTitle)
		if err != nil {
			m.logger.ErrorContext(ctx, "cannot recover run: brain no longer registered",
				"brain_run_id", run.BrainRunID, "brain_title", run.BrainTitle)
			_, appendErr := m.monitor.Append(ctx, &models.Event{
				BrainRunID: run.BrainRunID,
				Type:       models.EventError,
				Error:      models.SerializeError(err),
			})
			if appendErr != nil {
				m.logger.ErrorContext(ctx, "failed to journal recovery error",
					"brain_run_id", run.BrainRunID, "error", appendErr)
			}
			continue
		}

		if run.Status == models.StatusRunning {
			if _, err := m.monitor.Append(ctx, &models.Event{
				BrainRunID: run.BrainRunID,
				Type:       models.EventRestart,
			}); err != nil {
				m.logger.ErrorContext(ctx, "failed to journal restart",
					"brain_run_id", run.BrainRunID, "error", err)
				continue
			}
		}

		resume := run.Status != models.StatusPending
		m.spawn(run.BrainRunID, b, resume)
		m.logger.InfoContext(ctx, "recovered run",
			"brain_run_id", run.BrainRunID, "status", run.Status)
	}
	return nil
}

// Wait blocks until all actors have exited. Intended for tests and
// synchronous tools.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels every actor and waits for them to exit. Runs are not
// failed: their journals stay as-is for recovery on next boot.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.actors {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) spawn(brainRunID string, b *brain.Brain, resume bool) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.actors[brainRunID] = cancel
	m.mu.Unlock()

	a := &actor{
		mgr:        m,
		brainRunID: brainRunID,
		brain:      b,
		queue:      m.hub.Queue(brainRunID),
		logger:     m.logger.With("brain_run_id", brainRunID, "brain_title", b.Title),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer m.release(brainRunID)
		a.run(ctx, resume)
	}()
}

func (m *Manager) release(brainRunID string) {
	m.mu.Lock()
	delete(m.actors, brainRunID)
	m.mu.Unlock()
}
