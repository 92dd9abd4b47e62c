package monitor

import (
	"sync"

	"github.com/google/uuid"

	"github.com/positronic-core/positronic/pkg/models"
)

// subscriber buffer size. Slow subscribers lose events rather than
// blocking the append path; stream consumers recover via catchup.
const subscriberBuffer = 64

// Bus fans appended events out to in-process subscribers: the websocket
// and SSE layers, and the scheduler's completion watcher.
type Bus struct {
	mu       sync.RWMutex
	runSubs  map[string]map[string]chan *models.Event
	runsSubs map[string]chan models.RunSummary
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		runSubs:  make(map[string]map[string]chan *models.Event),
		runsSubs: make(map[string]chan models.RunSummary),
	}
}

// SubscribeRun delivers every event appended to the run. The returned
// cancel func must be called to release the subscription.
func (b *Bus) SubscribeRun(brainRunID string) (<-chan *models.Event, func()) {
	id := uuid.NewString()
	ch := make(chan *models.Event, subscriberBuffer)

	b.mu.Lock()
	subs, ok := b.runSubs[brainRunID]
	if !ok {
		subs = make(map[string]chan *models.Event)
		b.runSubs[brainRunID] = subs
	}
	subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.runSubs[brainRunID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.runSubs, brainRunID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeRuns delivers a run summary on every projection change,
// across all runs.
func (b *Bus) SubscribeRuns() (<-chan models.RunSummary, func()) {
	id := uuid.NewString()
	ch := make(chan models.RunSummary, subscriberBuffer)

	b.mu.Lock()
	b.runsSubs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.runsSubs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// publish fans one append out. Sends never block: a full subscriber
// channel drops the delivery.
func (b *Bus) publish(event *models.Event, summary models.RunSummary) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.runSubs[event.BrainRunID] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.runsSubs {
		select {
		case ch <- summary:
		default:
		}
	}
}
