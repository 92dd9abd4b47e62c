// Package signals delivers out-of-band control messages to running
// brains. Each run owns one bounded queue; delivery order is by signal
// priority, FIFO within a priority class.
package signals

import (
	"errors"
	"sort"
	"sync"

	"github.com/positronic-core/positronic/pkg/models"
)

// DefaultCapacity bounds a run's queue when no capacity is configured.
const DefaultCapacity = 64

// Sentinel errors.
var (
	// ErrQueueFull reports a non-blocking enqueue against a full queue.
	ErrQueueFull = errors.New("signal queue full")
	// ErrQueueClosed reports an enqueue after the run reached a
	// terminal status.
	ErrQueueClosed = errors.New("signal queue closed")
)

// Predicate selects which signal types a Pop may consume.
type Predicate func(models.SignalType) bool

// Any admits every signal type.
func Any(models.SignalType) bool { return true }

// Control admits the signals that pre-empt block execution.
func Control(t models.SignalType) bool {
	return t == models.SignalKill || t == models.SignalPause
}

// Only admits exactly the listed signal types.
func Only(types ...models.SignalType) Predicate {
	return func(t models.SignalType) bool {
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}
}

type entry struct {
	signal models.Signal
	order  uint64
}

// Queue is one run's signal mailbox. Enqueue never blocks; consumers
// wait on Wake and then Pop.
type Queue struct {
	mu       sync.Mutex
	capacity int
	next     uint64
	entries  []entry
	wake     chan struct{}
	closed   bool
}

// NewQueue returns an empty queue. capacity <= 0 selects
// DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds a signal without blocking.
func (q *Queue) Enqueue(sig models.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.entries) >= q.capacity {
		return ErrQueueFull
	}
	q.entries = append(q.entries, entry{signal: sig, order: q.next})
	q.next++
	sort.SliceStable(q.entries, func(i, j int) bool {
		pi, pj := q.entries[i].signal.Type.Priority(), q.entries[j].signal.Type.Priority()
		if pi != pj {
			return pi < pj
		}
		return q.entries[i].order < q.entries[j].order
	})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake signals pending deliveries. The channel carries at most one
// token; consumers must Pop until empty after each receive.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Pop consumes the highest-priority signal admitted by pred. Returns
// false when no admitted signal is queued.
func (q *Queue) Pop(pred Predicate) (models.Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if pred(e.signal.Type) {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e.signal, true
		}
	}
	return models.Signal{}, false
}

// Len returns the number of queued signals.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close rejects further enqueues and drops queued signals. Called when
// the run reaches a terminal status.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.entries = nil
}

// Hub owns the per-run queues.
type Hub struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{queues: make(map[string]*Queue)}
}

// Queue returns the run's queue, creating it on first use.
func (h *Hub) Queue(brainRunID string) *Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[brainRunID]
	if !ok {
		q = NewQueue(0)
		h.queues[brainRunID] = q
	}
	return q
}

// Enqueue delivers a signal to the run's queue.
func (h *Hub) Enqueue(brainRunID string, sig models.Signal) error {
	return h.Queue(brainRunID).Enqueue(sig)
}

// Remove closes and forgets a run's queue.
func (h *Hub) Remove(brainRunID string) {
	h.mu.Lock()
	q, ok := h.queues[brainRunID]
	delete(h.queues, brainRunID)
	h.mu.Unlock()
	if ok {
		q.Close()
	}
}
