package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/positronic-core/positronic/pkg/models"
)

func TestPopOrdersByPriority(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage, Content: "hi"}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalPause}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalKill}))

	sig, ok := q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, models.SignalKill, sig.Type)

	sig, ok = q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, models.SignalPause, sig.Type)

	sig, ok = q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, models.SignalUserMessage, sig.Type)

	_, ok = q.Pop(Any)
	assert.False(t, ok)
}

func TestPopIsFIFOWithinPriority(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage, Content: "first"}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage, Content: "second"}))

	sig, ok := q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, "first", sig.Content)
	sig, ok = q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, "second", sig.Content)
}

func TestPopFilterSkipsUnmatched(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage, Content: "hi"}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalPause}))

	// Control drain skips the user message even though both are queued.
	sig, ok := q.Pop(Control)
	require.True(t, ok)
	assert.Equal(t, models.SignalPause, sig.Type)

	_, ok = q.Pop(Control)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len(), "user message stays queued")
}

func TestEnqueueBounded(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalUserMessage}))
	err := q.Enqueue(models.Signal{Type: models.SignalUserMessage})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWakeCoalesces(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalPause}))
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalKill}))

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake token")
	}
	// Both signals are drained off a single wake.
	_, ok := q.Pop(Any)
	require.True(t, ok)
	_, ok = q.Pop(Any)
	require.True(t, ok)

	select {
	case <-q.Wake():
		t.Fatal("wake must coalesce to a single token")
	default:
	}
}

func TestClosedQueueRejectsSignals(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(models.Signal{Type: models.SignalPause}))
	q.Close()

	err := q.Enqueue(models.Signal{Type: models.SignalKill})
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, ok := q.Pop(Any)
	assert.False(t, ok, "close drops queued signals")
}

func TestHubLifecycle(t *testing.T) {
	h := NewHub()
	require.NoError(t, h.Enqueue("run-1", models.Signal{Type: models.SignalPause}))

	q := h.Queue("run-1")
	sig, ok := q.Pop(Any)
	require.True(t, ok)
	assert.Equal(t, models.SignalPause, sig.Type)

	h.Remove("run-1")
	err := q.Enqueue(models.Signal{Type: models.SignalKill})
	assert.ErrorIs(t, err, ErrQueueClosed)

	// A fresh queue is created on next use.
	require.NoError(t, h.Enqueue("run-1", models.Signal{Type: models.SignalResume}))
}
