// Package stream serves live run events over WebSocket. Clients
// subscribe to per-run channels ("run:<brainRunId>") or the running-set
// channel ("runs"); subscriptions are fed from the monitor bus, with
// catchup from the journal so late subscribers miss nothing.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/positronic-core/positronic/pkg/models"
	"github.com/positronic-core/positronic/pkg/monitor"
)

// RunsChannel carries a summary message for every run projection change.
const RunsChannel = "runs"

const runChannelPrefix = "run:"

// catchupLimit caps the events replayed on subscribe. Beyond it the
// client is told to reload over REST.
const catchupLimit = 200

// DefaultWriteTimeout bounds a single WebSocket send.
const DefaultWriteTimeout = 10 * time.Second

// RunChannel names the per-run event channel.
func RunChannel(brainRunID string) string {
	return runChannelPrefix + brainRunID
}

// ClientMessage is what clients send over the socket.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	LastSeq *int64 `json:"lastSeq,omitempty"`
}

// eventMessage wraps a journal event for the wire.
type eventMessage struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel"`
	Event   *models.Event `json:"event"`
}

// summaryMessage wraps a run summary for the runs channel.
type summaryMessage struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel"`
	Run     models.RunSummary `json:"run"`
}

// connection is one WebSocket client. subscriptions is only touched by
// the goroutine that owns the read loop.
type connection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// channelState tracks a channel's subscribers and the bus pump feeding
// it. The pump runs while at least one subscriber remains.
type channelState struct {
	subscribers map[string]bool
	stopPump    func()
}

// Manager owns the WebSocket connections and their channel fan-out.
type Manager struct {
	monitor      *monitor.Monitor
	logger       *slog.Logger
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*connection

	channelMu sync.Mutex
	channels  map[string]*channelState
}

// NewManager builds a manager over the monitor's bus and journal.
func NewManager(mon *monitor.Monitor, writeTimeout time.Duration, logger *slog.Logger) *Manager {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Manager{
		monitor:      mon,
		logger:       logger.With("component", "stream"),
		writeTimeout: writeTimeout,
		connections:  make(map[string]*connection),
		channels:     make(map[string]*channelState),
	}
}

// HandleConnection runs a single client's read loop. Called by the
// HTTP handler after the upgrade; blocks until the socket closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            uuid.NewString(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":         "connection.established",
		"connectionId": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid client message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// ActiveConnections returns the number of connected clients.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) handleClientMessage(ctx context.Context, c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if !validChannel(msg.Channel) {
			m.sendJSON(c, map[string]string{"type": "error", "message": "unknown channel"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		var since int64
		if msg.LastSeq != nil {
			since = *msg.LastSeq
		}
		m.catchup(ctx, c, msg.Channel, since)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" || msg.LastSeq == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel and lastSeq are required for catchup"})
			return
		}
		m.catchup(ctx, c, msg.Channel, *msg.LastSeq)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func validChannel(channel string) bool {
	if channel == RunsChannel {
		return true
	}
	id, ok := strings.CutPrefix(channel, runChannelPrefix)
	return ok && id != ""
}

// subscribe registers the connection and starts the channel's bus pump
// on first subscriber.
func (m *Manager) subscribe(c *connection, channel string) {
	m.channelMu.Lock()
	state, ok := m.channels[channel]
	if !ok {
		state = &channelState{subscribers: make(map[string]bool)}
		state.stopPump = m.startPump(channel)
		m.channels[channel] = state
	}
	state.subscribers[c.id] = true
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

// unsubscribe removes the connection and stops the pump when the last
// subscriber leaves.
func (m *Manager) unsubscribe(c *connection, channel string) {
	m.channelMu.Lock()
	if state, ok := m.channels[channel]; ok {
		delete(state.subscribers, c.id)
		if len(state.subscribers) == 0 {
			delete(m.channels, channel)
			state.stopPump()
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// startPump wires a bus subscription into the channel's broadcast.
func (m *Manager) startPump(channel string) func() {
	done := make(chan struct{})
	if brainRunID, ok := strings.CutPrefix(channel, runChannelPrefix); ok {
		events, cancelSub := m.monitor.Bus().SubscribeRun(brainRunID)
		go func() {
			for {
				select {
				case <-done:
					return
				case ev := <-events:
					m.broadcast(channel, eventMessage{Type: "run.event", Channel: channel, Event: ev})
				}
			}
		}()
		return func() { cancelSub(); close(done) }
	}

	summaries, cancelSub := m.monitor.Bus().SubscribeRuns()
	go func() {
		for {
			select {
			case <-done:
				return
			case summary := <-summaries:
				m.broadcast(channel, summaryMessage{Type: "runs.update", Channel: channel, Run: summary})
			}
		}
	}()
	return func() { cancelSub(); close(done) }
}

// catchup replays missed history to one client: journal events for run
// channels, the active set for the runs channel.
func (m *Manager) catchup(ctx context.Context, c *connection, channel string, sinceSeq int64) {
	if brainRunID, ok := strings.CutPrefix(channel, runChannelPrefix); ok {
		events, err := m.monitor.Events(ctx, brainRunID, sinceSeq)
		if err != nil {
			m.logger.Error("catchup query failed", "channel", channel, "error", err)
			return
		}
		overflow := len(events) > catchupLimit
		if overflow {
			events = events[:catchupLimit]
		}
		for _, ev := range events {
			if !m.sendJSON(c, eventMessage{Type: "run.event", Channel: channel, Event: ev}) {
				return
			}
		}
		if overflow {
			// Tell the client where the journal head is so it knows how
			// far behind its REST reload must reach.
			head, err := m.monitor.LastSeq(ctx, brainRunID)
			if err != nil {
				m.logger.Error("journal head query failed", "channel", channel, "error", err)
			}
			m.sendJSON(c, map[string]any{
				"type":    "catchup.overflow",
				"channel": channel,
				"hasMore": true,
				"lastSeq": head,
			})
		}
		return
	}

	active, err := m.monitor.Active(ctx)
	if err != nil {
		m.logger.Error("active set query failed", "error", err)
		return
	}
	for _, run := range active {
		if !m.sendJSON(c, summaryMessage{Type: "runs.update", Channel: channel, Run: run.Summary()}) {
			return
		}
	}
}

// broadcast sends a message to every subscriber of a channel.
func (m *Manager) broadcast(channel string, v any) {
	m.channelMu.Lock()
	state, ok := m.channels[channel]
	var ids []string
	if ok {
		ids = make([]string, 0, len(state.subscribers))
		for id := range state.subscribers {
			ids = append(ids, id)
		}
	}
	m.channelMu.Unlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot connection pointers before sending so slow writes never
	// stall register/unregister.
	m.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.sendJSON(c, v)
	}
}

func (m *Manager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *Manager) unregister(c *connection) {
	for channel := range c.subscriptions {
		m.unsubscribe(c, channel)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON reports false when the connection is no longer writable.
func (m *Manager) sendJSON(c *connection, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("failed to marshal stream message", "connection_id", c.id, "error", err)
		return true
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		m.logger.Warn("failed to send stream message", "connection_id", c.id, "error", err)
		return false
	}
	return true
}
