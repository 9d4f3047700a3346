// Package events implements an in-memory dashboard event sink with an
// optional debug HTTP/WebSocket surface, grounded on the teacher's
// terminal.WebSocketHandler (one handler fanning out to many browser
// subscribers) but carrying relay lifecycle events instead of PTY bytes.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentrelay/internal/healthprobe"
)

// Event is one dashboard-facing notification.
type Event struct {
	Kind      string    `json:"kind"`
	Agent     string    `json:"agent,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Error     string    `json:"error,omitempty"`
	CPUPct    float64   `json:"cpuPercent,omitempty"`
	RSSBytes  uint64    `json:"rssBytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans incoming events out to every currently-subscribed listener
// (typically one per open WebSocket connection). It implements
// collab.DashboardEventSink.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}

	ring    []Event
	ringCap int
}

// New returns a Hub retaining the last ringCap events for late subscribers.
func New(ringCap int, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if ringCap <= 0 {
		ringCap = 200
	}
	return &Hub{log: log, subs: make(map[chan Event]struct{}), ringCap: ringCap}
}

func (h *Hub) publish(ev Event) {
	ev.Timestamp = time.Now()

	h.mu.Lock()
	h.ring = append(h.ring, ev)
	if len(h.ring) > h.ringCap {
		h.ring = h.ring[len(h.ring)-h.ringCap:]
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping event for slow dashboard subscriber", "kind", ev.Kind)
		}
	}
	h.mu.Unlock()
}

// AgentConnected implements collab.DashboardEventSink.
func (h *Hub) AgentConnected(name string) { h.publish(Event{Kind: "agent_connected", Agent: name}) }

// AgentDisconnected implements collab.DashboardEventSink.
func (h *Hub) AgentDisconnected(name string) {
	h.publish(Event{Kind: "agent_disconnected", Agent: name})
}

// AgentCrashed implements collab.DashboardEventSink.
func (h *Hub) AgentCrashed(name string, err error) {
	e := Event{Kind: "agent_crashed", Agent: name}
	if err != nil {
		e.Error = err.Error()
	}
	h.publish(e)
}

// ResourceAlert implements collab.DashboardEventSink.
func (h *Hub) ResourceAlert(name string, sample healthprobe.Sample) {
	h.publish(Event{Kind: "resource_alert", Agent: name, CPUPct: sample.CPUPercent, RSSBytes: sample.RSSBytes})
}

// MessageRouted implements collab.DashboardEventSink.
func (h *Hub) MessageRouted(from, to string) {
	h.publish(Event{Kind: "message_routed", Agent: from, Peer: to})
}

// Subscribe registers a new listener channel and returns it along with a
// snapshot of recently retained events, and an unsubscribe func.
func (h *Hub) Subscribe(buffer int) (chan Event, []Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	snapshot := make([]Event, len(h.ring))
	copy(snapshot, h.ring)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, snapshot, unsubscribe
}

// MarshalSnapshot renders the retained ring buffer as JSON, used by the
// debug HTTP surface's initial GET /events response.
func (h *Hub) MarshalSnapshot() ([]byte, error) {
	h.mu.Lock()
	snapshot := make([]Event, len(h.ring))
	copy(snapshot, h.ring)
	h.mu.Unlock()
	return json.Marshal(snapshot)
}
