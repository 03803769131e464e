package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RunStarted    = "run.started"
	PersonOutcome = "person.outcome"
	RunSealed     = "run.sealed"
)

// Event is one notification about a reconciliation run.
type Event struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	At    string          `json:"at"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, runID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, RunID: runID, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Calling it twice is harmless.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish is a no-op on a nil hub.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber lagged.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
