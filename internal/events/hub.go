// Package events fans run snapshots out to local subscribers and NATS
// JetStream.
package events

import (
	"sync"
	"time"

	"github.com/ahrdadan/quizpilot/internal/model"
)

// Event is a run state change.
type Event struct {
	RunID   string            `json:"run_id"`
	State   model.RunState    `json:"state"`
	Message string            `json:"message,omitempty"`
	Run     model.RunSnapshot `json:"run"`
	At      time.Time         `json:"at"`
}

// NewRunEvent builds the event for a published run snapshot.
func NewRunEvent(snap model.RunSnapshot) Event {
	ev := Event{
		RunID: snap.ID,
		State: snap.State,
		Run:   snap,
		At:    snap.UpdatedAt,
	}
	switch {
	case snap.LastError != nil && snap.State == model.RunStateFailed:
		ev.Message = snap.LastError.Kind + ": " + snap.LastError.Detail
	case snap.State == model.RunStateManual:
		ev.Message = snap.ManualReason
	}
	return ev
}

// Hub manages in process event subscriptions.
type Hub struct {
	subscribers []chan Event
	buffer      int
	mu          sync.RWMutex
}

// NewHub creates a new event hub. Each subscriber gets a buffer of the given
// size; events to a full subscriber are dropped.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer}
}

// Subscribe creates a subscription for every run event.
func (h *Hub) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	h.subscribers = append(h.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subscribers {
		if sub == ch {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Emit sends an event to all subscribers without blocking.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber.
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close closes all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
