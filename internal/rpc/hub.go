package rpc

import (
	"sync"

	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaselog"
)

// EventKind distinguishes the two event shapes WaitRelease streams.
type EventKind string

const (
	EventKindStatus EventKind = "status"
	EventKindLog    EventKind = "log"
)

// Event is one item of a WaitRelease stream.
type Event struct {
	Kind        EventKind          `json:"kind"`
	Destination string             `json:"destination"`
	Status      release.Status     `json:"status,omitempty"`
	Channel     releaselog.Channel `json:"channel,omitempty"`
	Line        string             `json:"line,omitempty"`
}

// Hub is the in-process broadcast fan-out the scheduler publishes into and
// WaitRelease subscribers drain, one channel per subscriber, grouped by
// release intent.
// Subscribers that fail to keep up drop events rather than block the
// scheduler.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int64]map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int64]map[chan Event]struct{})}
}

// Subscribe registers a new listener for intentID. The returned cancel func
// must be called when the subscriber is done listening.
func (h *Hub) Subscribe(intentID int64) (ch chan Event, cancel func()) {
	ch = make(chan Event, 256)

	h.mu.Lock()
	set, ok := h.subscribers[intentID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subscribers[intentID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subscribers[intentID], ch)
		if len(h.subscribers[intentID]) == 0 {
			delete(h.subscribers, intentID)
		}
	}
	return ch, cancel
}

func (h *Hub) publish(intentID int64, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subscribers[intentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishStatus implements scheduler.EventPublisher.
func (h *Hub) PublishStatus(intentID int64, destination string, status release.Status) {
	h.publish(intentID, Event{Kind: EventKindStatus, Destination: destination, Status: status})
}

// PublishLog implements scheduler.EventPublisher.
func (h *Hub) PublishLog(intentID int64, destination string, channel releaselog.Channel, line string) {
	h.publish(intentID, Event{Kind: EventKindLog, Destination: destination, Channel: channel, Line: line})
}
