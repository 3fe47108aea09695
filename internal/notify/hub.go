// Package notify fans dispatched events out to in-process subscribers.
// It backs the SSE endpoint: each connected client holds one subscription,
// optionally filtered to a single stream.
package notify

import (
	"sync"

	"github.com/wardend/warden/event"
)

// Hub is a thread-safe in-process event fan-out with a bounded history.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	nextID  int
	history []*event.Event
	maxHist int
}

type subscriber struct {
	ch     chan *event.Event
	stream event.Stream
}

// NewHub creates a Hub with a 256-event history cap.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[int]subscriber),
		maxHist: 256,
	}
}

// Publish delivers e to every subscriber whose stream matches. Slow
// subscribers are skipped, never blocked on: live updates are advisory and
// the event log remains the durable record. Sends stay non-blocking and
// happen under the lock, so an unsubscribe can never close a channel with
// a send in flight.
func (h *Hub) Publish(e *event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, e)
	if len(h.history) > h.maxHist {
		h.history = h.history[len(h.history)-h.maxHist:]
	}
	for _, s := range h.subs {
		if !matches(s.stream, e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe registers a listener on the given stream with the given channel
// buffer. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(stream event.Stream, buffer int) (<-chan *event.Event, func()) {
	ch := make(chan *event.Event, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = subscriber{ch: ch, stream: stream}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// Recent returns up to limit buffered events on the stream, oldest first.
func (h *Hub) Recent(stream event.Stream, limit int) []*event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []*event.Event
	for i := len(h.history) - 1; i >= 0; i-- {
		if matches(stream, h.history[i]) {
			result = append(result, h.history[i])
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

func matches(s event.Stream, e *event.Event) bool {
	switch s.Kind {
	case event.StreamTask:
		return e.Metadata.TaskID == s.ID
	case event.StreamActivity:
		return e.Metadata.ActivityID == s.ID
	case event.StreamProject:
		return e.Metadata.ProjectID == s.ID
	default:
		return true
	}
}
