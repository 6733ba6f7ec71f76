// Package events fans named JSON events out to SSE and WebSocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 64

// Events emitted by the daemon itself. Relay topics use their own names.
const (
	EventKernelStatus     = "kernel-status"
	EventDownloadProgress = "download-progress"
)

var (
	ErrNoSubscribers  = errors.New("no subscribers for event")
	ErrSlowSubscriber = errors.New("subscriber buffer full, event dropped")
)

// Message is one emitted event as delivered to subscribers.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Hub delivers every emitted event to the subscribers interested in it.
// Delivery never blocks the emitter: a subscriber whose buffer is full misses
// that event.
type Hub struct {
	buffer int
	log    *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{buffer: buffer, log: log, subs: map[*Subscription]struct{}{}}
}

// Subscription receives messages on C until Close.
type Subscription struct {
	C      <-chan Message
	ch     chan Message
	filter map[string]bool
	hub    *Hub
	once   sync.Once
}

// Subscribe registers a subscriber. With no names it receives every event.
func (h *Hub) Subscribe(names ...string) *Subscription {
	ch := make(chan Message, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	if len(names) > 0 {
		s.filter = make(map[string]bool, len(names))
		for _, n := range names {
			s.filter[n] = true
		}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.once.Do(func() { close(s.ch) })
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (s *Subscription) wants(name string) bool {
	return s.filter == nil || s.filter[name]
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Emit publishes payload as event name. It fails when nobody is subscribed to
// name or when a subscriber had to skip it.
func (h *Hub) Emit(_ context.Context, name string, payload json.RawMessage) error {
	msg := Message{Event: name, Payload: payload}
	delivered, dropped := 0, 0
	h.mu.RLock()
	for s := range h.subs {
		if !s.wants(name) {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.dropped.Add(uint64(dropped))
		return fmt.Errorf("%s: %w (%d of %d)", name, ErrSlowSubscriber, dropped, dropped+delivered)
	}
	if delivered == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, name)
	}
	return nil
}

// Publish marshals v and emits it. Having no subscribers is not an error here.
func (h *Hub) Publish(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = h.Emit(context.Background(), name, b)
	if errors.Is(err, ErrNoSubscribers) {
		return nil
	}
	return err
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped is the total number of per-subscriber deliveries skipped.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// ParseFilter splits "a,b" into event names.
func ParseFilter(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
