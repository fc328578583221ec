// Package realtime fans completion events out to websocket
// subscribers. Each route gets one process-local broadcast channel: a
// bounded ring of recent payloads that never blocks the publisher.
// Slow subscribers observe a lag signal instead of stalling the ring.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/waytrail/routes/internal/metrics"
)

// ringSize bounds the per-route backlog.
const ringSize = 64

// ErrClosed is returned from Recv once the channel is gone and the
// subscriber has drained everything it is going to get.
var ErrClosed = errors.New("broadcast channel closed")

// Hub is the registry of per-route broadcast channels. Channels are
// created lazily on first subscription and removed when the last
// subscriber departs; publishing to a route nobody watches is a no-op.
type Hub struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channel
}

func NewHub() *Hub {
	return &Hub{channels: make(map[uuid.UUID]*channel)}
}

type channel struct {
	mu     sync.Mutex
	buf    [ringSize][]byte
	seq    uint64 // next sequence to write
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's cursor into a route's channel.
type Subscription struct {
	hub     *Hub
	routeID uuid.UUID
	ch      *channel
	next    uint64
	notify  chan struct{}
	once    sync.Once
}

// Subscribe attaches to the route's channel, creating it if absent.
func (h *Hub) Subscribe(routeID uuid.UUID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[routeID]
	if !ok {
		ch = &channel{subs: make(map[*Subscription]struct{})}
		h.channels[routeID] = ch
	}

	sub := &Subscription{
		hub:     h,
		routeID: routeID,
		ch:      ch,
		notify:  make(chan struct{}, 1),
	}

	ch.mu.Lock()
	sub.next = ch.seq
	ch.subs[sub] = struct{}{}
	ch.mu.Unlock()

	return sub
}

// Publish pushes a payload to the route's channel if one exists.
// Returns false when no subscriber has created the channel.
func (h *Hub) Publish(routeID uuid.UUID, payload []byte) bool {
	h.mu.RLock()
	ch, ok := h.channels[routeID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.buf[ch.seq%ringSize] = payload
	ch.seq++
	for sub := range ch.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	ch.mu.Unlock()
	return true
}

// HasChannel reports whether a channel currently exists for the route.
func (h *Hub) HasChannel(routeID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[routeID]
	return ok
}

// Close tears down every channel; pending subscribers get ErrClosed
// once drained.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.channels {
		ch.mu.Lock()
		ch.closed = true
		for sub := range ch.subs {
			select {
			case sub.notify <- struct{}{}:
			default:
			}
		}
		ch.mu.Unlock()
		delete(h.channels, id)
	}
}

// Recv returns the next payload in publish order. When the ring has
// advanced past the subscriber's cursor it returns a lag signal
// instead: nil payload and the count of messages skipped; the
// subscriber may keep receiving afterwards. Recv blocks until a
// payload, a lag, channel closure (ErrClosed) or ctx cancellation.
func (s *Subscription) Recv(ctx context.Context) ([]byte, uint64, error) {
	for {
		s.ch.mu.Lock()

		floor := uint64(0)
		if s.ch.seq > ringSize {
			floor = s.ch.seq - ringSize
		}
		if s.next < floor {
			skipped := floor - s.next
			s.next = floor
			s.ch.mu.Unlock()
			metrics.BroadcastLaggedTotal.Add(float64(skipped))
			return nil, skipped, nil
		}
		if s.next < s.ch.seq {
			payload := s.ch.buf[s.next%ringSize]
			s.next++
			s.ch.mu.Unlock()
			return payload, 0, nil
		}
		closed := s.ch.closed
		s.ch.mu.Unlock()

		if closed {
			return nil, 0, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Close detaches the subscriber. The channel is removed from the hub
// when its last subscriber departs; a later Subscribe re-creates it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		s.ch.mu.Lock()
		delete(s.ch.subs, s)
		empty := len(s.ch.subs) == 0
		s.ch.mu.Unlock()
		if empty && s.hub.channels[s.routeID] == s.ch {
			delete(s.hub.channels, s.routeID)
		}
		s.hub.mu.Unlock()
	})
}
