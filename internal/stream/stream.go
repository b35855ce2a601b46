// Package stream fans values out to subscribers in publish order.
package stream

import (
	"context"
	"sync"
)

// Hub broadcasts values of type T. Every subscriber sees every value published
// after it subscribed, in order, and is first handed the latest value (if any)
// so late subscribers never wait for the next change.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[int]*subscriber[T]
	next    int
	latest  T
	has     bool
	firstCh chan struct{}
	closed  bool
}

// New creates an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{
		subs:    make(map[int]*subscriber[T]),
		firstCh: make(chan struct{}),
	}
}

// subscriber queues values so Publish never blocks on a slow reader.
type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	done   chan struct{}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) drain() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Subscribe registers a subscriber. The returned channel is closed when ctx
// ends or the hub is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T)
	sub := &subscriber[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(out)
		return out
	}
	id := h.next
	h.next++
	h.subs[id] = sub
	if h.has {
		sub.push(h.latest)
	}
	h.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		}()
		for {
			for _, v := range sub.drain() {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.notify:
			case <-ctx.Done():
				return
			case <-sub.done:
				// flush what was queued before close
				for _, v := range sub.drain() {
					select {
					case out <- v:
					case <-ctx.Done():
						return
					}
				}
				return
			}
		}
	}()

	return out
}

// Publish records v as the latest value and queues it for every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = v
	if !h.has {
		h.has = true
		close(h.firstCh)
	}
	for _, sub := range h.subs {
		sub.push(v)
	}
}

// Latest returns the most recently published value.
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.has
}

// First blocks until at least one value was published and returns the latest.
func (h *Hub[T]) First(ctx context.Context) (T, error) {
	select {
	case <-h.firstCh:
		v, _ := h.Latest()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close ends every subscription. Values already queued are still delivered.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.done)
	}
}
