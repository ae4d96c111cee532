package auth

import (
	"context"
	"sync"
)

// Broadcaster is a publish/subscribe channel keyed by name. The login popup's
// callback page publishes the result; the waiting flow subscribes.
type Broadcaster interface {
	Subscribe(ctx context.Context, name string) (Subscription, error)
	Publish(ctx context.Context, name string, payload []byte) error
}

// Subscription delivers payloads published after it was created. Close must
// be called to release it.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Hub is an in-process Broadcaster.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*hubSubscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSubscription]struct{})}
}

func (h *Hub) Subscribe(ctx context.Context, name string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &hubSubscription{
		hub:  h,
		name: name,
		ch:   make(chan []byte, 16),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[name] == nil {
		h.subs[name] = make(map[*hubSubscription]struct{})
	}
	h.subs[name][sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload to every current subscriber of name.
func (h *Hub) Publish(ctx context.Context, name string, payload []byte) error {
	h.mu.Lock()
	subs := make([]*hubSubscription, 0, len(h.subs[name]))
	for sub := range h.subs[name] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of open subscriptions on name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}

func (h *Hub) remove(sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[sub.name], sub)
	if len(h.subs[sub.name]) == 0 {
		delete(h.subs, sub.name)
	}
}

type hubSubscription struct {
	hub  *Hub
	name string
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *hubSubscription) Messages() <-chan []byte { return s.ch }

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
	return nil
}
