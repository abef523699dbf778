package eventbus

import (
	"context"
	"path"
	"sync"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
)

// LocalBus is an in-process bus used when no NATS URL is configured and in
// tests. Subjects match with path.Match, so "conversation.*" works as in NATS.
type LocalBus struct {
	mu   sync.Mutex
	subs map[*localSubscription]struct{}
	down bool
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[*localSubscription]struct{})}
}

// Publish delivers data synchronously to every matching subscriber.
func (b *LocalBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return model.ErrUpstreamUnavailable
	}
	var targets []Handler
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, subject); ok {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(subject, data)
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern.
func (b *LocalBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, model.ErrUpstreamUnavailable
	}
	s := &localSubscription{bus: b, pattern: pattern, handler: handler, lost: make(chan struct{})}
	b.subs[s] = struct{}{}
	return s, nil
}

// IsConnected reports whether the bus is up.
func (b *LocalBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

// Disconnect simulates a broker outage: every subscription is lost and new
// publishes and subscribes fail until Reconnect.
func (b *LocalBus) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	for s := range b.subs {
		close(s.lost)
		delete(b.subs, s)
	}
}

// Reconnect ends a simulated outage.
func (b *LocalBus) Reconnect() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type localSubscription struct {
	bus     *LocalBus
	pattern string
	handler Handler
	lost    chan struct{}
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return nil
}

func (s *localSubscription) Lost() <-chan struct{} {
	return s.lost
}
