// Package bus implements the in-process publish/subscribe primitive used by
// the hub. Subscriptions match topics by pattern and receive messages in
// publish order. Nothing is persisted: a subscriber only sees messages
// published after it subscribed.
package bus

import (
	"sync"
	"time"

	"github.com/ranchlab/fleethub/core/logger"
	"github.com/ranchlab/fleethub/internal/topic"
)

// Message is a single published message. The payload is opaque to the bus.
type Message struct {
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

// Bus is a pattern-matching fan-out bus. Publish never blocks on subscriber
// processing: each subscription owns an unbounded FIFO queue drained by its
// own goroutine.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
	log    logger.Logger
}

// New creates a new Bus.
func New(log logger.Logger) *Bus {
	return &Bus{log: log}
}

// Publish delivers the message to every subscription whose pattern matches
// the topic, in registration order. Malformed topics are rejected; a slow or
// failing subscriber never delays or fails the publish.
func (b *Bus) Publish(t string, payload []byte) error {
	segs, err := topic.Parse(t)
	if err != nil {
		return err
	}
	msg := Message{Topic: t, Payload: payload, PublishedAt: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	delivered := 0
	for _, sub := range b.subs {
		if topic.MatchSegments(segs, sub.pattern) {
			sub.enqueue(msg)
			delivered++
		}
	}
	if b.log != nil {
		b.log.Debugw("message published", map[string]any{
			"topic": t, "subscribers": delivered, "size": len(payload),
		})
	}
	return nil
}

// Subscribe registers a subscription for the given pattern and returns it.
func (b *Bus) Subscribe(pattern string) (*Subscription, error) {
	segs, err := topic.ParsePattern(pattern)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(b, segs)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.shutdown()
		close(sub.ch)
		return sub, nil
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	go sub.pump()
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Close cancels every subscription and drops further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
}

// Subscription is a cancellable stream of matching messages.
type Subscription struct {
	bus     *Bus
	pattern []string
	ch      chan Message
	done    chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
}

func newSubscription(b *Bus, pattern []string) *Subscription {
	s := &Subscription{
		bus:     b,
		pattern: pattern,
		ch:      make(chan Message),
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// C returns the delivery channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close cancels the subscription. Messages still queued are dropped; other
// subscriptions are unaffected.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Broadcast()
	close(s.done)
}

func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.cond.Signal()
}

// pump drains the queue into the delivery channel, preserving publish order.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- msg:
		case <-s.done:
			return
		}
	}
}
