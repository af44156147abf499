// Package publisher fans instrument events out to subscribers on named
// channels.
//
// Every subscription owns an unbounded FIFO and a delivery goroutine, so a
// slow handler delays only itself. Events published from one goroutine
// reach each subscriber in publish order. Subscribers see only events
// published while they are registered; there is no replay.
package publisher

import (
	"io"
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Channel names a logical event stream.
type Channel string

// SubscriberChannel receives every instrument event. Consumers filter by
// event type.
const SubscriberChannel Channel = "live-instrument-subscriber"

// Handler receives delivered events. Calls for one subscription are
// sequential.
type Handler func(instrument.Event)

// Publisher routes events to the subscriptions of a channel.
type Publisher struct {
	mu       sync.RWMutex
	channels map[Channel]map[*Subscription]struct{}
	logger   *slog.Logger
}

// New returns a Publisher. A nil logger discards output.
func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		channels: make(map[Channel]map[*Subscription]struct{}),
		logger:   logger,
	}
}

// Subscribe registers handler on channel and starts its delivery goroutine.
func (p *Publisher) Subscribe(channel Channel, handler Handler) *Subscription {
	sub := &Subscription{
		channel:   channel,
		handler:   handler,
		publisher: p,
		pending:   queue.New(),
		done:      make(chan struct{}),
	}
	sub.wake = sync.NewCond(&sub.mu)

	p.mu.Lock()
	subs, ok := p.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		p.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	p.mu.Unlock()

	go sub.run()

	p.logger.Debug("subscriber registered", "channel", channel)
	return sub
}

// Publish enqueues event for every subscription currently on channel and
// returns without waiting for delivery.
func (p *Publisher) Publish(channel Channel, event instrument.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for sub := range p.channels[channel] {
		sub.enqueue(event)
	}
}

// Subscribers returns the number of subscriptions on channel.
func (p *Publisher) Subscribers(channel Channel) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.channels[channel])
}

// Unsubscribe cancels sub and waits until its handler has returned for the
// last time. It must not be called from sub's own handler; use
// Subscription.Cancel there.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	sub.Cancel()
	<-sub.done
}

// Close cancels every subscription and waits for their handlers.
func (p *Publisher) Close() {
	p.mu.RLock()
	var all []*Subscription
	for _, subs := range p.channels {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	p.mu.RUnlock()

	for _, sub := range all {
		p.Unsubscribe(sub)
	}
}

func (p *Publisher) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.channels[sub.channel]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(p.channels, sub.channel)
	}
}

// Subscription is a registered handler.
type Subscription struct {
	channel   Channel
	handler   Handler
	publisher *Publisher

	mu       sync.Mutex
	wake     *sync.Cond
	pending  *queue.Queue
	canceled bool
	done     chan struct{}
}

// Channel returns the channel the subscription listens on.
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Cancel stops delivery without waiting. Events still queued are dropped.
// The handler may be running when Cancel returns, but will not be called
// again. Safe to call from the handler and more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	s.wake.Signal()
	s.mu.Unlock()

	s.publisher.remove(s)
}

// Done is closed once the handler will never be called again.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) enqueue(event instrument.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled {
		return
	}
	s.pending.Add(event)
	s.wake.Signal()
}

func (s *Subscription) next() (instrument.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending.Length() == 0 && !s.canceled {
		s.wake.Wait()
	}
	if s.canceled {
		return instrument.Event{}, false
	}
	return s.pending.Remove().(instrument.Event), true
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		event, ok := s.next()
		if !ok {
			return
		}
		s.deliver(event)
	}
}

func (s *Subscription) deliver(event instrument.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.publisher.logger.Error("subscriber handler panicked",
				"channel", s.channel,
				"event_type", event.Type,
				"instrument_id", event.InstrumentID,
				"panic", r,
			)
		}
	}()
	s.handler(event)
}
