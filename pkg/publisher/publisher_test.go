package publisher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

func hitEvent(id string, count int) instrument.Event {
	return instrument.NewEvent(id, instrument.BreakpointHit{InstrumentID: id, HitCount: count})
}

// collector records delivered events and signals when want have arrived.
type collector struct {
	mu     sync.Mutex
	events []instrument.Event
	want   int
	full   chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, full: make(chan struct{})}
}

func (c *collector) handle(e instrument.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	if len(c.events) == c.want {
		close(c.full)
	}
}

func (c *collector) wait(t *testing.T) []instrument.Event {
	t.Helper()
	select {
	case <-c.full:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("timed out with %d of %d events", len(c.events), c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]instrument.Event(nil), c.events...)
}

func TestPerInstrumentOrdering(t *testing.T) {
	p := New(nil)
	const instruments, hits = 4, 200

	c := newCollector(instruments * hits)
	sub := p.Subscribe(SubscriberChannel, c.handle)
	defer p.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < instruments; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 1; n <= hits; n++ {
				p.Publish(SubscriberChannel, hitEvent(id, n))
			}
		}(fmt.Sprintf("inst-%d", i))
	}
	wg.Wait()

	last := make(map[string]int)
	for _, e := range c.wait(t) {
		count := e.Data.(instrument.BreakpointHit).HitCount
		if count != last[e.InstrumentID]+1 {
			t.Fatalf("%s: got hit %d after %d", e.InstrumentID, count, last[e.InstrumentID])
		}
		last[e.InstrumentID] = count
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	p := New(nil)
	a, b := newCollector(1), newCollector(1)
	subA := p.Subscribe(SubscriberChannel, a.handle)
	subB := p.Subscribe(SubscriberChannel, b.handle)
	defer p.Unsubscribe(subA)
	defer p.Unsubscribe(subB)

	other := newCollector(1)
	subOther := p.Subscribe("other", other.handle)
	defer p.Unsubscribe(subOther)

	p.Publish(SubscriberChannel, hitEvent("x", 1))
	a.wait(t)
	b.wait(t)

	time.Sleep(20 * time.Millisecond)
	other.mu.Lock()
	defer other.mu.Unlock()
	if len(other.events) != 0 {
		t.Errorf("other channel received %d events", len(other.events))
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	p := New(nil)
	p.Publish(SubscriberChannel, hitEvent("early", 1))

	c := newCollector(1)
	sub := p.Subscribe(SubscriberChannel, c.handle)
	defer p.Unsubscribe(sub)

	p.Publish(SubscriberChannel, hitEvent("late", 1))
	events := c.wait(t)
	if events[0].InstrumentID != "late" {
		t.Errorf("first delivered event = %s, want late", events[0].InstrumentID)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	p := New(nil)
	release := make(chan struct{})
	slow := p.Subscribe(SubscriberChannel, func(instrument.Event) { <-release })

	fast := newCollector(10)
	sub := p.Subscribe(SubscriberChannel, fast.handle)
	defer p.Unsubscribe(sub)

	for i := 1; i <= 10; i++ {
		p.Publish(SubscriberChannel, hitEvent("x", i))
	}
	fast.wait(t)

	close(release)
	p.Unsubscribe(slow)
}

func TestUnsubscribeDrains(t *testing.T) {
	p := New(nil)
	var inHandler atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	sub := p.Subscribe(SubscriberChannel, func(instrument.Event) {
		inHandler.Add(1)
		once.Do(func() { close(started) })
		<-release
	})

	p.Publish(SubscriberChannel, hitEvent("x", 1))
	p.Publish(SubscriberChannel, hitEvent("x", 2))
	<-started

	unsubscribed := make(chan struct{})
	go func() {
		p.Unsubscribe(sub)
		close(unsubscribed)
	}()

	select {
	case <-unsubscribed:
		t.Fatal("Unsubscribe returned while a delivery was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-unsubscribed

	p.Publish(SubscriberChannel, hitEvent("x", 3))
	time.Sleep(20 * time.Millisecond)
	if got := inHandler.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (queued events dropped)", got)
	}
	if p.Subscribers(SubscriberChannel) != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", p.Subscribers(SubscriberChannel))
	}
}

func TestCancelFromHandler(t *testing.T) {
	p := New(nil)
	var sub *Subscription
	var calls atomic.Int32
	ready := make(chan struct{})
	sub = p.Subscribe(SubscriberChannel, func(instrument.Event) {
		<-ready
		calls.Add(1)
		sub.Cancel()
	})
	close(ready)

	p.Publish(SubscriberChannel, hitEvent("x", 1))
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not finish after Cancel")
	}
	p.Publish(SubscriberChannel, hitEvent("x", 2))
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	p := New(nil)
	c := newCollector(1)
	first := true
	sub := p.Subscribe(SubscriberChannel, func(e instrument.Event) {
		if first {
			first = false
			panic("boom")
		}
		c.handle(e)
	})
	defer p.Unsubscribe(sub)

	p.Publish(SubscriberChannel, hitEvent("x", 1))
	p.Publish(SubscriberChannel, hitEvent("x", 2))
	if got := c.wait(t); got[0].Data.(instrument.BreakpointHit).HitCount != 2 {
		t.Errorf("delivered %+v", got[0])
	}
}

func TestStream(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	events := p.Stream(ctx, SubscriberChannel)

	p.Publish(SubscriberChannel, hitEvent("x", 1))
	select {
	case e := <-events:
		if e.InstrumentID != "x" {
			t.Errorf("InstrumentID = %s", e.InstrumentID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event on stream")
	}

	cancel()
	for range events {
	}
	if p.Subscribers(SubscriberChannel) != 0 {
		t.Error("stream subscription not removed")
	}
}

func TestClose(t *testing.T) {
	p := New(nil)
	p.Subscribe(SubscriberChannel, func(instrument.Event) {})
	p.Subscribe("other", func(instrument.Event) {})
	p.Close()
	if p.Subscribers(SubscriberChannel)+p.Subscribers("other") != 0 {
		t.Error("Close left subscriptions")
	}
}
