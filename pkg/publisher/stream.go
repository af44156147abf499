package publisher

import (
	"context"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Stream subscribes to channel and delivers events on the returned channel
// until ctx is done, after which the subscription is removed and the
// channel closed.
func (p *Publisher) Stream(ctx context.Context, channel Channel) <-chan instrument.Event {
	out := make(chan instrument.Event)
	sub := p.Subscribe(channel, func(event instrument.Event) {
		select {
		case out <- event:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		p.Unsubscribe(sub)
		close(out)
	}()
	return out
}
