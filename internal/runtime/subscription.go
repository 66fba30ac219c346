package runtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/backplane/backend"
	loggingpkg "github.com/drblury/backplane/internal/runtime/logging"
)

// subscription is one channel's callback and the feed cancel handle of the
// generation that installed it.
type subscription struct {
	channel    string
	callback   func(Args)
	generation uint64

	cancelFeed context.CancelFunc
	cancelled  atomic.Bool
}

func newSubscription(channel string, fn func(Args), generation uint64, cancel context.CancelFunc) *subscription {
	return &subscription{
		channel:    channel,
		callback:   fn,
		generation: generation,
		cancelFeed: cancel,
	}
}

// cancel stops the feed. It reports whether this call did the cancelling.
func (s *subscription) cancel() bool {
	if s.cancelled.Swap(true) {
		return false
	}
	s.cancelFeed()
	return true
}

func (s *subscription) active() bool {
	return !s.cancelled.Load()
}

// dispatch drains feed until it closes. Every message is acked after it was
// handled, so the backend does not deliver the next event before the callback
// returned.
func (b *Broker) dispatch(sub *subscription, feed <-chan *message.Message) {
	for msg := range feed {
		if sub.active() {
			b.handle(sub, msg)
		}
		msg.Ack()
	}
	b.logger.Trace("Feed closed", loggingpkg.LogFields{
		"channel":    sub.channel,
		"generation": sub.generation,
	})
}

func (b *Broker) handle(sub *subscription, msg *message.Message) {
	ev, err := backend.EventFromMessage(sub.channel, msg)
	if err != nil {
		b.reportError(ErrorKindDecode, fmt.Errorf("decode event on %q: %w", sub.channel, err))
		return
	}
	if ev.Origin == b.nodeID {
		b.metrics.recordSelfFiltered()
		return
	}

	args, err := DecodeArgs(ev.Payload)
	if err != nil {
		b.reportError(ErrorKindDecode, fmt.Errorf("decode event %s on %q: %w", ev.UUID, sub.channel, err))
		return
	}

	b.invoke(sub, ev, args)
}

func (b *Broker) invoke(sub *subscription, ev backend.Event, args Args) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(ErrorKindCallback, fmt.Errorf("callback for %q panicked on event %s: %v", sub.channel, ev.UUID, r))
		}
	}()

	sub.callback(args)
	b.metrics.recordDelivered()
}
