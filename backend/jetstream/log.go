package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/backplane/backend"
)

// EventLog is one caller's handle on a stream.
type EventLog struct {
	conn   *Conn
	stream string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	nextID  int
	cancels map[int]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func (h *EventLog) subject(topic string) string {
	return h.stream + "." + token(topic)
}

// Publish appends messages to the stream on the subject of topic.
func (h *EventLog) Publish(topic string, messages ...*message.Message) error {
	if h.isClosed() {
		return backend.ErrClosed
	}

	subject := h.subject(topic)
	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(nats.MsgIdHdr, msg.UUID)

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}
		if _, err := h.conn.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe starts an ordered consumer that only delivers messages stored
// after the call.
func (h *EventLog) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, backend.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := h.nextID
	h.nextID++
	h.cancels[id] = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	sub, err := h.conn.js.SubscribeSync(h.subject(topic),
		nats.BindStream(h.stream),
		nats.DeliverNew(),
		nats.OrderedConsumer(),
	)
	if err != nil {
		h.drop(id)
		h.wg.Done()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *message.Message)
	go func() {
		defer h.wg.Done()
		defer close(out)
		defer h.drop(id)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
				h.logger.Error("Failed to unsubscribe", err, watermill.LogFields{"channel": topic})
			}
		}()
		h.consume(ctx, sub, topic, out)
	}()

	return out, nil
}

func (h *EventLog) consume(ctx context.Context, sub *nats.Subscription, topic string, out chan<- *message.Message) {
	for {
		natsMsg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			h.logger.Error("Failed to receive message", err, watermill.LogFields{"channel": topic})
			continue
		}

		if !backend.Deliver(ctx, nil, out, toMessage(natsMsg)) {
			return
		}
	}
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	msg := message.NewMessage(natsMsg.Header.Get(nats.MsgIdHdr), natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) == 0 || strings.HasPrefix(k, "Nats-") {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (h *EventLog) drop(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.cancels[id]; ok {
		cancel()
		delete(h.cancels, id)
	}
}

func (h *EventLog) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close stops every consumer opened through this handle.
func (h *EventLog) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, cancel := range h.cancels {
		cancel()
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.conn.forget(h)
	return nil
}
