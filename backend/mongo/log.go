package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/drblury/backplane/backend"
)

// eventDoc is one event in a capped collection. Init documents only exist so
// a tailing cursor has something to start after.
type eventDoc struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	UUID     string             `bson:"uuid,omitempty"`
	Channel  string             `bson:"channel,omitempty"`
	Payload  []byte             `bson:"payload,omitempty"`
	Metadata map[string]string  `bson:"metadata,omitempty"`
	Init     bool               `bson:"init,omitempty"`
}

func newEventDoc(channel string, msg *message.Message) eventDoc {
	doc := eventDoc{
		UUID:    msg.UUID,
		Channel: channel,
		Payload: msg.Payload,
	}
	if len(msg.Metadata) > 0 {
		doc.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			doc.Metadata[k] = v
		}
	}
	return doc
}

func (d eventDoc) message() *message.Message {
	msg := message.NewMessage(d.UUID, d.Payload)
	for k, v := range d.Metadata {
		msg.Metadata.Set(k, v)
	}
	return msg
}

// EventLog is one caller's handle on a capped collection.
type EventLog struct {
	conn   *Conn
	coll   *mongo.Collection
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	nextID  int
	cancels map[int]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Publish inserts one document per message, in order.
func (h *EventLog) Publish(topic string, messages ...*message.Message) error {
	if h.isClosed() {
		return backend.ErrClosed
	}
	docs := make([]any, 0, len(messages))
	for _, msg := range messages {
		docs = append(docs, newEventDoc(topic, msg))
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := h.coll.InsertMany(context.Background(), docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// Subscribe tails the documents inserted on topic after this call.
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

	last, err := h.latest(ctx)
	if err != nil {
		h.drop(id)
		h.wg.Done()
		return nil, fmt.Errorf("failed to read latest event: %w", err)
	}

	out := make(chan *message.Message)
	go func() {
		defer h.wg.Done()
		defer close(out)
		defer h.drop(id)
		h.tail(ctx, topic, last, out)
	}()
	return out, nil
}

// latest returns the id of the newest document. An empty collection gets an
// init document first, since a tailable cursor on it would die at once.
func (h *EventLog) latest(ctx context.Context) (primitive.ObjectID, error) {
	var doc eventDoc
	err := h.coll.FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "$natural", Value: -1}})).Decode(&doc)
	if err == nil {
		return doc.ID, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return primitive.NilObjectID, err
	}

	res, err := h.coll.InsertOne(ctx, eventDoc{Init: true})
	if err != nil {
		return primitive.NilObjectID, err
	}
	oid, _ := res.InsertedID.(primitive.ObjectID)
	return oid, nil
}

// tailCursor is the part of *mongo.Cursor the tailer reads.
type tailCursor interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// tail follows the collection in insertion order from after last, reopening
// the cursor when the server kills it. ObjectIDs from different processes do
// not sort in insertion order, so last is found by scanning rather than by an
// _id range.
func (h *EventLog) tail(ctx context.Context, topic string, last primitive.ObjectID, out chan<- *message.Message) {
	opts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(h.conn.config.MaxAwaitTime).
		SetSort(bson.D{{Key: "$natural", Value: 1}})

	for {
		cursor, err := h.coll.Find(ctx, bson.D{}, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("Failed to open tailing cursor", err, watermill.LogFields{"channel": topic})
		} else {
			var ok bool
			last, ok = h.drain(ctx, cursor, topic, last, out)
			if !ok {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.conn.config.RetryInterval):
		}
	}
}

// drain delivers the documents inserted after last until the cursor dies. It
// returns the id of the last document seen and false when the feed must stop.
//
// Documents up to last are held back. When the cursor runs dry before last
// shows up, last was evicted and every held document is new.
func (h *EventLog) drain(ctx context.Context, cursor tailCursor, topic string, last primitive.ObjectID, out chan<- *message.Message) (primitive.ObjectID, bool) {
	defer cursor.Close(context.Background())

	seeking := !last.IsZero()
	var held []eventDoc
	deliver := func(doc eventDoc) bool {
		last = doc.ID
		if doc.Init || doc.Channel != topic {
			return true
		}
		return backend.Deliver(ctx, nil, out, doc.message())
	}

	for {
		var more bool
		if seeking {
			more = cursor.TryNext(ctx)
		} else {
			more = cursor.Next(ctx)
		}
		if !more {
			if !seeking || cursor.Err() != nil || ctx.Err() != nil {
				break
			}
			seeking = false
			for _, doc := range held {
				if !deliver(doc) {
					return last, false
				}
			}
			held = nil
			continue
		}

		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			h.logger.Error("Failed to decode event", err, watermill.LogFields{"channel": topic})
			continue
		}
		if seeking {
			if doc.ID == last {
				seeking = false
				held = nil
			} else {
				held = append(held, doc)
			}
			continue
		}
		if !deliver(doc) {
			return last, false
		}
	}

	if ctx.Err() != nil {
		return last, false
	}
	if err := cursor.Err(); err != nil {
		h.logger.Error("Tailing cursor failed", err, watermill.LogFields{"channel": topic})
	}
	return last, true
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

// Close stops every feed opened through this handle.
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
