package backend

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/backplane/internal/runtime/errors"
)

// Metadata keys carried by every event message.
const (
	MetadataChannel   = "backplane_channel"
	MetadataOrigin    = "backplane_origin"
	MetadataTimestamp = "backplane_timestamp"
)

// Event is one document of the event log.
type Event struct {
	UUID      string
	Channel   string
	Origin    string
	Timestamp time.Time
	Payload   []byte
}

// Message converts the event into the watermill message handed to
// EventLog.Publish and returned by EventLog.Subscribe.
func (e Event) Message() *message.Message {
	msg := message.NewMessage(e.UUID, e.Payload)
	msg.Metadata.Set(MetadataChannel, e.Channel)
	msg.Metadata.Set(MetadataOrigin, e.Origin)
	msg.Metadata.Set(MetadataTimestamp, e.Timestamp.UTC().Format(time.RFC3339Nano))
	return msg
}

// EventFromMessage reads an event back from a message. topic is used when the
// message carries no channel metadata.
func EventFromMessage(topic string, msg *message.Message) (Event, error) {
	if msg == nil {
		return Event{}, fmt.Errorf("backend: nil message")
	}

	ev := Event{
		UUID:    msg.UUID,
		Channel: msg.Metadata.Get(MetadataChannel),
		Origin:  msg.Metadata.Get(MetadataOrigin),
		Payload: msg.Payload,
	}
	if ev.Channel == "" {
		ev.Channel = topic
	}
	if ev.Origin == "" {
		return Event{}, fmt.Errorf("%w: message %s has no origin", errspkg.ErrMissingEventField, msg.UUID)
	}

	if raw := msg.Metadata.Get(MetadataTimestamp); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Event{}, fmt.Errorf("backend: message %s has a bad timestamp: %w", msg.UUID, err)
		}
		ev.Timestamp = ts
	}
	return ev, nil
}
