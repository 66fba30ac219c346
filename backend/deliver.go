package backend

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrClosed is returned by connections and log handles used after Close.
var ErrClosed = errors.New("backend: closed")

// Deliver hands msg to out and blocks until the receiver acks or nacks it.
// It returns false when ctx or closing ends first. A nack does not rewind
// the feed: the log is not a work queue and the next event follows.
func Deliver(ctx context.Context, closing <-chan struct{}, out chan<- *message.Message, msg *message.Message) bool {
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-closing:
		return false
	}

	select {
	case <-msg.Acked():
		return true
	case <-msg.Nacked():
		return true
	case <-ctx.Done():
		return false
	case <-closing:
		return false
	}
}
