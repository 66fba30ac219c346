package memory

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/backplane/backend"
)

type record struct {
	seq     uint64
	channel string
	msg     *message.Message
	size    int64
}

// ringLog is a capped, append-only sequence of events. Sequence numbers are
// contiguous, so a cursor maps to a slice offset.
type ringLog struct {
	mu       sync.Mutex
	records  []record
	bytes    int64
	lastSeq  uint64
	notify   chan struct{}
	maxBytes int64
	maxCount int64
}

func newRingLog(maxBytes, maxCount int64) *ringLog {
	return &ringLog{
		notify:   make(chan struct{}),
		maxBytes: maxBytes,
		maxCount: maxCount,
	}
}

func recordSize(msg *message.Message) int64 {
	size := int64(len(msg.UUID) + len(msg.Payload))
	for k, v := range msg.Metadata {
		size += int64(len(k) + len(v))
	}
	return size
}

func (l *ringLog) append(channel string, msg *message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	rec := record{seq: l.lastSeq, channel: channel, msg: msg.Copy(), size: recordSize(msg)}
	l.records = append(l.records, rec)
	l.bytes += rec.size
	l.trim()

	close(l.notify)
	l.notify = make(chan struct{})
}

// trim evicts the oldest records until both caps hold. The newest record is
// always kept.
func (l *ringLog) trim() {
	drop := 0
	bytes := l.bytes
	count := int64(len(l.records))
	for count-int64(drop) > 1 {
		overBytes := l.maxBytes > 0 && bytes > l.maxBytes
		overCount := l.maxCount > 0 && count-int64(drop) > l.maxCount
		if !overBytes && !overCount {
			break
		}
		bytes -= l.records[drop].size
		drop++
	}
	if drop == 0 {
		return
	}
	for i := 0; i < drop; i++ {
		l.records[i] = record{}
	}
	l.records = l.records[drop:]
	l.bytes = bytes
}

// head returns the sequence number of the newest record.
func (l *ringLog) head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// next returns the first record on channel after cursor. When there is none
// it returns the channel closed by the next append, and the cursor to resume
// from.
func (l *ringLog) next(cursor uint64, channel string) (record, bool, <-chan struct{}, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) > 0 {
		start := 0
		if first := l.records[0].seq; cursor >= first {
			start = int(cursor - first + 1)
		}
		for i := start; i < len(l.records); i++ {
			if l.records[i].channel == channel {
				return l.records[i], true, nil, l.records[i].seq
			}
		}
	}
	return record{}, false, l.notify, l.lastSeq
}

func (l *ringLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// EventLog is one caller's handle on a ring log.
type EventLog struct {
	conn   *Conn
	log    *ringLog
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	nextID  int
	cancels map[int]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Publish appends messages to the log with topic as channel name.
func (h *EventLog) Publish(topic string, messages ...*message.Message) error {
	if h.isClosed() || h.conn.isClosed() {
		return backend.ErrClosed
	}
	for _, msg := range messages {
		h.log.append(topic, msg)
	}
	return nil
}

// Subscribe tails the events appended to topic after this call.
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

	out := make(chan *message.Message)
	cursor := h.log.head()

	go func() {
		defer h.wg.Done()
		defer close(out)
		defer h.drop(id)
		h.tail(ctx, topic, cursor, out)
	}()

	return out, nil
}

func (h *EventLog) tail(ctx context.Context, topic string, cursor uint64, out chan<- *message.Message) {
	for {
		rec, ok, wait, resume := h.log.next(cursor, topic)
		if !ok {
			cursor = resume
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}

		if !backend.Deliver(ctx, nil, out, rec.msg.Copy()) {
			return
		}
		cursor = rec.seq
	}
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
	h.logger.Trace("Event log handle closed", nil)
	return nil
}
