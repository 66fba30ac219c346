package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/internal/runtime/jsoncodec"
)

// EventLog is one caller's handle on a log table.
type EventLog struct {
	conn   *Conn
	table  string
	logger watermill.LoggerAdapter

	closedMu sync.RWMutex
	closed   bool
	closing  chan struct{}
	wg       sync.WaitGroup
}

// Publish appends messages with topic as channel and trims the table to the
// configured caps in the same transaction.
func (h *EventLog) Publish(topic string, messages ...*message.Message) error {
	if h.isClosed() {
		return backend.ErrClosed
	}
	c := h.conn
	ctx := context.Background()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer c.rollback(tx)

	if c.dialect.LockLog != nil {
		if _, err := tx.ExecContext(ctx, c.dialect.LockLog(h.table)); err != nil {
			return fmt.Errorf("lock %s: %w", h.table, err)
		}
	}

	insert := c.dialect.bind(fmt.Sprintf(
		`INSERT INTO %s (uuid, channel, payload, metadata, size) VALUES (?, ?, ?, ?, ?)`, h.table))
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		size := int64(len(msg.UUID) + len(topic) + len(msg.Payload) + len(metadata))
		if _, err := tx.ExecContext(ctx, insert, msg.UUID, topic, msg.Payload, string(metadata), size); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	if err := h.trim(ctx, tx); err != nil {
		return fmt.Errorf("trim %s: %w", h.table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// trim evicts the oldest rows until both caps hold. The newest row is always
// kept.
func (h *EventLog) trim(ctx context.Context, tx *sql.Tx) error {
	c := h.conn
	if c.config.MaxCount > 0 {
		query := c.dialect.bind(fmt.Sprintf(`
		DELETE FROM %[1]s WHERE id <= (
			SELECT id FROM %[1]s ORDER BY id DESC LIMIT 1 OFFSET ?
		)`, h.table))
		if _, err := tx.ExecContext(ctx, query, c.config.MaxCount); err != nil {
			return err
		}
	}
	if c.config.MaxBytes > 0 {
		query := c.dialect.bind(fmt.Sprintf(`
		DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM (
				SELECT id, SUM(size) OVER (ORDER BY id DESC) AS retained FROM %[1]s
			) w
			WHERE w.retained > ? AND w.id < (SELECT MAX(id) FROM %[1]s)
		)`, h.table))
		if _, err := tx.ExecContext(ctx, query, c.config.MaxBytes); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe tails the rows appended to topic after this call.
func (h *EventLog) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	h.closedMu.RLock()
	defer h.closedMu.RUnlock()
	if h.closed {
		return nil, backend.ErrClosed
	}

	var cursor int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) FROM %s`, h.table)
	if err := h.conn.db.QueryRowContext(ctx, query).Scan(&cursor); err != nil {
		return nil, fmt.Errorf("read head of %s: %w", h.table, err)
	}

	out := make(chan *message.Message)
	h.wg.Add(1)
	go h.poll(ctx, topic, cursor, out)
	return out, nil
}

func (h *EventLog) poll(ctx context.Context, topic string, cursor int64, out chan<- *message.Message) {
	defer h.wg.Done()
	defer close(out)

	ticker := time.NewTicker(h.conn.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case <-ticker.C:
		}

		for {
			rows, err := h.fetch(ctx, topic, cursor)
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Error("failed to poll events", err, watermill.LogFields{"channel": topic})
				}
				break
			}
			for _, r := range rows {
				if !backend.Deliver(ctx, h.closing, out, r.msg) {
					return
				}
				cursor = r.id
			}
			if len(rows) < h.conn.config.BatchSize {
				break
			}
		}
	}
}

type fetchedRow struct {
	id  int64
	msg *message.Message
}

// fetch reads a batch of rows after cursor. Rows are fully read before any
// is delivered, so a single-connection pool is never held by a slow consumer.
func (h *EventLog) fetch(ctx context.Context, topic string, cursor int64) ([]fetchedRow, error) {
	c := h.conn
	query := c.dialect.bind(fmt.Sprintf(`
		SELECT id, uuid, payload, metadata FROM %s
		WHERE id > ? AND channel = ?
		ORDER BY id ASC
		LIMIT ?`, h.table))

	rows, err := c.db.QueryContext(ctx, query, cursor, topic, c.config.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetchedRow
	for rows.Next() {
		var (
			id       int64
			uuid     string
			payload  []byte
			metadata string
		)
		if err := rows.Scan(&id, &uuid, &payload, &metadata); err != nil {
			return nil, err
		}
		msg := message.NewMessage(uuid, payload)
		if metadata != "" {
			if err := jsoncodec.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				h.logger.Error("failed to unmarshal metadata", err, watermill.LogFields{"uuid": uuid})
			}
		}
		out = append(out, fetchedRow{id: id, msg: msg})
	}
	return out, rows.Err()
}

func (h *EventLog) isClosed() bool {
	h.closedMu.RLock()
	defer h.closedMu.RUnlock()
	return h.closed
}

// Close stops every feed opened through this handle.
func (h *EventLog) Close() error {
	h.closedMu.Lock()
	if h.closed {
		h.closedMu.Unlock()
		return nil
	}
	h.closed = true
	close(h.closing)
	h.closedMu.Unlock()

	h.wg.Wait()
	h.conn.forget(h)
	return nil
}
