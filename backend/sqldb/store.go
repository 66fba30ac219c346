package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/backplane/backend"
)

// Store is a key/value table keyed by (entry_key, client_id).
type Store struct {
	conn  *Conn
	table string
}

func (s *Store) query(q string) string {
	return s.conn.dialect.bind(fmt.Sprintf(q, s.table))
}

// FindOne returns the value stored under key.
func (s *Store) FindOne(ctx context.Context, key backend.Key) ([]byte, bool, error) {
	var value []byte
	err := s.conn.db.QueryRowContext(ctx,
		s.query(`SELECT value FROM %s WHERE entry_key = ? AND client_id = ?`),
		key.Name, key.ClientID,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Has reports whether key exists.
func (s *Store) Has(ctx context.Context, key backend.Key) (bool, error) {
	var n int64
	err := s.conn.db.QueryRowContext(ctx,
		s.query(`SELECT COUNT(*) FROM %s WHERE entry_key = ? AND client_id = ?`),
		key.Name, key.ClientID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Upsert creates or replaces the entry.
func (s *Store) Upsert(ctx context.Context, key backend.Key, value []byte) error {
	_, err := s.conn.db.ExecContext(ctx, s.query(`
		INSERT INTO %s (entry_key, client_id, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entry_key, client_id)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key.Name, key.ClientID, value, time.Now().UTC().UnixMilli(),
	)
	return err
}

// Remove deletes the entry.
func (s *Store) Remove(ctx context.Context, key backend.Key) error {
	_, err := s.conn.db.ExecContext(ctx,
		s.query(`DELETE FROM %s WHERE entry_key = ? AND client_id = ?`),
		key.Name, key.ClientID,
	)
	return err
}

// RemoveClient deletes every entry of clientID.
func (s *Store) RemoveClient(ctx context.Context, clientID string) (int64, error) {
	result, err := s.conn.db.ExecContext(ctx,
		s.query(`DELETE FROM %s WHERE client_id = ?`),
		clientID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// EnsureIndex adds the client_id index used by RemoveClient. Lookups by
// (entry_key, client_id) use the primary key.
func (s *Store) EnsureIndex(ctx context.Context) error {
	index := `"idx_` + strings.Trim(s.table, `"`) + `_client_id"`
	_, err := s.conn.db.ExecContext(ctx,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (client_id)`, index, s.table))
	return err
}
