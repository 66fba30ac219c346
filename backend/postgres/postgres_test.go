package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/backend/sqldb"
)

type testConfig struct {
	url  string
	host string
	port int
	db   string
}

func (c testConfig) GetBackend() string             { return BackendName }
func (c testConfig) GetConnectionURL() string       { return c.url }
func (c testConfig) GetHost() string                { return c.host }
func (c testConfig) GetPort() int                   { return c.port }
func (c testConfig) GetDatabaseName() string        { return c.db }
func (c testConfig) GetMaxLogSizeBytes() int64      { return 0 }
func (c testConfig) GetMaxLogDocCount() int64       { return 0 }
func (c testConfig) GetPollInterval() time.Duration { return 0 }

func newMockConn(t *testing.T, cfg Config) (*sqldb.Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	conn, err := Open(db, cfg, watermill.NopLogger{})
	require.NoError(t, err)
	return conn, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestRegister(t *testing.T) {
	backend.DefaultRegistry = backend.NewRegistry()
	Register()

	caps := backend.GetCapabilities(BackendName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.RequiresPolling())
	assert.True(t, caps.CrossProcess)

	// Alias
	capsAlias := backend.GetCapabilities("postgresql")
	assert.Equal(t, "postgres", capsAlias.Name)
	assert.True(t, backend.DefaultRegistry.Has("postgresql"))
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, backend.PostgresCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()
		assert.Equal(t, sqldb.DefaultPollInterval, result.PollInterval)
		assert.Equal(t, 10, result.MaxOpenConns)
		assert.Equal(t, 5, result.MaxIdleConns)
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{PollInterval: -1, MaxOpenConns: -1, MaxIdleConns: -1}.withDefaults()
		assert.Equal(t, sqldb.DefaultPollInterval, result.PollInterval)
		assert.Equal(t, 10, result.MaxOpenConns)
		assert.Equal(t, 5, result.MaxIdleConns)
	})
}

func TestConnectionString(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5433/app",
		ConnectionString(testConfig{url: "postgres://u:p@db:5433/app", host: "ignored"}))
	assert.Equal(t, "postgres://localhost:5432/socketio?sslmode=disable",
		ConnectionString(testConfig{host: "localhost", db: "socketio"}))
	assert.Equal(t, "postgres://pg:6000/x?sslmode=disable",
		ConnectionString(testConfig{host: "pg", port: 6000, db: "x"}))
}

func TestNew_RequiresConnectionString(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}

func TestOpen_PingFailureClosesDB(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	boom := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(boom)
	mock.ExpectClose()

	_, err = Open(db, Config{}, nil)
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishLocksInsertsAndTrims(t *testing.T) {
	conn, mock := newMockConn(t, Config{MaxCount: 100, MaxBytes: 4096})
	ctx := context.Background()

	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "socket_io_stream" ( id BIGSERIAL PRIMARY KEY,`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	log, err := conn.EventLog(ctx, "socket.io.stream", nil)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(q(`LOCK TABLE "socket_io_stream" IN SHARE ROW EXCLUSIVE MODE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`INSERT INTO "socket_io_stream" (uuid, channel, payload, metadata, size) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs("evt-1", "chat", []byte(`["hi"]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(q(`DELETE FROM "socket_io_stream" WHERE id <= ( SELECT id FROM "socket_io_stream" ORDER BY id DESC LIMIT 1 OFFSET $1 )`)).
		WithArgs(int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q(`SUM(size) OVER (ORDER BY id DESC)`)).
		WithArgs(int64(4096)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, log.Publish("chat", message.NewMessage("evt-1", []byte(`["hi"]`))))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRollsBackOnInsertFailure(t *testing.T) {
	conn, mock := newMockConn(t, Config{})
	ctx := context.Background()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	log, err := conn.EventLog(ctx, "socket.io.stream", nil)
	require.NoError(t, err)

	boom := errors.New("disk full")
	mock.ExpectBegin()
	mock.ExpectExec(`LOCK TABLE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO`).WillReturnError(boom)
	mock.ExpectRollback()

	err = log.Publish("chat", message.NewMessage("evt-1", nil))
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribePollsAfterHead(t *testing.T) {
	conn, mock := newMockConn(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	log, err := conn.EventLog(ctx, "socket.io.stream", nil)
	require.NoError(t, err)

	mock.ExpectQuery(q(`SELECT COALESCE(MAX(id), 0) FROM "socket_io_stream"`)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(7)))
	mock.ExpectQuery(q(`SELECT id, uuid, payload, metadata FROM "socket_io_stream" WHERE id > $1 AND channel = $2 ORDER BY id ASC LIMIT $3`)).
		WithArgs(int64(7), "chat", sqldb.DefaultBatchSize).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "payload", "metadata"}).
			AddRow(int64(8), "evt-8", []byte(`[1]`), `{"backplane_origin":"node-b"}`))

	feed, err := log.Subscribe(ctx, "chat")
	require.NoError(t, err)

	select {
	case msg := <-feed:
		msg.Ack()
		assert.Equal(t, "evt-8", msg.UUID)
		assert.Equal(t, "node-b", msg.Metadata.Get(backend.MetadataOrigin))
	case <-time.After(2 * time.Second):
		t.Fatal("no event polled")
	}

	cancel()
	require.NoError(t, log.Close())
	mock.ExpectClose()
	require.NoError(t, conn.Close())
}

func TestStoreQueries(t *testing.T) {
	conn, mock := newMockConn(t, Config{})
	ctx := context.Background()
	key := backend.Key{ClientID: "c1", Name: "k"}

	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS "socket_io_storage"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := conn.Store(ctx, "socket.io.storage")
	require.NoError(t, err)

	mock.ExpectExec(q(`CREATE INDEX IF NOT EXISTS "idx_socket_io_storage_client_id" ON "socket_io_storage" (client_id)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.EnsureIndex(ctx))

	mock.ExpectExec(q(`INSERT INTO "socket_io_storage" (entry_key, client_id, value, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (entry_key, client_id) DO UPDATE SET value = excluded.value`)).
		WithArgs("k", "c1", []byte(`1`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Upsert(ctx, key, []byte(`1`)))

	mock.ExpectQuery(q(`SELECT value FROM "socket_io_storage" WHERE entry_key = $1 AND client_id = $2`)).
		WithArgs("k", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`1`)))
	v, found, err := store.FindOne(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte(`1`), v)

	mock.ExpectQuery(`SELECT value FROM`).
		WithArgs("k", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, found, err = store.FindOne(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	mock.ExpectQuery(q(`SELECT COUNT(*) FROM "socket_io_storage" WHERE entry_key = $1 AND client_id = $2`)).
		WithArgs("k", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	has, err := store.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, has)

	mock.ExpectExec(q(`DELETE FROM "socket_io_storage" WHERE entry_key = $1 AND client_id = $2`)).
		WithArgs("k", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Remove(ctx, key))

	mock.ExpectExec(q(`DELETE FROM "socket_io_storage" WHERE client_id = $1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.RemoveClient(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
