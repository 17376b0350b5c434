// Package sqlite provides a SQLite-backed queue transport for qdispatch.
// Queues are rows in a single database file that subscribers poll. A nacked
// message becomes visible again after a linear backoff and is parked in the
// dead_letters table once its retries are used up.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	"github.com/drblury/qdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	// DefaultFile is used when no database file is configured.
	DefaultFile = "qdispatch_queue.db"
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of redeliveries before a
	// message is dead-lettered.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the delay added per retry of a nacked message.
	DefaultRetryBackoff = time.Second
	// DefaultLockTimeout bounds how long a delivered message stays invisible
	// to other pollers without being acked or nacked.
	DefaultLockTimeout = 30 * time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("sqlite transport is closed")

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build opens the configured database file. The same Transport serves as
// publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		FilePath:   cfg.GetSQLiteFile(),
		MaxRetries: DefaultMaxRetries,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the database file. ":memory:" keeps the
	// queue in memory for the lifetime of the transport.
	FilePath     string
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries of a nacked message. Zero
	// dead-letters on the first nack; negative values select the default.
	MaxRetries   int
	RetryBackoff time.Duration
	LockTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFile
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	return c
}

// Transport implements both message.Publisher and message.Subscriber.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New opens the database and creates the queue tables when missing.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// One connection serialises writers and keeps a :memory: database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise sqlite schema: %w", err)
	}

	return t, nil
}

// Timestamps are unix nanoseconds so polling compares integers.
func (t *Transport) initSchema() error {
	_, err := t.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		available_at INTEGER NOT NULL,
		locked_until INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_available ON messages(queue, available_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		source_queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		failed_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(source_queue);
	`)
	return err
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish appends messages to queue in one transaction.
func (t *Transport) Publish(queue string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer rollback(tx, t.logger)

	stmt, err := tx.Prepare(`INSERT INTO messages (uuid, queue, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare publish: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		if _, err := stmt.Exec(msg.UUID, queue, []byte(msg.Payload), string(md), now); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}

	return tx.Commit()
}

// Subscribe polls queue until ctx is done or the transport is closed. The
// next message is delivered only after the previous one was acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.poll(ctx, queue, out)
	return out, nil
}

func (t *Transport) poll(ctx context.Context, queue string, out chan *message.Message) {
	defer t.wg.Done()
	defer close(out)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case <-ticker.C:
			for t.deliverNext(ctx, queue, out) {
			}
		}
	}
}

type lockedRow struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

func (t *Transport) lockNext(ctx context.Context, queue string) (*lockedRow, bool) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("Could not begin poll", err, watermill.LogFields{"queue": queue})
		}
		return nil, false
	}
	defer rollback(tx, t.logger)

	now := time.Now().UnixNano()
	var row lockedRow
	err = tx.QueryRowContext(ctx, `
		SELECT id, uuid, payload, metadata
		FROM messages
		WHERE queue = ?
		AND available_at <= ?
		AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY available_at, id
		LIMIT 1
	`, queue, now, now).Scan(&row.id, &row.uuid, &row.payload, &row.metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("Could not read next message", err, watermill.LogFields{"queue": queue})
		}
		return nil, false
	}

	lockUntil := now + t.config.LockTimeout.Nanoseconds()
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`, lockUntil, row.id); err != nil {
		t.logger.Error("Could not lock message", err, watermill.LogFields{"queue": queue, "uuid": row.uuid})
		return nil, false
	}
	if err := tx.Commit(); err != nil {
		t.logger.Error("Could not commit message lock", err, watermill.LogFields{"queue": queue, "uuid": row.uuid})
		return nil, false
	}
	return &row, true
}

// deliverNext hands one message to the subscriber and settles it. It reports
// whether polling should continue without waiting for the next tick.
func (t *Transport) deliverNext(ctx context.Context, queue string, out chan *message.Message) bool {
	row, ok := t.lockNext(ctx, queue)
	if !ok {
		return false
	}

	msg := message.NewMessage(row.uuid, row.payload)
	if err := jsoncodec.Unmarshal([]byte(row.metadata), &msg.Metadata); err != nil {
		t.logger.Error("Could not decode message metadata", err, watermill.LogFields{"queue": queue, "uuid": row.uuid})
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		t.unlock(row.id)
		return false
	case <-t.closedChan:
		t.unlock(row.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(row.id)
		return true
	case <-msg.Nacked():
		t.nack(row.id)
		return true
	case <-ctx.Done():
		t.unlock(row.id)
	case <-t.closedChan:
		t.unlock(row.id)
	}
	return false
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("Could not ack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) nack(id int64) {
	var retries int
	if err := t.db.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&retries); err != nil {
		t.logger.Error("Could not read retry count", err, watermill.LogFields{"id": id})
		return
	}

	if retries >= t.config.MaxRetries {
		if err := t.deadLetter(id, "retries exhausted"); err != nil {
			t.logger.Error("Could not dead-letter message", err, watermill.LogFields{"id": id})
		}
		return
	}

	availableAt := time.Now().Add(t.config.RetryBackoff * time.Duration(retries+1)).UnixNano()
	_, err := t.db.Exec(`
		UPDATE messages
		SET retry_count = retry_count + 1, locked_until = NULL, available_at = ?
		WHERE id = ?
	`, availableAt, id)
	if err != nil {
		t.logger.Error("Could not nack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) deadLetter(id int64, reason string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx, t.logger)

	_, err = tx.Exec(`
		INSERT INTO dead_letters (uuid, source_queue, payload, metadata, error_message, failed_at, retry_count)
		SELECT uuid, queue, payload, metadata, ?, ?, retry_count FROM messages WHERE id = ?
	`, reason, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Transport) unlock(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
		t.logger.Error("Could not unlock message", err, watermill.LogFields{"id": id})
	}
}

// Close stops all pollers, returns in-flight messages to their queue and
// closes the database. Calling Close again is a no-op.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

// GetCapabilities returns the capabilities of this transport instance.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// GetDB returns the underlying database.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of messages waiting in queue, including
// in-flight and backing-off ones.
func (t *Transport) GetPendingCount(queue string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE queue = ?`, queue).Scan(&count)
	return count, err
}

// GetDeadLetterCount returns the number of dead letters from queue.
func (t *Transport) GetDeadLetterCount(queue string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE source_queue = ?`, queue).Scan(&count)
	return count, err
}

// ListDeadLetters returns dead letters from queue, newest first.
func (t *Transport) ListDeadLetters(queue string, limit, offset int) ([]transport.DeadLetter, error) {
	rows, err := t.db.Query(`
		SELECT id, uuid, source_queue, payload, metadata, error_message, failed_at, retry_count
		FROM dead_letters
		WHERE source_queue = ?
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, queue, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []transport.DeadLetter
	for rows.Next() {
		var (
			dl       transport.DeadLetter
			metadata string
			failedAt int64
		)
		if err := rows.Scan(&dl.ID, &dl.UUID, &dl.SourceQueue, &dl.Payload, &metadata, &dl.ErrorMessage, &failedAt, &dl.RetryCount); err != nil {
			return nil, err
		}
		dl.FailedAt = time.Unix(0, failedAt).UTC()
		if err := jsoncodec.Unmarshal([]byte(metadata), &dl.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of dead letter %d: %w", dl.ID, err)
		}
		if dl.Metadata == nil {
			dl.Metadata = map[string]string{}
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// ReplayDeadLetter moves one dead letter back to the front of its queue with
// a fresh retry budget.
func (t *Transport) ReplayDeadLetter(id int64) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx, t.logger)

	res, err := tx.Exec(`
		INSERT INTO messages (uuid, queue, payload, metadata, available_at)
		SELECT uuid, source_queue, payload, metadata, ? FROM dead_letters WHERE id = ?
	`, time.Now().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %d not found", id)
	}
	if _, err := tx.Exec(`DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplayDeadLetters moves every dead letter of queue back to it.
func (t *Transport) ReplayDeadLetters(queue string) (int64, error) {
	tx, err := t.db.Begin()
	if err != nil {
		return 0, err
	}
	defer rollback(tx, t.logger)

	res, err := tx.Exec(`
		INSERT INTO messages (uuid, queue, payload, metadata, available_at)
		SELECT uuid, source_queue, payload, metadata, ? FROM dead_letters WHERE source_queue = ? ORDER BY id
	`, time.Now().UnixNano(), queue)
	if err != nil {
		return 0, err
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.Exec(`DELETE FROM dead_letters WHERE source_queue = ?`, queue); err != nil {
		return 0, err
	}
	return moved, tx.Commit()
}

// PurgeDeadLetters deletes every dead letter of queue.
func (t *Transport) PurgeDeadLetters(queue string) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM dead_letters WHERE source_queue = ?`, queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func rollback(tx *sql.Tx, logger watermill.LoggerAdapter) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error("Could not roll back transaction", err, nil)
	}
}
