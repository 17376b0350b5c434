// Package postgres provides a PostgreSQL-backed queue transport for
// qdispatch. Queues are rows in one schema; pollers claim rows with
// FOR UPDATE SKIP LOCKED so several service replicas can share a queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	jsoncodec "github.com/drblury/qdispatch/internal/runtime/jsoncodec"
	"github.com/drblury/qdispatch/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultSchema holds the queue tables when no schema is configured.
	DefaultSchema = "qdispatch"
	// DefaultPollInterval is the default interval for polling new messages.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the default number of redeliveries before a
	// message is dead-lettered.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the base of the exponential backoff of nacked
	// messages.
	DefaultRetryBackoff = time.Second
	// DefaultLockTimeout is how long a claimed message stays invisible to
	// other pollers without being acked or nacked.
	DefaultLockTimeout = 30 * time.Second
)

var (
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	ErrInvalidSchema            = errors.New("postgres schema must be a plain identifier")
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("postgres transport is closed")
)

var schemaPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Factory allows overriding the transport creation for testing.
var Factory = New

func init() {
	Register()
}

// Register registers the PostgreSQL transport and its "postgresql" alias
// with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Build connects to the configured database. The same Transport serves as
// publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := Factory(Config{
		ConnectionString: cfg.GetPostgresURL(),
		MaxRetries:       DefaultMaxRetries,
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
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	ConnectionString string
	PollInterval     time.Duration
	// MaxRetries is the number of redeliveries of a nacked message. Zero
	// dead-letters on the first nack; negative values select the default.
	MaxRetries   int
	RetryBackoff time.Duration
	LockTimeout  time.Duration
	// SchemaName is created on start when missing.
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
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
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return ErrConnectionStringRequired
	}
	if !schemaPattern.MatchString(c.SchemaName) {
		return fmt.Errorf("%w: %q", ErrInvalidSchema, c.SchemaName)
	}
	return nil
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

// New connects to PostgreSQL and creates the schema and queue tables when
// missing.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	t := &Transport{
		db:         db,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise postgres schema: %w", err)
	}

	return t, nil
}

// q qualifies the queue tables with the configured schema. The schema name
// is checked against schemaPattern in New.
func (t *Transport) q(query string) string {
	return fmt.Sprintf(query, t.config.SchemaName)
}

func (t *Transport) initSchema() error {
	_, err := t.db.Exec(t.q(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.messages (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		queue TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		locked_until TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_available
		ON %[1]s.messages(queue, available_at);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letters (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL,
		source_queue TEXT NOT NULL,
		payload BYTEA NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_queue
		ON %[1]s.dead_letters(source_queue, failed_at);
	`))
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

	stmt, err := tx.Prepare(t.q(`INSERT INTO %s.messages (uuid, queue, payload, metadata) VALUES ($1, $2, $3, $4)`))
	if err != nil {
		return fmt.Errorf("prepare publish: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", msg.UUID, err)
		}
		if _, err := stmt.Exec(msg.UUID, queue, []byte(msg.Payload), string(md)); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}

	return tx.Commit()
}

// Subscribe polls queue until ctx is done or the transport is closed. Each
// subscription has at most one message in flight.
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

func (t *Transport) claimNext(ctx context.Context, queue string) (int64, *message.Message, bool) {
	var (
		id       int64
		uuid     string
		payload  []byte
		metadata []byte
	)
	err := t.db.QueryRowContext(ctx, t.q(`
		UPDATE %[1]s.messages
		SET locked_until = NOW() + $1::float8 * INTERVAL '1 millisecond'
		WHERE id = (
			SELECT id FROM %[1]s.messages
			WHERE queue = $2
			AND available_at <= NOW()
			AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY available_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, uuid, payload, metadata
	`), t.config.LockTimeout.Milliseconds(), queue).Scan(&id, &uuid, &payload, &metadata)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("Could not claim next message", err, watermill.LogFields{"queue": queue})
		}
		return 0, nil, false
	}

	msg := message.NewMessage(uuid, payload)
	if err := jsoncodec.Unmarshal(metadata, &msg.Metadata); err != nil {
		t.logger.Error("Could not decode message metadata", err, watermill.LogFields{"queue": queue, "uuid": uuid})
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}
	return id, msg, true
}

// deliverNext hands one message to the subscriber and settles it. It reports
// whether polling should continue without waiting for the next tick.
func (t *Transport) deliverNext(ctx context.Context, queue string, out chan *message.Message) bool {
	id, msg, ok := t.claimNext(ctx, queue)
	if !ok {
		return false
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		t.unlock(id)
		return false
	case <-t.closedChan:
		t.unlock(id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(id)
		return true
	case <-msg.Nacked():
		t.nack(id)
		return true
	case <-ctx.Done():
		t.unlock(id)
	case <-t.closedChan:
		t.unlock(id)
	}
	return false
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(t.q(`DELETE FROM %s.messages WHERE id = $1`), id); err != nil {
		t.logger.Error("Could not ack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) nack(id int64) {
	var retries int
	if err := t.db.QueryRow(t.q(`SELECT retry_count FROM %s.messages WHERE id = $1`), id).Scan(&retries); err != nil {
		t.logger.Error("Could not read retry count", err, watermill.LogFields{"id": id})
		return
	}

	if retries >= t.config.MaxRetries {
		_, err := t.db.Exec(t.q(`
			WITH moved AS (
				DELETE FROM %[1]s.messages WHERE id = $1
				RETURNING uuid, queue, payload, metadata, retry_count
			)
			INSERT INTO %[1]s.dead_letters (uuid, source_queue, payload, metadata, error_message, retry_count)
			SELECT uuid, queue, payload, metadata, $2, retry_count FROM moved
		`), id, "retries exhausted")
		if err != nil {
			t.logger.Error("Could not dead-letter message", err, watermill.LogFields{"id": id})
		}
		return
	}

	backoff := t.config.RetryBackoff * time.Duration(1<<retries)
	_, err := t.db.Exec(t.q(`
		UPDATE %s.messages
		SET retry_count = retry_count + 1,
		    locked_until = NULL,
		    available_at = NOW() + $1::float8 * INTERVAL '1 millisecond'
		WHERE id = $2
	`), backoff.Milliseconds(), id)
	if err != nil {
		t.logger.Error("Could not nack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) unlock(id int64) {
	if _, err := t.db.Exec(t.q(`UPDATE %s.messages SET locked_until = NULL WHERE id = $1`), id); err != nil {
		t.logger.Error("Could not unlock message", err, watermill.LogFields{"id": id})
	}
}

// Close stops all pollers, returns in-flight messages to their queue and
// closes the connection pool. Calling Close again is a no-op.
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
	return transport.PostgresCapabilities
}

// GetDB returns the underlying connection pool.
func (t *Transport) GetDB() *sql.DB {
	return t.db
}

// GetPendingCount returns the number of messages waiting in queue, including
// in-flight and backing-off ones.
func (t *Transport) GetPendingCount(queue string) (int64, error) {
	var count int64
	err := t.db.QueryRow(t.q(`SELECT COUNT(*) FROM %s.messages WHERE queue = $1`), queue).Scan(&count)
	return count, err
}

// GetDeadLetterCount returns the number of dead letters from queue.
func (t *Transport) GetDeadLetterCount(queue string) (int64, error) {
	var count int64
	err := t.db.QueryRow(t.q(`SELECT COUNT(*) FROM %s.dead_letters WHERE source_queue = $1`), queue).Scan(&count)
	return count, err
}

// ListDeadLetters returns dead letters from queue, newest first.
func (t *Transport) ListDeadLetters(queue string, limit, offset int) ([]transport.DeadLetter, error) {
	rows, err := t.db.Query(t.q(`
		SELECT id, uuid, source_queue, payload, metadata, error_message, failed_at, retry_count
		FROM %s.dead_letters
		WHERE source_queue = $1
		ORDER BY failed_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`), queue, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []transport.DeadLetter
	for rows.Next() {
		var (
			dl       transport.DeadLetter
			metadata []byte
		)
		if err := rows.Scan(&dl.ID, &dl.UUID, &dl.SourceQueue, &dl.Payload, &metadata, &dl.ErrorMessage, &dl.FailedAt, &dl.RetryCount); err != nil {
			return nil, err
		}
		if err := jsoncodec.Unmarshal(metadata, &dl.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of dead letter %d: %w", dl.ID, err)
		}
		if dl.Metadata == nil {
			dl.Metadata = map[string]string{}
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// ReplayDeadLetter moves one dead letter back to its queue with a fresh
// retry budget.
func (t *Transport) ReplayDeadLetter(id int64) error {
	res, err := t.db.Exec(t.q(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letters WHERE id = $1
			RETURNING uuid, source_queue, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, queue, payload, metadata)
		SELECT uuid, source_queue, payload, metadata FROM replayed
	`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %d not found", id)
	}
	return nil
}

// ReplayDeadLetters moves every dead letter of queue back to it.
func (t *Transport) ReplayDeadLetters(queue string) (int64, error) {
	res, err := t.db.Exec(t.q(`
		WITH replayed AS (
			DELETE FROM %[1]s.dead_letters WHERE source_queue = $1
			RETURNING id, uuid, source_queue, payload, metadata
		)
		INSERT INTO %[1]s.messages (uuid, queue, payload, metadata)
		SELECT uuid, source_queue, payload, metadata FROM replayed ORDER BY id
	`), queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeDeadLetters deletes every dead letter of queue.
func (t *Transport) PurgeDeadLetters(queue string) (int64, error) {
	res, err := t.db.Exec(t.q(`DELETE FROM %s.dead_letters WHERE source_queue = $1`), queue)
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
