package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName      = "relayreport_queue"
	postgresOperationTimeout    = 5 * time.Second
	postgresQueuePollInterval   = 20 * time.Millisecond
	postgresDefaultVisibility   = 2 * time.Minute
	postgresDeadLetterTableName = "relayreport_dead_letters"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue leases rows with FOR UPDATE SKIP LOCKED. A leased row whose lease
// expires without Ack or Requeue becomes visible again with its attempt incremented.
// Every lease carries a fresh token; Ack and Requeue from a lapsed lease fail with
// ErrLeaseLost.
type PostgresQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	visibility   time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn, name string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	name = strings.TrimSpace(name)
	if dsn == "" || name == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		queueKey:     name,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		visibility:   postgresDefaultVisibility,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresQueue) Name() string {
	return q.queueKey
}

func (q *PostgresQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				message_id TEXT NOT NULL UNIQUE,
				payload BYTEA NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				leased_until TIMESTAMPTZ,
				lease_token TEXT
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		alterQuery := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS lease_token TEXT", postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, alterQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_available_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, available_at, id)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) Publish(ctx context.Context, body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return Message{}, err
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return Message{}, err
	}
	if depth >= q.capacity {
		return Message{}, ErrQueueFull
	}
	msg := Message{
		ID:      uuid.NewString(),
		Queue:   q.queueKey,
		Body:    append([]byte(nil), body...),
		Attempt: 1,
	}
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (queue_key, message_id, payload, attempt, enqueued_at, available_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		RETURNING enqueued_at`, postgresQuoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, insertQuery, q.queueKey, msg.ID, msg.Body).Scan(&msg.EnqueuedAt); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	committed = true
	msg.AvailableAt = msg.EnqueuedAt
	return msg, nil
}

func (q *PostgresQueue) Receive(ctx context.Context) (Message, bool) {
	for {
		msg, ok := q.tryReceive(ctx)
		if ok {
			return msg, true
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresQueue) tryReceive(ctx context.Context) (Message, bool) {
	if err := q.ensureReady(); err != nil {
		return Message{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, message_id, payload, attempt, enqueued_at, available_at, leased_until IS NOT NULL
		FROM %s
		WHERE queue_key = $1
			AND available_at <= NOW()
			AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var (
		id          int64
		msg         Message
		leaseLapsed bool
	)
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &msg.ID, &msg.Body, &msg.Attempt, &msg.EnqueuedAt, &msg.AvailableAt, &leaseLapsed)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false
	}
	if err != nil {
		return Message{}, false
	}
	if leaseLapsed {
		msg.Attempt++
	}
	msg.LeaseToken = uuid.NewString()
	leaseQuery := fmt.Sprintf(`
		UPDATE %s
		SET leased_until = NOW() + ($2 * INTERVAL '1 millisecond'), attempt = $3, lease_token = $4
		WHERE id = $1`, postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, leaseQuery, id, q.visibility.Milliseconds(), msg.Attempt, msg.LeaseToken); err != nil {
		return Message{}, false
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false
	}
	committed = true
	msg.Queue = q.queueKey
	return msg, true
}

func (q *PostgresQueue) Ack(ctx context.Context, msg Message) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE queue_key = $1 AND message_id = $2 AND lease_token = $3`, postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, q.queueKey, msg.ID, msg.LeaseToken)
	return leaseResult(result, err)
}

// leaseResult maps a fenced write that matched no row to ErrLeaseLost: the
// message was already settled, or re-leased by another receiver.
func leaseResult(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, msg Message, delay time.Duration) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		UPDATE %s
		SET attempt = $3,
			available_at = NOW() + ($4 * INTERVAL '1 millisecond'),
			leased_until = NULL,
			lease_token = NULL
		WHERE queue_key = $1 AND message_id = $2 AND lease_token = $5`, postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, q.queueKey, msg.ID, msg.Attempt+1, delay.Milliseconds(), msg.LeaseToken)
	return leaseResult(result, err)
}

func (q *PostgresQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Snapshot() []Message {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT message_id, payload, attempt, enqueued_at, available_at
		FROM %s WHERE queue_key = $1 ORDER BY id ASC`, postgresQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg := Message{Queue: q.queueKey}
		if scanErr := rows.Scan(&msg.ID, &msg.Body, &msg.Attempt, &msg.EnqueuedAt, &msg.AvailableAt); scanErr != nil {
			continue
		}
		items = append(items, msg)
	}
	return items
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
