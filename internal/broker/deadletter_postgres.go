package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type PostgresDeadLetterStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDeadLetterStore(dsn string) (*PostgresDeadLetterStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDeadLetterStore{
		dsn:       dsn,
		tableName: postgresDeadLetterTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresDeadLetterStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				queue_name TEXT NOT NULL,
				message_id TEXT NOT NULL,
				kind TEXT NOT NULL DEFAULT '',
				correlation_id TEXT NOT NULL DEFAULT '',
				project_id TEXT NOT NULL DEFAULT '',
				payload BYTEA NOT NULL,
				failure_class TEXT NOT NULL,
				failure_reason TEXT NOT NULL,
				attempt_count INTEGER NOT NULL,
				enqueued_at TIMESTAMPTZ,
				failed_at TIMESTAMPTZ NOT NULL
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresDeadLetterStore) Put(ctx context.Context, entry DeadLetter) (DeadLetter, error) {
	if err := s.ensureReady(); err != nil {
		return DeadLetter{}, err
	}
	entry = normalizeDeadLetter(entry)
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var enqueuedAt sql.NullTime
	if !entry.EnqueuedAt.IsZero() {
		enqueuedAt = sql.NullTime{Time: entry.EnqueuedAt, Valid: true}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, queue_name, message_id, kind, correlation_id, project_id, payload,
			failure_class, failure_reason, attempt_count, enqueued_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			failure_class = EXCLUDED.failure_class,
			failure_reason = EXCLUDED.failure_reason,
			attempt_count = EXCLUDED.attempt_count,
			failed_at = EXCLUDED.failed_at`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Queue, entry.MessageID, entry.Kind, entry.CorrelationID, entry.ProjectID, entry.Body,
		entry.FailureClass, entry.FailureReason, entry.AttemptCount, enqueuedAt, entry.FailedAt,
	)
	if err != nil {
		return DeadLetter{}, err
	}
	return entry, nil
}

func (s *PostgresDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if strings.TrimSpace(id) == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return DeadLetter{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", deadLetterColumns, postgresQuoteIdentifier(s.tableName))
	entry, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	return entry, err
}

func (s *PostgresDeadLetterStore) List(ctx context.Context, cursor string, limit int) (DeadLetterPage, error) {
	if err := s.ensureReady(); err != nil {
		return DeadLetterPage{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	table := postgresQuoteIdentifier(s.tableName)
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == "" {
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY failed_at DESC, id ASC LIMIT $1", deadLetterColumns, table)
		rows, err = s.db.QueryContext(ctx, query, limit+1)
	} else {
		var exists bool
		existsQuery := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table)
		if err := s.db.QueryRowContext(ctx, existsQuery, cursor).Scan(&exists); err != nil {
			return DeadLetterPage{}, err
		}
		if !exists {
			return DeadLetterPage{}, ErrInvalidInput
		}
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE failed_at < (SELECT failed_at FROM %s WHERE id = $1)
				OR (failed_at = (SELECT failed_at FROM %s WHERE id = $1) AND id > $1)
			ORDER BY failed_at DESC, id ASC LIMIT $2`, deadLetterColumns, table, table, table)
		rows, err = s.db.QueryContext(ctx, query, cursor, limit+1)
	}
	if err != nil {
		return DeadLetterPage{}, err
	}
	defer rows.Close()

	items := make([]DeadLetter, 0, limit)
	for rows.Next() {
		entry, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return DeadLetterPage{}, scanErr
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return DeadLetterPage{}, err
	}
	var next *string
	if len(items) > limit {
		items = items[:limit]
		cursorValue := items[limit-1].ID
		next = &cursorValue
	}
	return DeadLetterPage{Items: items, NextCursor: next}, nil
}

func (s *PostgresDeadLetterStore) Delete(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresDeadLetterStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const deadLetterColumns = `id, queue_name, message_id, kind, correlation_id, project_id, payload,
	failure_class, failure_reason, attempt_count, enqueued_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var (
		entry      DeadLetter
		enqueuedAt sql.NullTime
	)
	err := row.Scan(
		&entry.ID, &entry.Queue, &entry.MessageID, &entry.Kind, &entry.CorrelationID, &entry.ProjectID, &entry.Body,
		&entry.FailureClass, &entry.FailureReason, &entry.AttemptCount, &enqueuedAt, &entry.FailedAt,
	)
	if err != nil {
		return DeadLetter{}, err
	}
	if enqueuedAt.Valid {
		entry.EnqueuedAt = enqueuedAt.Time
	}
	return entry, nil
}
