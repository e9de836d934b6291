package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresDefaultTablePrefix = "relayreport_"
	postgresOperationTimeout   = 5 * time.Second
)

// Postgres error codes that mean "try the whole unit of work again".
var postgresRetryableCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"57014": "query_canceled",
	"55P03": "lock_not_available",
	"08006": "connection_failure",
	"08003": "connection_does_not_exist",
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresGateway stores launches, items, logs and idempotency records in four
// tables. Every launch or item read inside a transaction takes a row lock, so
// a StartItem and a FinishLaunch on the same launch serialize.
type PostgresGateway struct {
	dsn         string
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresGateway(dsn string) (*PostgresGateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresGateway{
		dsn:         dsn,
		tablePrefix: postgresDefaultTablePrefix,
		openDB:      sql.Open,
	}, nil
}

func (g *PostgresGateway) table(name string) string {
	return quoteIdentifier(g.tablePrefix + name)
}

func (g *PostgresGateway) ensureReady() error {
	if g == nil {
		return ErrInvalidInput
	}
	g.initOnce.Do(func() {
		db, err := g.openDB("postgres", g.dsn)
		if err != nil {
			g.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					project_id TEXT NOT NULL,
					name TEXT NOT NULL,
					mode TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					attributes JSONB NOT NULL DEFAULT '{}',
					status TEXT NOT NULL,
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ
				)`, g.table("launches")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					launch_id TEXT NOT NULL REFERENCES %s (id),
					parent_id TEXT,
					name TEXT NOT NULL,
					item_type TEXT NOT NULL,
					status TEXT NOT NULL,
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ,
					path TEXT NOT NULL,
					depth INTEGER NOT NULL
				)`, g.table("items"), g.table("launches")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (launch_id, status)",
				quoteIdentifier(g.tablePrefix+"items_launch_status_idx"), g.table("items")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (path text_pattern_ops)",
				quoteIdentifier(g.tablePrefix+"items_path_idx"), g.table("items")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					launch_id TEXT NOT NULL REFERENCES %s (id),
					item_id TEXT,
					log_time TIMESTAMPTZ NOT NULL,
					level TEXT NOT NULL,
					message TEXT NOT NULL
				)`, g.table("logs"), g.table("launches")),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					correlation_id TEXT NOT NULL,
					kind TEXT NOT NULL,
					digest TEXT NOT NULL,
					outcome TEXT NOT NULL,
					applied_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (correlation_id, kind)
				)`, g.table("idempotency")),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (applied_at)",
				quoteIdentifier(g.tablePrefix+"idempotency_applied_at_idx"), g.table("idempotency")),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				g.initErr = err
				return
			}
		}
		g.db = db
	})
	return g.initErr
}

func (g *PostgresGateway) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := g.ensureReady(); err != nil {
		return translatePostgresError(err)
	}
	sqlTx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translatePostgresError(err)
	}
	if err := fn(&postgresTx{gateway: g, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return translatePostgresError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translatePostgresError(err)
	}
	return nil
}

func (g *PostgresGateway) PruneIdempotency(ctx context.Context, before time.Time) (int, error) {
	if err := g.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE applied_at < $1", g.table("idempotency"))
	result, err := g.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, translatePostgresError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (g *PostgresGateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// translatePostgresError keeps pipeline errors intact and tags database
// failures so Classify and the dispatcher can tell them apart.
func translatePostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	code := string(pqErr.Code)
	if code == "23505" {
		return fmt.Errorf("%w: %s", ErrIdempotencyRace, pqErr.Constraint)
	}
	if name, ok := postgresRetryableCodes[code]; ok {
		return fmt.Errorf("%w: %s: %v", ErrTransient, name, err)
	}
	return fmt.Errorf("%w: postgres %s: %v", ErrTransient, code, err)
}

type postgresTx struct {
	gateway *PostgresGateway
	tx      *sql.Tx
}

func (t *postgresTx) GetLaunch(ctx context.Context, id string) (Launch, error) {
	query := fmt.Sprintf(`
		SELECT id, project_id, name, mode, description, attributes, status, start_time, end_time
		FROM %s WHERE id = $1 FOR UPDATE`, t.gateway.table("launches"))
	var (
		launch     Launch
		attributes []byte
		endTime    sql.NullTime
		status     string
	)
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&launch.ID, &launch.ProjectID, &launch.Name, &launch.Mode, &launch.Description,
		&attributes, &status, &launch.StartTime, &endTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Launch{}, ErrNotFound
	}
	if err != nil {
		return Launch{}, err
	}
	launch.Status = Status(status)
	launch.StartTime = launch.StartTime.UTC()
	if endTime.Valid {
		launch.EndTime = timePtr(endTime.Time)
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &launch.Attributes); err != nil {
			return Launch{}, fmt.Errorf("decode attributes of launch %s: %w", id, err)
		}
		if len(launch.Attributes) == 0 {
			launch.Attributes = nil
		}
	}
	return launch, nil
}

func (t *postgresTx) GetItem(ctx context.Context, id string) (TestItem, error) {
	query := fmt.Sprintf(`
		SELECT id, launch_id, parent_id, name, item_type, status, start_time, end_time, path, depth
		FROM %s WHERE id = $1 FOR UPDATE`, t.gateway.table("items"))
	var (
		item     TestItem
		parentID sql.NullString
		endTime  sql.NullTime
		status   string
	)
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&item.ID, &item.LaunchID, &parentID, &item.Name, &item.Type, &status,
		&item.StartTime, &endTime, &item.Path, &item.Depth,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TestItem{}, ErrNotFound
	}
	if err != nil {
		return TestItem{}, err
	}
	item.Status = Status(status)
	item.ParentID = parentID.String
	item.StartTime = item.StartTime.UTC()
	if endTime.Valid {
		item.EndTime = timePtr(endTime.Time)
	}
	return item, nil
}

func (t *postgresTx) CountInProgressDescendants(ctx context.Context, ref EntityRef) (int, error) {
	var (
		query string
		args  []any
	)
	switch ref.Kind {
	case EntityLaunch:
		query = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE launch_id = $1 AND status = $2", t.gateway.table("items"))
		args = []any{ref.ID, string(StatusInProgress)}
	case EntityItem:
		parent, err := t.GetItem(ctx, ref.ID)
		if err != nil {
			return 0, err
		}
		prefix := parent.Path + "."
		query = fmt.Sprintf(`
			SELECT COUNT(*) FROM %s
			WHERE launch_id = $1 AND status = $2 AND left(path, char_length($3)) = $3`, t.gateway.table("items"))
		args = []any{parent.LaunchID, string(StatusInProgress), prefix}
	default:
		return 0, fmt.Errorf("%w: entity kind %q", ErrInvalidInput, ref.Kind)
	}
	var count int
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (t *postgresTx) LogExists(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", t.gateway.table("logs"))
	var exists bool
	if err := t.tx.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (t *postgresTx) LookupIdempotency(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error) {
	query := fmt.Sprintf(`
		SELECT digest, outcome, applied_at FROM %s
		WHERE correlation_id = $1 AND kind = $2`, t.gateway.table("idempotency"))
	record := IdempotencyRecord{Key: key}
	err := t.tx.QueryRowContext(ctx, query, key.CorrelationID, string(key.Kind)).
		Scan(&record.Digest, &record.Outcome, &record.AppliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, err
	}
	record.AppliedAt = record.AppliedAt.UTC()
	return record, nil
}

// ApplyTransition claims the idempotency key first. Losing that insert, or
// finding the target row already moved on, means another worker committed the
// same logical change and the caller should re-run its unit of work.
func (t *postgresTx) ApplyTransition(ctx context.Context, transition Transition, record IdempotencyRecord) error {
	claim := fmt.Sprintf(`
		INSERT INTO %s (correlation_id, kind, digest, outcome, applied_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (correlation_id, kind) DO NOTHING`, t.gateway.table("idempotency"))
	result, err := t.tx.ExecContext(ctx, claim,
		record.Key.CorrelationID, string(record.Key.Kind), record.Digest, record.Outcome, record.AppliedAt.UTC())
	if err := expectOneRow(result, err); err != nil {
		return err
	}

	switch transition.Op {
	case OpNone:
		return nil
	case OpCreateLaunch:
		launch := transition.Launch
		attributes, err := json.Marshal(nonNilMap(launch.Attributes))
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (id, project_id, name, mode, description, attributes, status, start_time, end_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
			ON CONFLICT (id) DO NOTHING`, t.gateway.table("launches"))
		result, err := t.tx.ExecContext(ctx, query,
			launch.ID, launch.ProjectID, launch.Name, launch.Mode, launch.Description,
			string(attributes), string(launch.Status), launch.StartTime.UTC())
		return expectOneRow(result, err)
	case OpFinishLaunch:
		query := fmt.Sprintf(`
			UPDATE %s SET status = $2, end_time = $3
			WHERE id = $1 AND status = $4`, t.gateway.table("launches"))
		result, err := t.tx.ExecContext(ctx, query,
			transition.Launch.ID, string(transition.Launch.Status), endTimeArg(transition.Launch.EndTime), string(StatusInProgress))
		return expectOneRow(result, err)
	case OpCreateItem:
		item := transition.Item
		var parentID sql.NullString
		if item.ParentID != "" {
			parentID = sql.NullString{String: item.ParentID, Valid: true}
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (id, launch_id, parent_id, name, item_type, status, start_time, end_time, path, depth)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9)
			ON CONFLICT (id) DO NOTHING`, t.gateway.table("items"))
		result, err := t.tx.ExecContext(ctx, query,
			item.ID, item.LaunchID, parentID, item.Name, item.Type, string(item.Status),
			item.StartTime.UTC(), item.Path, item.Depth)
		return expectOneRow(result, err)
	case OpFinishItem:
		query := fmt.Sprintf(`
			UPDATE %s SET status = $2, end_time = $3
			WHERE id = $1 AND status = $4`, t.gateway.table("items"))
		result, err := t.tx.ExecContext(ctx, query,
			transition.Item.ID, string(transition.Item.Status), endTimeArg(transition.Item.EndTime), string(StatusInProgress))
		return expectOneRow(result, err)
	case OpAppendLog:
		entry := transition.Log
		var itemID sql.NullString
		if entry.ItemID != "" {
			itemID = sql.NullString{String: entry.ItemID, Valid: true}
		}
		query := fmt.Sprintf(`
			INSERT INTO %s (id, launch_id, item_id, log_time, level, message)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`, t.gateway.table("logs"))
		result, err := t.tx.ExecContext(ctx, query,
			entry.ID, entry.LaunchID, itemID, entry.Time.UTC(), entry.Level, entry.Message)
		return expectOneRow(result, err)
	default:
		return fmt.Errorf("%w: transition op %q", ErrInvalidInput, transition.Op)
	}
}

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrIdempotencyRace
	}
	return nil
}

func endTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
