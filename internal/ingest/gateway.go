package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Gateway is the persistence boundary of the pipeline. Everything a handler
// reads or writes for one envelope happens inside a single WithinTx call.
type Gateway interface {
	// WithinTx commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	PruneIdempotency(ctx context.Context, before time.Time) (int, error)
	Close() error
}

type Tx interface {
	GetLaunch(ctx context.Context, id string) (Launch, error)
	GetItem(ctx context.Context, id string) (TestItem, error)
	CountInProgressDescendants(ctx context.Context, ref EntityRef) (int, error)
	LogExists(ctx context.Context, id string) (bool, error)
	LookupIdempotency(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error)
	// ApplyTransition writes the transition and its idempotency record together.
	// A concurrent writer that got there first surfaces as ErrIdempotencyRace.
	ApplyTransition(ctx context.Context, transition Transition, record IdempotencyRecord) error
}

// OpenGateway selects a gateway implementation by DSN scheme.
func OpenGateway(dsn string) (Gateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryGateway(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryGateway(), nil
	case "postgres", "postgresql":
		return NewPostgresGateway(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: storage scheme %s", ErrNotImplemented, parsed.Scheme)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", parsed.Scheme)
	}
}
