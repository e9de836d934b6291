package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
)

type IdempotencyRecord struct {
	Key       IdempotencyKey `json:"key"`
	Digest    string         `json:"digest"`
	Outcome   string         `json:"outcome"`
	AppliedAt time.Time      `json:"appliedAt"`
}

type GuardState int

const (
	NotYetApplied GuardState = iota
	AlreadyApplied
	Conflicting
)

func (s GuardState) String() string {
	switch s {
	case AlreadyApplied:
		return "already_applied"
	case Conflicting:
		return "conflicting"
	default:
		return "not_yet_applied"
	}
}

// Guard checks and records idempotency inside the caller's transaction so the
// record commits atomically with the transition it describes.
type Guard struct {
	now func() time.Time
}

func NewGuard(now func() time.Time) Guard {
	if now == nil {
		now = time.Now
	}
	return Guard{now: now}
}

func (g Guard) Check(ctx context.Context, tx Tx, key IdempotencyKey, digest string) (GuardState, error) {
	record, err := tx.LookupIdempotency(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return NotYetApplied, nil
	}
	if err != nil {
		return NotYetApplied, fmt.Errorf("lookup idempotency %s: %w", key, err)
	}
	if record.Digest != digest {
		return Conflicting, nil
	}
	return AlreadyApplied, nil
}

func (g Guard) Record(key IdempotencyKey, digest, outcome string) IdempotencyRecord {
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	return IdempotencyRecord{
		Key:       key,
		Digest:    digest,
		Outcome:   outcome,
		AppliedAt: now().UTC(),
	}
}
