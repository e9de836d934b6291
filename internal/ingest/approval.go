package ingest

import (
	"context"
	"fmt"
)

type Decision struct {
	Approved bool
	Blocking int
}

// ApprovalGate allows a launch or item to finish only when none of its
// descendants is still IN_PROGRESS.
type ApprovalGate struct{}

func (ApprovalGate) MayFinish(ctx context.Context, tx Tx, ref EntityRef) (Decision, error) {
	blocking, err := tx.CountInProgressDescendants(ctx, ref)
	if err != nil {
		return Decision{}, fmt.Errorf("count in-progress descendants of %s %s: %w", ref.Kind, ref.ID, err)
	}
	return Decision{Approved: blocking == 0, Blocking: blocking}, nil
}
