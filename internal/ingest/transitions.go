package ingest

import (
	"fmt"
	"maps"
)

type TransitionOp string

const (
	OpNone         TransitionOp = "none"
	OpCreateLaunch TransitionOp = "create_launch"
	OpFinishLaunch TransitionOp = "finish_launch"
	OpCreateItem   TransitionOp = "create_item"
	OpFinishItem   TransitionOp = "finish_item"
	OpAppendLog    TransitionOp = "append_log"
)

// Transition is the single write an envelope causes. Launch, Item and Log
// carry the full post-transition entity for the op that uses them. OpNone
// writes only the idempotency record.
type Transition struct {
	Op     TransitionOp
	Launch Launch
	Item   TestItem
	Log    LogEntry
}

func (t Transition) outcome() string {
	if t.Op == OpNone {
		return OutcomeNoop
	}
	return OutcomeApplied
}

func planStartLaunch(current *Launch, projectID string, p StartLaunchPayload) (Transition, error) {
	p = p.withDefaults()
	want := Launch{
		ID:          p.LaunchID,
		ProjectID:   projectID,
		Name:        p.Name,
		Mode:        p.Mode,
		Description: p.Description,
		Attributes:  maps.Clone(p.Attributes),
		Status:      StatusInProgress,
		StartTime:   p.StartTime,
	}
	if current == nil {
		return Transition{Op: OpCreateLaunch, Launch: want}, nil
	}
	if !sameLaunchStart(*current, want) {
		return Transition{}, fmt.Errorf("%w: launch %s already started with different attributes", ErrConflictingDuplicate, p.LaunchID)
	}
	return Transition{Op: OpNone}, nil
}

func sameLaunchStart(a, b Launch) bool {
	return a.ProjectID == b.ProjectID &&
		a.Name == b.Name &&
		a.Mode == b.Mode &&
		a.Description == b.Description &&
		a.StartTime.Equal(b.StartTime) &&
		maps.Equal(nonNilMap(a.Attributes), nonNilMap(b.Attributes))
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// planFinishLaunch expects decision to be the gate's verdict for an
// IN_PROGRESS launch. It is ignored once the launch is terminal.
func planFinishLaunch(current Launch, projectID string, p FinishLaunchPayload, decision Decision) (Transition, error) {
	if current.ProjectID != projectID {
		return Transition{}, rejectf("launch", current.ID, "belongs to project %s", current.ProjectID)
	}
	if current.Status.Terminal() {
		if current.Status == p.Status {
			return Transition{Op: OpNone}, nil
		}
		return Transition{}, rejectf("launch", current.ID, "already finished as %s, cannot become %s", current.Status, p.Status)
	}
	if !p.Status.Terminal() {
		return Transition{}, rejectf("launch", current.ID, "status %s is not terminal", p.Status)
	}
	if p.EndTime.Before(current.StartTime) {
		return Transition{}, rejectf("launch", current.ID, "end time %s precedes start time %s", p.EndTime.UTC(), current.StartTime)
	}
	if !decision.Approved {
		return Transition{}, &FinishDeniedError{Entity: "launch", ID: current.ID, Blocking: decision.Blocking}
	}
	next := cloneLaunch(current)
	next.Status = p.Status
	next.EndTime = timePtr(p.EndTime)
	return Transition{Op: OpFinishLaunch, Launch: next}, nil
}

func planStartItem(launch Launch, parent, existing *TestItem, projectID string, p StartItemPayload) (Transition, error) {
	p = p.withDefaults()
	if launch.ProjectID != projectID {
		return Transition{}, rejectf("item", p.ItemID, "launch %s belongs to project %s", launch.ID, launch.ProjectID)
	}
	want := TestItem{
		ID:        p.ItemID,
		LaunchID:  launch.ID,
		ParentID:  p.ParentID,
		Name:      p.Name,
		Type:      p.Type,
		Status:    StatusInProgress,
		StartTime: p.StartTime,
		Path:      p.ItemID,
	}
	if existing != nil {
		if !sameItemStart(*existing, want) {
			return Transition{}, fmt.Errorf("%w: item %s already started with different attributes", ErrConflictingDuplicate, p.ItemID)
		}
		return Transition{Op: OpNone}, nil
	}
	if launch.Status.Terminal() {
		return Transition{}, rejectf("item", p.ItemID, "launch %s is already %s", launch.ID, launch.Status)
	}
	if parent != nil {
		if parent.LaunchID != launch.ID {
			return Transition{}, rejectf("item", p.ItemID, "parent %s belongs to launch %s", parent.ID, parent.LaunchID)
		}
		if parent.Status.Terminal() {
			return Transition{}, rejectf("item", p.ItemID, "parent %s is already %s", parent.ID, parent.Status)
		}
		want.Path = parent.Path + "." + p.ItemID
		want.Depth = parent.Depth + 1
	}
	return Transition{Op: OpCreateItem, Item: want}, nil
}

func sameItemStart(a, b TestItem) bool {
	return a.LaunchID == b.LaunchID &&
		a.ParentID == b.ParentID &&
		a.Name == b.Name &&
		a.Type == b.Type &&
		a.StartTime.Equal(b.StartTime)
}

func planFinishItem(item TestItem, launch Launch, projectID string, p FinishItemPayload, decision Decision) (Transition, error) {
	if launch.ProjectID != projectID {
		return Transition{}, rejectf("item", item.ID, "launch %s belongs to project %s", launch.ID, launch.ProjectID)
	}
	if item.Status.Terminal() {
		if item.Status == p.Status {
			return Transition{Op: OpNone}, nil
		}
		return Transition{}, rejectf("item", item.ID, "already finished as %s, cannot become %s", item.Status, p.Status)
	}
	if !p.Status.Terminal() {
		return Transition{}, rejectf("item", item.ID, "status %s is not terminal", p.Status)
	}
	if p.EndTime.Before(item.StartTime) {
		return Transition{}, rejectf("item", item.ID, "end time %s precedes start time %s", p.EndTime.UTC(), item.StartTime)
	}
	if !decision.Approved {
		return Transition{}, &FinishDeniedError{Entity: "item", ID: item.ID, Blocking: decision.Blocking}
	}
	next := cloneItem(item)
	next.Status = p.Status
	next.EndTime = timePtr(p.EndTime)
	return Transition{Op: OpFinishItem, Item: next}, nil
}

// planAppendLog accepts logs for entities in any status. The log id is the
// correlation id, so a replayed append can never create a second row; one
// whose idempotency record was already pruned is a no-op.
func planAppendLog(launch Launch, item *TestItem, exists bool, projectID, correlationID string, p AppendLogPayload) (Transition, error) {
	p = p.withDefaults()
	if launch.ProjectID != projectID {
		return Transition{}, rejectf("log", correlationID, "launch %s belongs to project %s", launch.ID, launch.ProjectID)
	}
	if item != nil && item.LaunchID != launch.ID {
		return Transition{}, rejectf("log", correlationID, "item %s belongs to launch %s, not %s", item.ID, item.LaunchID, launch.ID)
	}
	if exists {
		return Transition{Op: OpNone}, nil
	}
	return Transition{Op: OpAppendLog, Log: LogEntry{
		ID:       correlationID,
		LaunchID: launch.ID,
		ItemID:   p.ItemID,
		Time:     p.Time,
		Level:    p.Level,
		Message:  p.Message,
	}}, nil
}
