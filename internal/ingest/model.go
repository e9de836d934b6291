package ingest

import (
	"maps"
	"time"
)

type Status string

const (
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusStopped     Status = "STOPPED"
	StatusSkipped     Status = "SKIPPED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCancelled   Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusStopped, StatusSkipped, StatusInterrupted, StatusCancelled:
		return true
	default:
		return false
	}
}

type Launch struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Name        string            `json:"name"`
	Mode        string            `json:"mode"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
}

// TestItem is a node in a launch's item tree. Path joins the ids of every
// ancestor and the item itself with '.', so a root item's path is its id.
type TestItem struct {
	ID        string     `json:"id"`
	LaunchID  string     `json:"launchId"`
	ParentID  string     `json:"parentId,omitempty"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Status    Status     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Path      string     `json:"path"`
	Depth     int        `json:"depth"`
}

type LogEntry struct {
	ID       string    `json:"id"`
	LaunchID string    `json:"launchId"`
	ItemID   string    `json:"itemId,omitempty"`
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
}

type EntityKind string

const (
	EntityLaunch EntityKind = "launch"
	EntityItem   EntityKind = "item"
)

// EntityRef names the launch or item a finish request targets.
type EntityRef struct {
	Kind EntityKind
	ID   string
}

func cloneLaunch(l Launch) Launch {
	l.Attributes = maps.Clone(l.Attributes)
	if l.EndTime != nil {
		end := *l.EndTime
		l.EndTime = &end
	}
	return l
}

func cloneItem(item TestItem) TestItem {
	if item.EndTime != nil {
		end := *item.EndTime
		item.EndTime = &end
	}
	return item
}

func timePtr(t time.Time) *time.Time {
	t = storedTime(t)
	return &t
}
