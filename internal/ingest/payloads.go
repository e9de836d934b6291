package ingest

import "time"

const (
	LaunchModeDefault = "DEFAULT"
	LaunchModeDebug   = "DEBUG"
	defaultItemType   = "STEP"
	defaultLogLevel   = "INFO"
)

type StartLaunchPayload struct {
	LaunchID    string            `json:"launchId"`
	Name        string            `json:"name"`
	StartTime   time.Time         `json:"startTime"`
	Mode        string            `json:"mode,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type FinishLaunchPayload struct {
	LaunchID string    `json:"launchId"`
	EndTime  time.Time `json:"endTime"`
	Status   Status    `json:"status"`
}

type StartItemPayload struct {
	ItemID    string    `json:"itemId"`
	LaunchID  string    `json:"launchId"`
	ParentID  string    `json:"parentId,omitempty"`
	Name      string    `json:"name"`
	Type      string    `json:"type,omitempty"`
	StartTime time.Time `json:"startTime"`
}

type FinishItemPayload struct {
	ItemID  string    `json:"itemId"`
	EndTime time.Time `json:"endTime"`
	Status  Status    `json:"status"`
}

type AppendLogPayload struct {
	LaunchID string    `json:"launchId"`
	ItemID   string    `json:"itemId,omitempty"`
	Time     time.Time `json:"time"`
	Level    string    `json:"level,omitempty"`
	Message  string    `json:"message"`
}

func (p StartLaunchPayload) withDefaults() StartLaunchPayload {
	if p.Mode == "" {
		p.Mode = LaunchModeDefault
	}
	p.StartTime = storedTime(p.StartTime)
	return p
}

func (p StartItemPayload) withDefaults() StartItemPayload {
	if p.Type == "" {
		p.Type = defaultItemType
	}
	p.StartTime = storedTime(p.StartTime)
	return p
}

func (p AppendLogPayload) withDefaults() AppendLogPayload {
	if p.Level == "" {
		p.Level = defaultLogLevel
	}
	p.Time = storedTime(p.Time)
	return p
}

// storedTime matches the microsecond precision of the Postgres gateway so a
// replayed start compares equal to what was persisted.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
