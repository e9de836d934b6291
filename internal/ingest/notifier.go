package ingest

import (
	"context"

	"github.com/rs/zerolog"
)

// Notification tells downstream consumers (indexers, live dashboards) that an
// entity changed. It is sent after commit and never affects the transition.
type Notification struct {
	Kind              Kind   `json:"kind"`
	EntityID          string `json:"entityId"`
	LaunchID          string `json:"launchId"`
	ProjectID         string `json:"projectId"`
	Status            Status `json:"status,omitempty"`
	UnblockedParentID string `json:"unblockedParentId,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error {
	return nil
}

type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, notification Notification) error {
	event := n.Logger.Info().
		Str("kind", string(notification.Kind)).
		Str("entityId", notification.EntityID).
		Str("launchId", notification.LaunchID).
		Str("projectId", notification.ProjectID)
	if notification.Status != "" {
		event = event.Str("status", string(notification.Status))
	}
	if notification.UnblockedParentID != "" {
		event = event.Str("unblockedParentId", notification.UnblockedParentID)
	}
	event.Msg("entity changed")
	return nil
}
