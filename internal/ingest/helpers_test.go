package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

const testProject = "proj-1"

func encode(t *testing.T, kind Kind, correlationID string, payload any) []byte {
	t.Helper()
	body, err := EncodeEnvelope(kind, correlationID, testProject, payload)
	require.NoError(t, err)
	return body
}

func message(body []byte, attempt int) broker.Message {
	return broker.Message{
		ID:         uuid.NewString(),
		Queue:      "test",
		Body:       body,
		Attempt:    attempt,
		EnqueuedAt: baseTime,
	}
}

func startLaunch(id string) StartLaunchPayload {
	return StartLaunchPayload{LaunchID: id, Name: "nightly", StartTime: baseTime}
}

func finishLaunch(id string, status Status) FinishLaunchPayload {
	return FinishLaunchPayload{LaunchID: id, EndTime: baseTime.Add(time.Hour), Status: status}
}

func startItem(launchID, id, parentID string) StartItemPayload {
	return StartItemPayload{ItemID: id, LaunchID: launchID, ParentID: parentID, Name: "case " + id, Type: "TEST", StartTime: baseTime.Add(time.Minute)}
}

func finishItem(id string, status Status) FinishItemPayload {
	return FinishItemPayload{ItemID: id, EndTime: baseTime.Add(30 * time.Minute), Status: status}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	gateway    *MemoryGateway
	notifier   *recordingNotifier
	retry      *RetryCoordinator
}

func newFixture(t *testing.T, retryCfg RetryConfig) dispatcherFixture {
	t.Helper()
	gateway := NewMemoryGateway()
	notifier := &recordingNotifier{}
	retry := NewRetryCoordinator(retryCfg)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Gateway:  gateway,
		Retry:    retry,
		Notifier: notifier,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return dispatcherFixture{dispatcher: dispatcher, gateway: gateway, notifier: notifier, retry: retry}
}

func (f dispatcherFixture) deliver(t *testing.T, body []byte, attempt int) Verdict {
	t.Helper()
	return f.dispatcher.OnMessage(context.Background(), message(body, attempt))
}
