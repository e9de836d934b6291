package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/agentworkforce/relayreport/internal/ingest"
)

const testToken = "admin-secret"

type fixture struct {
	server      *Server
	queues      map[broker.Family]broker.Queue
	deadLetters *broker.MemoryDeadLetterStore
	registry    *prometheus.Registry
}

func newFixture(t *testing.T, capacity int, token string) fixture {
	t.Helper()
	queues := map[broker.Family]broker.Queue{}
	for _, family := range broker.Families() {
		queues[family] = broker.NewMemoryQueue(string(family), capacity)
	}
	deadLetters := broker.NewMemoryDeadLetterStore()
	registry := prometheus.NewRegistry()
	server := NewServer(queues, deadLetters, ServerConfig{
		AdminToken:   token,
		MaxBodyBytes: 4096,
		Gatherer:     registry,
		Policies:     ingest.NewRetryCoordinator(ingest.RetryConfig{}),
		Logger:       zerolog.Nop(),
	})
	return fixture{server: server, queues: queues, deadLetters: deadLetters, registry: registry}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func admin(method, path string, body []byte) request {
	return request{
		method: method,
		path:   path,
		body:   body,
		headers: map[string]string{
			"Authorization":    "Bearer " + testToken,
			"X-Correlation-Id": "corr_test",
		},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func seedDeadLetter(t *testing.T, f fixture, kind string, failedAt time.Time) broker.DeadLetter {
	t.Helper()
	entry, err := f.deadLetters.Put(context.Background(), broker.DeadLetter{
		Queue:         string(broker.FamilyFor(kind)),
		MessageID:     "msg_" + kind,
		Kind:          kind,
		Body:          []byte(`{"kind":"` + kind + `"}`),
		FailureClass:  "blocked",
		FailureReason: "finish denied",
		AttemptCount:  30,
		FailedAt:      failedAt,
	})
	require.NoError(t, err)
	return entry
}

func TestHealthAndDashboardNeedNoAuth(t *testing.T) {
	f := newFixture(t, 0, testToken)

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = doRequest(t, f.server, request{method: http.MethodGet, path: "/dashboard"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/v1/admin/dead-letters")
}

func TestMetricsEndpointUsesConfiguredGatherer(t *testing.T) {
	f := newFixture(t, 0, testToken)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relayreport_test_events_total", Help: "test"})
	f.registry.MustRegister(counter)
	counter.Add(3)

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relayreport_test_events_total 3")
}

func TestAdminAuthRequired(t *testing.T) {
	f := newFixture(t, 0, testToken)

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/v1/admin/queues"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "unauthorized", body["code"])
	assert.NotEmpty(t, body["correlationId"])

	rec = doRequest(t, f.server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/queues",
		headers: map[string]string{"Authorization": "Bearer wrong", "X-Correlation-Id": "corr_1"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "corr_1", decode[map[string]string](t, rec)["correlationId"])

	rec = doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/queues", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr_test", rec.Header().Get("X-Correlation-Id"))

	open := newFixture(t, 0, "")
	rec = doRequest(t, open.server, request{method: http.MethodGet, path: "/v1/admin/queues"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRoutes(t *testing.T) {
	f := newFixture(t, 0, testToken)
	for _, r := range []request{
		admin(http.MethodGet, "/v1/launches/L1", nil),
		admin(http.MethodPut, "/v1/admin/queues", nil),
		admin(http.MethodGet, "/v1/admin/dead-letters/a/b/c", nil),
	} {
		rec := doRequest(t, f.server, r)
		assert.Equal(t, http.StatusNotFound, rec.Code, r.path)
		assert.Equal(t, "not_found", decode[map[string]string](t, rec)["code"])
	}
}

func TestQueuesReportDepthAndCapacity(t *testing.T) {
	f := newFixture(t, 8, testToken)
	_, err := f.queues[broker.FamilyItem].Publish(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	rec := doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Queues []queueStatus `json:"queues"`
	}](t, rec)
	require.Len(t, body.Queues, 3)
	assert.Equal(t, "item", body.Queues[0].Family)
	assert.Equal(t, 1, body.Queues[0].Depth)
	assert.Equal(t, 8, body.Queues[0].Capacity)
	assert.Equal(t, "launch", body.Queues[1].Family)
	assert.Equal(t, "log", body.Queues[2].Family)
}

func TestRetryPoliciesView(t *testing.T) {
	f := newFixture(t, 0, testToken)
	rec := doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/retry-policies", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[policyStatus](t, rec)
	assert.Equal(t, ingest.DefaultMaxAttempts, status.MaxAttempts)
	assert.Equal(t, "2s", status.Policies[ingest.ClassBlocked].Delay)
	assert.Equal(t, ingest.BackoffExponential, status.Policies[ingest.ClassTransient].Mode)
	assert.Equal(t, "30s", status.Policies[ingest.ClassTransient].MaxDelay)
}

func TestPublishRoutesEnvelopeToFamilyQueue(t *testing.T) {
	f := newFixture(t, 1, testToken)
	body, err := ingest.EncodeEnvelope(ingest.KindAppendLog, "6f1c1c84-8d3e-4c55-9f0c-0a4f1c7f6f10", "proj-1", ingest.AppendLogPayload{
		LaunchID: "L1",
		Time:     time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
		Message:  "hello",
	})
	require.NoError(t, err)

	rec := doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/envelopes", body))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	queued := decode[queuedResponse](t, rec)
	assert.Equal(t, "log", queued.Queue)
	assert.Equal(t, "6f1c1c84-8d3e-4c55-9f0c-0a4f1c7f6f10", queued.CorrelationID)
	assert.Equal(t, 1, f.queues[broker.FamilyLog].Depth())

	rec = doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/envelopes", body))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "queue_full", decode[map[string]string](t, rec)["code"])

	rec = doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/envelopes", []byte("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/envelopes", []byte(`{"pad":"`+strings.Repeat("x", 5000)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDeadLetterListAndGet(t *testing.T) {
	f := newFixture(t, 0, testToken)
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	older := seedDeadLetter(t, f, "start_item", base)
	newer := seedDeadLetter(t, f, "finish_launch", base.Add(time.Minute))

	rec := doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/dead-letters?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[broker.DeadLetterPage](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, newer.ID, page.Items[0].ID)
	require.NotNil(t, page.NextCursor)

	rec = doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/dead-letters?limit=1&cursor="+*page.NextCursor, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[broker.DeadLetterPage](t, rec)
	require.Len(t, page.Items, 1)
	assert.Equal(t, older.ID, page.Items[0].ID)
	assert.Nil(t, page.NextCursor)

	rec = doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/dead-letters?cursor=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/dead-letters/"+older.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[broker.DeadLetter](t, rec)
	assert.Equal(t, "start_item", entry.Kind)
	assert.Equal(t, 30, entry.AttemptCount)
	assert.JSONEq(t, `{"kind":"start_item"}`, string(entry.Body))

	rec = doRequest(t, f.server, admin(http.MethodGet, "/v1/admin/dead-letters/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterReplayAndDelete(t *testing.T) {
	f := newFixture(t, 0, testToken)
	base := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	replayed := seedDeadLetter(t, f, "finish_item", base)
	purged := seedDeadLetter(t, f, "append_log", base)

	rec := doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/dead-letters/"+replayed.ID+"/replay", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	result := decode[broker.ReplayResult](t, rec)
	assert.Equal(t, "item", result.Message.Queue)
	assert.Equal(t, 1, result.Message.Attempt)
	assert.Equal(t, 1, f.queues[broker.FamilyItem].Depth())

	rec = doRequest(t, f.server, admin(http.MethodPost, "/v1/admin/dead-letters/"+replayed.ID+"/replay", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, f.server, admin(http.MethodDelete, "/v1/admin/dead-letters/"+purged.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["deleted"])
	assert.Equal(t, 0, f.queues[broker.FamilyLog].Depth())

	rec = doRequest(t, f.server, admin(http.MethodDelete, "/v1/admin/dead-letters/"+purged.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeShutsDownWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), zerolog.Nop()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
