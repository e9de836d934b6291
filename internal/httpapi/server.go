package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/agentworkforce/relayreport/internal/ingest"
)

type ServerConfig struct {
	// AdminToken guards /v1/admin routes. Empty disables authentication.
	AdminToken   string
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
	Policies     PolicySource
	Logger       zerolog.Logger
}

// PolicySource exposes the retry policies currently in force.
type PolicySource interface {
	Policies() (ingest.Policies, int)
}

type Server struct {
	queues      map[broker.Family]broker.Queue
	deadLetters broker.DeadLetterStore
	cfg         ServerConfig
	metrics     http.Handler
}

type queueStatus struct {
	Name     string `json:"name"`
	Family   string `json:"family"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

type policyStatus struct {
	MaxAttempts int                                `json:"maxAttempts"`
	Policies    map[ingest.FailureClass]policyView `json:"policies"`
}

type policyView struct {
	Mode        ingest.BackoffMode `json:"mode"`
	Delay       string             `json:"delay"`
	MaxDelay    string             `json:"maxDelay,omitempty"`
	Multiplier  float64            `json:"multiplier,omitempty"`
	Jitter      float64            `json:"jitter,omitempty"`
	MaxAttempts int                `json:"maxAttempts"`
}

type queuedResponse struct {
	Status        string `json:"status"`
	MessageID     string `json:"messageId"`
	Queue         string `json:"queue"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func NewServer(queues map[broker.Family]broker.Queue, deadLetters broker.DeadLetterStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		queues:      queues,
		deadLetters: deadLetters,
		cfg:         cfg,
		metrics:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[2] == "queues" && r.Method == http.MethodGet:
		route = "queues"
	case len(parts) == 3 && parts[2] == "retry-policies" && r.Method == http.MethodGet:
		route = "retry_policies"
	case len(parts) == 3 && parts[2] == "envelopes" && r.Method == http.MethodPost:
		route = "publish"
	case len(parts) == 3 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letters"
	case len(parts) == 4 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letter"
	case len(parts) == 4 && parts[2] == "dead-letters" && r.Method == http.MethodDelete:
		route = "dead_letter_delete"
	case len(parts) == 5 && parts[2] == "dead-letters" && parts[4] == "replay" && r.Method == http.MethodPost:
		route = "dead_letter_replay"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch route {
	case "queues":
		s.handleQueues(w, r, correlationID)
	case "retry_policies":
		s.handleRetryPolicies(w, r, correlationID)
	case "publish":
		s.handlePublish(w, r, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, r, correlationID)
	case "dead_letter":
		s.handleDeadLetter(w, r, parts[3], correlationID)
	case "dead_letter_delete":
		s.handleDeadLetterDelete(w, r, parts[3], correlationID)
	case "dead_letter_replay":
		s.handleDeadLetterReplay(w, r, parts[3], correlationID)
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request, _ string) {
	statuses := make([]queueStatus, 0, len(s.queues))
	for family, queue := range s.queues {
		statuses = append(statuses, queueStatus{
			Name:     queue.Name(),
			Family:   string(family),
			Depth:    queue.Depth(),
			Capacity: queue.Capacity(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Family < statuses[j].Family
	})
	writeJSON(w, http.StatusOK, map[string]any{"queues": statuses})
}

func (s *Server) handleRetryPolicies(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.cfg.Policies == nil {
		writeError(w, http.StatusNotFound, "not_found", "retry policies are not exposed", correlationID)
		return
	}
	policies, ceiling := s.cfg.Policies.Policies()
	status := policyStatus{MaxAttempts: ceiling, Policies: map[ingest.FailureClass]policyView{}}
	for class, policy := range policies {
		view := policyView{
			Mode:        policy.Mode,
			Delay:       policy.Delay.String(),
			Multiplier:  policy.Multiplier,
			Jitter:      policy.Jitter,
			MaxAttempts: policy.MaxAttempts,
		}
		if policy.MaxDelay > 0 {
			view.MaxDelay = policy.MaxDelay.String()
		}
		status.Policies[class] = view
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	header := ingest.PeekHeader(body)
	queue, err := broker.QueueFor(s.queues, header.Kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	msg, err := queue.Publish(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		case errors.Is(err, broker.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.cfg.Logger.Info().
		Str("kind", header.Kind).
		Str("correlationId", header.CorrelationID).
		Str("queue", queue.Name()).
		Msg("envelope published via admin api")
	writeJSON(w, http.StatusAccepted, queuedResponse{
		Status:        "queued",
		MessageID:     msg.ID,
		Queue:         queue.Name(),
		CorrelationID: header.CorrelationID,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	page, err := s.deadLetters.List(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	entry, err := s.deadLetters.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeadLetterDelete(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.deadLetters.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.cfg.Logger.Info().Str("deadLetterId", id).Str("correlationId", correlationID).Msg("dead letter purged")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	result, err := broker.ReplayDeadLetter(r.Context(), s.deadLetters, s.queues, id)
	if err != nil {
		if errors.Is(err, broker.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
			return
		}
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.cfg.Logger.Info().
		Str("deadLetterId", id).
		Str("kind", result.DeadLetter.Kind).
		Str("queue", result.Message.Queue).
		Msg("dead letter replayed")
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, broker.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.cfg.Logger.Error().Err(err).Str("correlationId", correlationID).Msg("admin request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "admin_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

const shutdownTimeout = 5 * time.Second

// Serve listens on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
