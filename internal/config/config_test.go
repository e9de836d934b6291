package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayreport/internal/ingest"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "relayreport.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsUseMemoryProfile(t *testing.T) {
	cfg, err := Loader{Getenv: envMap(nil)}.Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory://", cfg.StorageDSN)
	assert.Equal(t, "memory://", cfg.QueueDSN)
	assert.Equal(t, "memory://", cfg.DeadLetterDSN)
	assert.Equal(t, ingest.DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	assert.Equal(t, ingest.DefaultPolicies(), cfg.Policies)
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
profile: custom
storageDsn: postgres://file-host/reports
queueDsn: memory://
deadLetterDsn: s3://archive/dlq
workersPerQueue: 8
txTimeout: 3s
policies:
  transient:
    mode: exponential
    delay: 1s
    maxDelay: 10s
    multiplier: 3
    maxAttempts: 7
notifiers:
  - https://indexer.local/hook
`)
	cfg, err := Loader{Getenv: envMap(map[string]string{
		"RELAYREPORT_WORKERS":               "2",
		"RELAYREPORT_TRUST_BROKER_ATTEMPTS": "true",
		"RELAYREPORT_NOTIFY_URLS":           "log, ws://feed.local/live",
		"RELAYREPORT_NOTIFY_TIMEOUT":        "750ms",
	})}.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file-host/reports", cfg.StorageDSN)
	assert.Equal(t, "s3://archive/dlq", cfg.DeadLetterDSN)
	assert.Equal(t, 2, cfg.WorkersPerQueue)
	assert.Equal(t, 3*time.Second, cfg.TxTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.NotifyTimeout)
	assert.True(t, cfg.TrustBrokerAttempts)
	assert.Equal(t, []string{"log", "ws://feed.local/live"}, cfg.Notifiers)

	transient := cfg.Policies[ingest.ClassTransient]
	assert.Equal(t, 7, transient.MaxAttempts)
	assert.Equal(t, 3.0, transient.Multiplier)
	assert.Equal(t, ingest.DefaultPolicies()[ingest.ClassBlocked], cfg.Policies[ingest.ClassBlocked])
}

func TestLoadConfigPathFromEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "workersPerQueue: 6\n")
	cfg, err := Loader{Getenv: envMap(map[string]string{"RELAYREPORT_CONFIG": path})}.Load("")
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.WorkersPerQueue)
}

func TestLoadInvalidEnvironmentFallsBack(t *testing.T) {
	cfg, err := Loader{Getenv: envMap(map[string]string{
		"RELAYREPORT_WORKERS":    "many",
		"RELAYREPORT_TX_TIMEOUT": "soon",
	})}.Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkersPerQueue)
	assert.Equal(t, ingest.DefaultTxTimeout, cfg.TxTimeout)
}

func TestLoadProfiles(t *testing.T) {
	cfg, err := Loader{Getenv: envMap(map[string]string{
		"RELAYREPORT_PROFILE":      "durable",
		"RELAYREPORT_DATA_DIR":     "/var/lib/relayreport",
		"RELAYREPORT_POSTGRES_DSN": "postgres://db/reports",
	})}.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/reports", cfg.StorageDSN)
	assert.Equal(t, "file:///var/lib/relayreport/queues", cfg.QueueDSN)
	assert.Equal(t, "file:///var/lib/relayreport/deadletters.json", cfg.DeadLetterDSN)

	_, err = Loader{Getenv: envMap(map[string]string{"RELAYREPORT_PROFILE": "durable"})}.Load("")
	assert.ErrorContains(t, err, "RELAYREPORT_POSTGRES_DSN or RELAYREPORT_STORAGE_DSN is required")

	_, err = Loader{Getenv: envMap(map[string]string{"RELAYREPORT_PROFILE": "production"})}.Load("")
	assert.Error(t, err)

	cfg, err = Loader{Getenv: envMap(map[string]string{
		"RELAYREPORT_PROFILE":      "production",
		"RELAYREPORT_POSTGRES_DSN": "postgres://db/reports",
		"RELAYREPORT_QUEUE_DSN":    "memory://",
	})}.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/reports", cfg.StorageDSN)
	assert.Equal(t, "memory://", cfg.QueueDSN)

	_, err = Loader{Getenv: envMap(map[string]string{"RELAYREPORT_PROFILE": "cloud"})}.Load("")
	assert.Error(t, err)
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown key":        "wokers: 3\n",
		"bad policy mode":    "policies:\n  blocked:\n    mode: linear\n    delay: 1s\n    maxAttempts: 3\n",
		"non retryable":      "policies:\n  malformed:\n    mode: fixed\n    delay: 1s\n    maxAttempts: 3\n",
		"zero attempts":      "maxAttempts: 0\n",
		"bad log level":      "logLevel: chatty\n",
		"bad log format":     "logFormat: xml\n",
		"negative capacity":  "queueCapacity: -1\n",
		"not yaml structure": "- just\n- a list\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Loader{Getenv: envMap(nil)}.Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Loader{Getenv: envMap(nil)}.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateWrapsInvalidInput(t *testing.T) {
	cfg := Default()
	cfg.WorkersPerQueue = 0
	assert.ErrorIs(t, cfg.Validate(), ingest.ErrInvalidInput)
}

type recordingSink struct {
	mu       sync.Mutex
	policies []ingest.Policies
	ceilings []int
	applied  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{applied: make(chan struct{}, 8)}
}

func (s *recordingSink) SetPolicies(policies ingest.Policies, ceiling int) error {
	s.mu.Lock()
	s.policies = append(s.policies, policies)
	s.ceilings = append(s.ceilings, ceiling)
	s.mu.Unlock()
	s.applied <- struct{}{}
	return nil
}

func (s *recordingSink) last() (ingest.Policies, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[len(s.policies)-1], s.ceilings[len(s.ceilings)-1]
}

func TestWatcherReloadKeepsPoliciesOnBadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "maxAttempts: 20\n")
	coordinator := ingest.NewRetryCoordinator(ingest.RetryConfig{})
	watcher, err := NewWatcher(path, Loader{Getenv: envMap(nil)}, coordinator, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, watcher.Reload())
	_, ceiling := coordinator.Policies()
	assert.Equal(t, 20, ceiling)

	require.NoError(t, os.WriteFile(path, []byte("maxAttempts: -3\n"), 0o644))
	assert.Error(t, watcher.Reload())
	_, ceiling = coordinator.Policies()
	assert.Equal(t, 20, ceiling)
}

func TestWatcherAppliesPoliciesOnWrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "maxAttempts: 10\n")
	sink := newRecordingSink()
	watcher, err := NewWatcher(path, Loader{Getenv: envMap(nil)}, sink, zerolog.Nop())
	require.NoError(t, err)
	watcher.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	body := []byte(`
maxAttempts: 12
policies:
  blocked:
    mode: fixed
    delay: 100ms
    maxAttempts: 4
`)
	deadline := time.After(5 * time.Second)
	for {
		// The watch may not be registered yet on the first writes.
		require.NoError(t, os.WriteFile(path, body, 0o644))
		select {
		case <-sink.applied:
			policies, ceiling := sink.last()
			assert.Equal(t, 12, ceiling)
			assert.Equal(t, 4, policies[ingest.ClassBlocked].MaxAttempts)
			assert.Equal(t, 100*time.Millisecond, policies[ingest.ClassBlocked].Delay)
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("watcher did not apply policies")
		}
	}
}

func TestNewWatcherValidatesArguments(t *testing.T) {
	_, err := NewWatcher("", Loader{}, newRecordingSink(), zerolog.Nop())
	assert.Error(t, err)
	_, err = NewWatcher("relayreport.yaml", Loader{}, nil, zerolog.Nop())
	assert.Error(t, err)
}
