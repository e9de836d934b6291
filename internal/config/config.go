package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayreport/internal/ingest"
)

const envPrefix = "RELAYREPORT_"

// Config is the runtime configuration of the ingestion service. Values come
// from defaults, then an optional YAML file, then RELAYREPORT_* environment
// variables. Command-line flags are applied last by the caller.
type Config struct {
	Profile              string          `yaml:"profile"`
	DataDir              string          `yaml:"dataDir"`
	PostgresDSN          string          `yaml:"postgresDsn"`
	StorageDSN           string          `yaml:"storageDsn"`
	QueueDSN             string          `yaml:"queueDsn"`
	QueueCapacity        int             `yaml:"queueCapacity"`
	DeadLetterDSN        string          `yaml:"deadLetterDsn"`
	WorkersPerQueue      int             `yaml:"workersPerQueue"`
	TxTimeout            time.Duration   `yaml:"txTimeout"`
	IdempotencyRetention time.Duration   `yaml:"idempotencyRetention"`
	JanitorInterval      time.Duration   `yaml:"janitorInterval"`
	TrustBrokerAttempts  bool            `yaml:"trustBrokerAttempts"`
	MaxAttempts          int             `yaml:"maxAttempts"`
	Policies             ingest.Policies `yaml:"policies"`
	Notifiers            []string        `yaml:"notifiers"`
	NotifierToken        string          `yaml:"notifierToken"`
	NotifyTimeout        time.Duration   `yaml:"notifyTimeout"`
	AdminAddr            string          `yaml:"adminAddr"`
	AdminToken           string          `yaml:"adminToken"`
	LogLevel             string          `yaml:"logLevel"`
	LogFormat            string          `yaml:"logFormat"`
}

func Default() Config {
	return Config{
		Profile:              "memory",
		DataDir:              ".relayreport",
		QueueCapacity:        4096,
		WorkersPerQueue:      4,
		TxTimeout:            ingest.DefaultTxTimeout,
		NotifyTimeout:        ingest.DefaultNotifyTimeout,
		IdempotencyRetention: ingest.DefaultIdempotencyRetention,
		JanitorInterval:      10 * time.Minute,
		MaxAttempts:          ingest.DefaultMaxAttempts,
		Policies:             ingest.DefaultPolicies(),
		AdminAddr:            ":8090",
		LogLevel:             "info",
		LogFormat:            "auto",
	}
}

// Loader reads configuration. Getenv defaults to os.Getenv; invalid
// environment values are logged and ignored like the rest of the service does.
type Loader struct {
	Getenv func(string) string
	Logger zerolog.Logger
}

func Load(path string) (Config, error) {
	return Loader{Logger: zerolog.Nop()}.Load(path)
}

func (l Loader) Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(l.getenv(envPrefix + "CONFIG"))
	}
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	l.applyEnv(&cfg)
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (l Loader) getenv(name string) string {
	if l.Getenv != nil {
		return l.Getenv(name)
	}
	return os.Getenv(name)
}

func (l Loader) applyEnv(cfg *Config) {
	stringEnv := func(name string, target *string) {
		if raw := strings.TrimSpace(l.getenv(envPrefix + name)); raw != "" {
			*target = raw
		}
	}
	stringEnv("PROFILE", &cfg.Profile)
	stringEnv("DATA_DIR", &cfg.DataDir)
	stringEnv("POSTGRES_DSN", &cfg.PostgresDSN)
	stringEnv("STORAGE_DSN", &cfg.StorageDSN)
	stringEnv("QUEUE_DSN", &cfg.QueueDSN)
	stringEnv("DEADLETTER_DSN", &cfg.DeadLetterDSN)
	stringEnv("NOTIFY_TOKEN", &cfg.NotifierToken)
	stringEnv("ADMIN_ADDR", &cfg.AdminAddr)
	stringEnv("ADMIN_TOKEN", &cfg.AdminToken)
	stringEnv("LOG_LEVEL", &cfg.LogLevel)
	stringEnv("LOG_FORMAT", &cfg.LogFormat)

	cfg.QueueCapacity = l.intEnv("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.WorkersPerQueue = l.intEnv("WORKERS", cfg.WorkersPerQueue)
	cfg.MaxAttempts = l.intEnv("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.TxTimeout = l.durationEnv("TX_TIMEOUT", cfg.TxTimeout)
	cfg.NotifyTimeout = l.durationEnv("NOTIFY_TIMEOUT", cfg.NotifyTimeout)
	cfg.IdempotencyRetention = l.durationEnv("IDEMPOTENCY_RETENTION", cfg.IdempotencyRetention)
	cfg.JanitorInterval = l.durationEnv("JANITOR_INTERVAL", cfg.JanitorInterval)
	cfg.TrustBrokerAttempts = l.boolEnv("TRUST_BROKER_ATTEMPTS", cfg.TrustBrokerAttempts)

	if raw := strings.TrimSpace(l.getenv(envPrefix + "NOTIFY_URLS")); raw != "" {
		cfg.Notifiers = nil
		for _, endpoint := range strings.Split(raw, ",") {
			if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
				cfg.Notifiers = append(cfg.Notifiers, endpoint)
			}
		}
	}
}

func (l Loader) intEnv(name string, fallback int) int {
	raw := l.getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		l.Logger.Warn().Str("name", envPrefix+name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func (l Loader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := l.getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		l.Logger.Warn().Str("name", envPrefix+name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func (l Loader) boolEnv(name string, fallback bool) bool {
	raw := l.getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		l.Logger.Warn().Str("name", envPrefix+name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean, using fallback")
		return fallback
	}
	return value
}

// applyProfile fills DSNs left empty from the selected backend profile.
func (c *Config) applyProfile() error {
	var storage, queue, deadLetter string
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case "", "custom":
	case "memory", "inmemory":
		storage, queue, deadLetter = "memory://", "memory://", "memory://"
	case "durable", "local":
		// Queued envelopes outlive the process, so storage must as well.
		if c.StorageDSN == "" && c.PostgresDSN == "" {
			return fmt.Errorf("%sPOSTGRES_DSN or %sSTORAGE_DSN is required when profile=%s", envPrefix, envPrefix, c.Profile)
		}
		dataDir := c.DataDir
		if dataDir == "" {
			dataDir = ".relayreport"
		}
		storage = c.PostgresDSN
		queue = "file://" + filepath.ToSlash(filepath.Join(dataDir, "queues"))
		deadLetter = "file://" + filepath.ToSlash(filepath.Join(dataDir, "deadletters.json"))
	case "production", "prod":
		if c.PostgresDSN == "" {
			return fmt.Errorf("%sPOSTGRES_DSN is required when profile=%s", envPrefix, c.Profile)
		}
		storage, queue, deadLetter = c.PostgresDSN, c.PostgresDSN, c.PostgresDSN
	default:
		return fmt.Errorf("unsupported profile %q", c.Profile)
	}
	if c.StorageDSN == "" {
		c.StorageDSN = storage
	}
	if c.QueueDSN == "" {
		c.QueueDSN = queue
	}
	if c.DeadLetterDSN == "" {
		c.DeadLetterDSN = deadLetter
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.StorageDSN == "" {
		errs = append(errs, errors.New("storageDsn is required"))
	}
	if c.QueueDSN == "" {
		errs = append(errs, errors.New("queueDsn is required"))
	}
	if c.DeadLetterDSN == "" {
		errs = append(errs, errors.New("deadLetterDsn is required"))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, errors.New("queueCapacity must not be negative"))
	}
	if c.WorkersPerQueue <= 0 {
		errs = append(errs, errors.New("workersPerQueue must be positive"))
	}
	if c.TxTimeout <= 0 {
		errs = append(errs, errors.New("txTimeout must be positive"))
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("notifyTimeout must be positive"))
	}
	if c.IdempotencyRetention <= 0 {
		errs = append(errs, errors.New("idempotencyRetention must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("maxAttempts must be positive"))
	}
	if err := c.Policies.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("logLevel: %w", err))
	}
	switch c.LogFormat {
	case "", "auto", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logFormat %q must be auto, json or console", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ingest.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func (c Config) RetryConfig() ingest.RetryConfig {
	return ingest.RetryConfig{
		Policies:            c.Policies,
		MaxAttempts:         c.MaxAttempts,
		TrustBrokerAttempts: c.TrustBrokerAttempts,
	}
}
