package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/agentworkforce/relayreport/internal/config"
	"github.com/agentworkforce/relayreport/internal/httpapi"
	"github.com/agentworkforce/relayreport/internal/ingest"
	"github.com/agentworkforce/relayreport/internal/notify"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		adminAddr string
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume envelopes and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("admin-addr") {
				cfg.AdminAddr = adminAddr
			}
			if cmd.Flags().Changed("workers") {
				cfg.WorkersPerQueue = workers
			}
			return runServe(cmd.Context(), cfg, c.configFile(), config.Loader{Getenv: c.getenv, Logger: logger}, logger)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin HTTP listen address")
	cmd.Flags().IntVar(&workers, "workers", 0, "workers per queue")
	return cmd
}

// configFile is the path the watcher follows, if any.
func (c *cli) configFile() string {
	if path := strings.TrimSpace(c.configPath); path != "" {
		return path
	}
	return strings.TrimSpace(c.getenv("RELAYREPORT_CONFIG"))
}

// service holds everything serve opens so it can be closed in one place.
type service struct {
	gateway     ingest.Gateway
	queues      map[broker.Family]broker.Queue
	deadLetters broker.DeadLetterStore
	notifier    ingest.Notifier
	registry    *prometheus.Registry
	metrics     *ingest.Metrics
	retry       *ingest.RetryCoordinator
	dispatcher  *ingest.Dispatcher
	consumer    *ingest.Consumer
}

func openService(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*service, error) {
	svc := &service{}
	var err error
	fail := func(step string, err error) (*service, error) {
		svc.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if svc.gateway, err = ingest.OpenGateway(cfg.StorageDSN); err != nil {
		return fail("open storage", err)
	}
	backends := broker.NewRegistry()
	if svc.queues, err = backends.BuildQueues(cfg.QueueDSN, cfg.QueueCapacity); err != nil {
		return fail("open queues", err)
	}
	if svc.deadLetters, err = backends.BuildDeadLetterStore(ctx, cfg.DeadLetterDSN); err != nil {
		return fail("open dead-letter store", err)
	}
	if svc.notifier, err = notify.Build(cfg.Notifiers, cfg.NotifierToken, logger); err != nil {
		return fail("build notifier", err)
	}

	svc.registry = prometheus.NewRegistry()
	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if svc.metrics, err = ingest.NewMetrics(svc.registry); err != nil {
		return fail("register metrics", err)
	}

	svc.retry = ingest.NewRetryCoordinator(cfg.RetryConfig())
	svc.dispatcher, err = ingest.NewDispatcher(ingest.DispatcherConfig{
		Gateway:       svc.gateway,
		Retry:         svc.retry,
		Notifier:      svc.notifier,
		Metrics:       svc.metrics,
		Logger:        logger.With().Str("component", "dispatcher").Logger(),
		TxTimeout:     cfg.TxTimeout,
		NotifyTimeout: cfg.NotifyTimeout,
	})
	if err != nil {
		return fail("build dispatcher", err)
	}
	svc.consumer, err = ingest.NewConsumer(ingest.ConsumerConfig{
		Queues:          svc.queues,
		DeadLetters:     svc.deadLetters,
		Dispatcher:      svc.dispatcher,
		WorkersPerQueue: cfg.WorkersPerQueue,
		Metrics:         svc.metrics,
		Logger:          logger.With().Str("component", "consumer").Logger(),
	})
	if err != nil {
		return fail("build consumer", err)
	}
	return svc, nil
}

func (s *service) Close() {
	if closer, ok := s.notifier.(io.Closer); ok {
		_ = closer.Close()
	}
	for _, queue := range s.queues {
		_ = queue.Close()
	}
	if s.deadLetters != nil {
		_ = s.deadLetters.Close()
	}
	if s.gateway != nil {
		_ = s.gateway.Close()
	}
}

func runServe(ctx context.Context, cfg config.Config, configPath string, loader config.Loader, logger zerolog.Logger) error {
	svc, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	server := httpapi.NewServer(svc.queues, svc.deadLetters, httpapi.ServerConfig{
		AdminToken: cfg.AdminToken,
		Gatherer:   svc.registry,
		Policies:   svc.retry,
		Logger:     logger.With().Str("component", "admin").Logger(),
	})
	janitor := ingest.Janitor{
		Gateway:   svc.gateway,
		Retry:     svc.retry,
		Retention: cfg.IdempotencyRetention,
		Interval:  cfg.JanitorInterval,
		Logger:    logger.With().Str("component", "janitor").Logger(),
	}

	logger.Info().
		Str("storage", redactDSN(cfg.StorageDSN)).
		Str("queues", redactDSN(cfg.QueueDSN)).
		Str("deadLetters", redactDSN(cfg.DeadLetterDSN)).
		Int("workersPerQueue", cfg.WorkersPerQueue).
		Msg("relayreport starting")

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, loader, svc.retry, logger.With().Str("component", "config").Logger())
		if err != nil {
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.consumer.Run(ctx) })
	group.Go(func() error { return janitor.Run(ctx) })
	group.Go(func() error { return httpapi.Serve(ctx, cfg.AdminAddr, server, logger) })
	if watcher != nil {
		group.Go(func() error { return watcher.Run(ctx) })
	}
	err = group.Wait()
	logger.Info().Err(err).Msg("relayreport stopped")
	return err
}

// redactDSN drops credentials before a DSN is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
