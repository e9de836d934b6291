package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkersPerQueue = 4
	defaultDepthInterval   = 5 * time.Second
	settleTimeout          = 5 * time.Second
	deadLetterRetryDelay   = 5 * time.Second
)

type ConsumerConfig struct {
	Queues          map[broker.Family]broker.Queue
	DeadLetters     broker.DeadLetterStore
	Dispatcher      *Dispatcher
	WorkersPerQueue int
	DepthInterval   time.Duration
	Metrics         *Metrics
	Logger          zerolog.Logger

	// DeadLetterRetryDelay is how long a message waits after its dead letter
	// could not be stored.
	DeadLetterRetryDelay time.Duration
}

// Consumer runs the worker pool: each queue gets its own workers, and every
// received message is dispatched and settled exactly once by one worker.
type Consumer struct {
	queues        map[broker.Family]broker.Queue
	deadLetters   broker.DeadLetterStore
	dispatcher    *Dispatcher
	workers       int
	depthInterval time.Duration
	metrics       *Metrics
	logger        zerolog.Logger
	retryDelay    time.Duration
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Queues) == 0 {
		return nil, fmt.Errorf("%w: at least one queue is required", ErrInvalidInput)
	}
	if cfg.DeadLetters == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: dead-letter store and dispatcher are required", ErrInvalidInput)
	}
	workers := cfg.WorkersPerQueue
	if workers <= 0 {
		workers = defaultWorkersPerQueue
	}
	depthInterval := cfg.DepthInterval
	if depthInterval <= 0 {
		depthInterval = defaultDepthInterval
	}
	retryDelay := cfg.DeadLetterRetryDelay
	if retryDelay <= 0 {
		retryDelay = deadLetterRetryDelay
	}
	return &Consumer{
		queues:        cfg.Queues,
		deadLetters:   cfg.DeadLetters,
		dispatcher:    cfg.Dispatcher,
		workers:       workers,
		depthInterval: depthInterval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		retryDelay:    retryDelay,
	}, nil
}

// Run blocks until ctx is cancelled. In-flight messages are settled before it
// returns.
func (c *Consumer) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	families := make([]broker.Family, 0, len(c.queues))
	for family := range c.queues {
		families = append(families, family)
	}
	sort.Slice(families, func(i, j int) bool { return families[i] < families[j] })

	for _, family := range families {
		queue := c.queues[family]
		for worker := 0; worker < c.workers; worker++ {
			group.Go(func() error {
				c.work(groupCtx, queue)
				return nil
			})
		}
	}
	group.Go(func() error {
		c.reportDepth(groupCtx)
		return nil
	})
	c.logger.Info().Int("queues", len(c.queues)).Int("workersPerQueue", c.workers).Msg("consumer started")
	err := group.Wait()
	c.logger.Info().Msg("consumer stopped")
	return err
}

func (c *Consumer) work(ctx context.Context, queue broker.Queue) {
	for {
		msg, ok := queue.Receive(ctx)
		if !ok {
			return
		}
		// In-flight messages finish on shutdown; the dispatcher bounds its own
		// transaction and notification.
		verdict := c.dispatcher.OnMessage(context.WithoutCancel(ctx), msg)
		settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		if err := c.Settle(settleCtx, queue, msg, verdict); err != nil {
			c.logger.Error().Err(err).
				Str("queue", queue.Name()).
				Str("messageId", msg.ID).
				Str("action", string(verdict.Action)).
				Msg("settling message failed")
		}
		cancel()
	}
}

// Settle performs the verdict's broker action. A dead letter is stored before
// the message is acknowledged, so a failed store leaves the message requeued
// rather than lost, and its redelivery goes straight back to DeadLetter.
func (c *Consumer) Settle(ctx context.Context, queue broker.Queue, msg broker.Message, verdict Verdict) error {
	switch verdict.Action {
	case ActionAck:
		return queue.Ack(ctx, msg)
	case ActionRequeue:
		return queue.Requeue(ctx, msg, verdict.Delay)
	case ActionDeadLetter:
		header := PeekHeader(msg.Body)
		attempts := verdict.Attempt
		if attempts <= 0 {
			attempts = msg.Attempt
		}
		entry, err := c.deadLetters.Put(ctx, broker.DeadLetter{
			Queue:         queue.Name(),
			MessageID:     msg.ID,
			Kind:          header.Kind,
			CorrelationID: header.CorrelationID,
			ProjectID:     header.ProjectID,
			Body:          msg.Body,
			FailureClass:  string(verdict.Class),
			FailureReason: verdict.Reason,
			AttemptCount:  attempts,
			EnqueuedAt:    msg.EnqueuedAt,
		})
		if err != nil {
			requeueErr := queue.Requeue(ctx, msg, c.retryDelay)
			return errors.Join(fmt.Errorf("store dead letter: %w", err), requeueErr)
		}
		if verdict.Key != (IdempotencyKey{}) {
			c.dispatcher.Retry().Forget(verdict.Key)
		}
		c.logger.Warn().
			Str("deadLetterId", entry.ID).
			Str("queue", queue.Name()).
			Str("kind", header.Kind).
			Str("correlationId", header.CorrelationID).
			Str("class", string(verdict.Class)).
			Int("attempt", attempts).
			Msg("message dead-lettered")
		return queue.Ack(ctx, msg)
	default:
		return fmt.Errorf("%w: verdict action %q", ErrInvalidInput, verdict.Action)
	}
}

func (c *Consumer) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(c.depthInterval)
	defer ticker.Stop()
	for {
		for _, queue := range c.queues {
			c.metrics.setQueueDepth(queue.Name(), queue.Depth())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
