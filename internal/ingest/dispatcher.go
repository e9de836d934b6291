package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/rs/zerolog"
)

const (
	DefaultTxTimeout     = 10 * time.Second
	DefaultNotifyTimeout = 5 * time.Second
)

type DispatcherConfig struct {
	Decoder   *Decoder
	Registry  *Registry
	Gateway   Gateway
	Retry     *RetryCoordinator
	Notifier  Notifier
	Metrics   *Metrics
	Logger    zerolog.Logger
	TxTimeout time.Duration
	Now       func() time.Time

	// NotifyTimeout bounds one downstream notification so a stalled peer
	// cannot hold a worker.
	NotifyTimeout time.Duration
}

// Dispatcher turns one broker message into one Verdict. It never touches the
// broker itself; acting on the verdict is the consumer's job.
type Dispatcher struct {
	decoder       *Decoder
	registry      *Registry
	gateway       Gateway
	retry         *RetryCoordinator
	notifier      Notifier
	metrics       *Metrics
	logger        zerolog.Logger
	guard         Guard
	txTimeout     time.Duration
	notifyTimeout time.Duration
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidInput)
	}
	decoder := cfg.Decoder
	if decoder == nil {
		var err error
		decoder, err = NewDecoder()
		if err != nil {
			return nil, err
		}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NewRetryCoordinator(RetryConfig{Now: cfg.Now})
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	txTimeout := cfg.TxTimeout
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = DefaultNotifyTimeout
	}
	return &Dispatcher{
		decoder:       decoder,
		registry:      registry,
		gateway:       cfg.Gateway,
		retry:         retry,
		notifier:      notifier,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		guard:         NewGuard(cfg.Now),
		txTimeout:     txTimeout,
		notifyTimeout: notifyTimeout,
	}, nil
}

func (d *Dispatcher) Retry() *RetryCoordinator {
	return d.retry
}

func (d *Dispatcher) OnMessage(ctx context.Context, msg broker.Message) Verdict {
	started := time.Now()
	env, err := d.decoder.Decode(msg.Body, msg.Attempt)
	if err != nil {
		verdict := Verdict{Action: ActionDeadLetter, Class: ClassMalformed, Reason: err.Error(), Attempt: msg.Attempt}
		header := PeekHeader(msg.Body)
		d.logger.Error().Err(err).
			Str("queue", msg.Queue).
			Str("messageId", msg.ID).
			Str("kind", header.Kind).
			Str("correlationId", header.CorrelationID).
			Int("attempt", msg.Attempt).
			Msg("dropping undecodable message")
		d.metrics.observeVerdict(Kind(header.Kind), verdict, time.Since(started))
		return verdict
	}
	verdict := d.dispatch(ctx, env)
	d.metrics.observeVerdict(env.Kind(), verdict, time.Since(started))
	return verdict
}

func (d *Dispatcher) dispatch(ctx context.Context, env Envelope) Verdict {
	logger := d.logger.With().
		Str("kind", string(env.Kind())).
		Str("correlationId", env.CorrelationID()).
		Str("projectId", env.ProjectID()).
		Int("attempt", env.DeliveryAttempt()).
		Logger()

	handler, ok := d.registry.Lookup(env.Kind())
	if !ok {
		err := fmt.Errorf("%w: no handler for %s", ErrUnknownKind, env.Kind())
		logger.Error().Err(err).Msg("dropping envelope")
		d.retry.Forget(env.Key())
		return Verdict{Action: ActionDeadLetter, Class: ClassMalformed, Reason: err.Error(), Attempt: env.DeliveryAttempt()}
	}

	if verdict, ok := d.retry.Pending(env.Key()); ok {
		verdict.Reason = "retries exhausted, dead letter not yet stored"
		logger.Warn().Str("class", string(verdict.Class)).Int("attempt", verdict.Attempt).Msg("dead letter still pending")
		return verdict
	}

	result, err := d.apply(ctx, handler, env)
	if errors.Is(err, ErrIdempotencyRace) {
		logger.Debug().Err(err).Msg("lost idempotency race, re-running")
		result, err = d.apply(ctx, handler, env)
	}
	if err == nil {
		d.retry.Forget(env.Key())
		if result.Notification != nil {
			d.notify(ctx, logger, *result.Notification)
		}
		logger.Debug().Str("outcome", result.Outcome).Msg("envelope applied")
		return Verdict{Action: ActionAck, Reason: result.Outcome, Attempt: env.DeliveryAttempt()}
	}

	class := Classify(err)
	verdict := d.retry.Decide(env.Key(), env.DeliveryAttempt(), class)
	verdict.Reason = err.Error()
	event := logger.Warn()
	switch {
	case class == ClassConflict:
		event = logger.Error().Bool("conflictingDuplicate", true)
	case verdict.Action == ActionDeadLetter:
		event = logger.Error()
	}
	event.Err(err).
		Str("class", string(class)).
		Str("action", string(verdict.Action)).
		Int("attempt", verdict.Attempt).
		Dur("delay", verdict.Delay).
		Msg("envelope failed")
	return verdict
}

// notify makes the single delivery attempt of a notification. The outcome is
// logged and never changes the verdict.
func (d *Dispatcher) notify(ctx context.Context, logger zerolog.Logger, notification Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.notifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, notification); err != nil {
		logger.Warn().Err(err).Str("unblockedParentId", notification.UnblockedParentID).Msg("downstream notification failed")
	}
}

// apply runs guard, handler and write as one unit of work bounded by the tx
// timeout.
func (d *Dispatcher) apply(ctx context.Context, handler Handler, env Envelope) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.txTimeout)
	defer cancel()

	key := env.Key()
	var result Result
	err := d.gateway.WithinTx(ctx, func(tx Tx) error {
		state, err := d.guard.Check(ctx, tx, key, env.Digest())
		if err != nil {
			return err
		}
		switch state {
		case AlreadyApplied:
			result = Result{Outcome: OutcomeDuplicate}
			return nil
		case Conflicting:
			return fmt.Errorf("%w: %s was already applied with a different payload", ErrConflictingDuplicate, key)
		}
		handled, err := handler.Handle(ctx, tx, env)
		if err != nil {
			return err
		}
		if err := tx.ApplyTransition(ctx, handled.Transition, d.guard.Record(key, env.Digest(), handled.Outcome)); err != nil {
			return err
		}
		result = handled
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
