package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consumerFixture struct {
	queues      map[broker.Family]broker.Queue
	deadLetters *broker.MemoryDeadLetterStore
	gateway     Gateway
	metrics     *Metrics
	registry    *prometheus.Registry
	done        chan error
	cancel      context.CancelFunc
}

func startConsumer(t *testing.T, gateway Gateway, policies Policies) consumerFixture {
	t.Helper()
	queues := map[broker.Family]broker.Queue{}
	for _, family := range broker.Families() {
		queues[family] = broker.NewMemoryQueue(string(family), 64)
	}
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)
	retry := NewRetryCoordinator(RetryConfig{Policies: policies})
	dispatcher, err := NewDispatcher(DispatcherConfig{Gateway: gateway, Retry: retry, Metrics: metrics, Logger: zerolog.Nop()})
	require.NoError(t, err)
	deadLetters := broker.NewMemoryDeadLetterStore()
	consumer, err := NewConsumer(ConsumerConfig{
		Queues:          queues,
		DeadLetters:     deadLetters,
		Dispatcher:      dispatcher,
		WorkersPerQueue: 2,
		DepthInterval:   10 * time.Millisecond,
		Metrics:         metrics,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx)
		close(done)
	}()
	f := consumerFixture{queues: queues, deadLetters: deadLetters, gateway: gateway, metrics: metrics, registry: registry, done: done, cancel: cancel}
	t.Cleanup(f.stop)
	return f
}

func (f consumerFixture) stop() {
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
	}
}

func (f consumerFixture) publish(t *testing.T, kind Kind, payload any) {
	t.Helper()
	body := encode(t, kind, uuid.NewString(), payload)
	_, err := f.queues[broker.FamilyFor(string(kind))].Publish(context.Background(), body)
	require.NoError(t, err)
}

func (f consumerFixture) deadLetterPage(t *testing.T) []broker.DeadLetter {
	t.Helper()
	page, err := f.deadLetters.List(context.Background(), "", 100)
	require.NoError(t, err)
	return page.Items
}

var fastPolicies = Policies{
	ClassBlocked:   {Mode: BackoffFixed, Delay: 10 * time.Millisecond, MaxAttempts: 200},
	ClassTransient: {Mode: BackoffFixed, Delay: 10 * time.Millisecond, MaxAttempts: 5},
}

func TestConsumerAppliesOutOfOrderLifecycle(t *testing.T) {
	gateway := NewMemoryGateway()
	f := startConsumer(t, gateway, fastPolicies)

	f.publish(t, KindFinishLaunch, finishLaunch("L1", StatusPassed))
	f.publish(t, KindFinishItem, finishItem("I1", StatusPassed))
	f.publish(t, KindAppendLog, AppendLogPayload{LaunchID: "L1", ItemID: "I1", Time: baseTime, Message: "m"})
	f.publish(t, KindStartItem, startItem("L1", "I1", ""))
	f.publish(t, KindStartLaunch, startLaunch("L1"))

	require.Eventually(t, func() bool {
		launch, ok := gateway.Launch("L1")
		return ok && launch.Status == StatusPassed
	}, 5*time.Second, 10*time.Millisecond)

	item, ok := gateway.Item("I1")
	require.True(t, ok)
	assert.Equal(t, StatusPassed, item.Status)
	require.Eventually(t, func() bool { return len(gateway.Logs("L1")) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.deadLetterPage(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.envelopes.WithLabelValues("finish_launch", OutcomeApplied)))
}

func TestConsumerDeadLettersMalformedOnFirstAttempt(t *testing.T) {
	f := startConsumer(t, NewMemoryGateway(), fastPolicies)
	correlationID := uuid.NewString()
	body := []byte(`{"kind":"start_item","correlationId":"` + correlationID + `","projectId":"p","payload":{"itemId":7}}`)
	_, err := f.queues[broker.FamilyItem].Publish(context.Background(), body)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.deadLetterPage(t)) == 1 }, 5*time.Second, 10*time.Millisecond)
	entry := f.deadLetterPage(t)[0]
	assert.Equal(t, 1, entry.AttemptCount)
	assert.Equal(t, string(ClassMalformed), entry.FailureClass)
	assert.Equal(t, "start_item", entry.Kind)
	assert.Equal(t, correlationID, entry.CorrelationID)
	assert.Equal(t, "item", entry.Queue)
	assert.Equal(t, body, entry.Body)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.deadLetters.WithLabelValues("start_item", string(ClassMalformed))))
}

func TestConsumerDeadLettersTransientFailureExactlyOnce(t *testing.T) {
	gateway := &failingGateway{MemoryGateway: NewMemoryGateway()}
	f := startConsumer(t, gateway, fastPolicies)
	f.publish(t, KindStartLaunch, startLaunch("L1"))

	require.Eventually(t, func() bool { return len(f.deadLetterPage(t)) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	entries := f.deadLetterPage(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 5, entries[0].AttemptCount)
	assert.Equal(t, string(ClassTransient), entries[0].FailureClass)
	assert.Equal(t, 0, f.queues[broker.FamilyLaunch].Depth())
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.requeues.WithLabelValues("start_launch", string(ClassTransient))))
}

// flakyDeadLetterStore fails the first failures Puts.
type flakyDeadLetterStore struct {
	*broker.MemoryDeadLetterStore
	failures int
}

func (s *flakyDeadLetterStore) Put(ctx context.Context, entry broker.DeadLetter) (broker.DeadLetter, error) {
	if s.failures > 0 {
		s.failures--
		return broker.DeadLetter{}, errors.New("disk full")
	}
	return s.MemoryDeadLetterStore.Put(ctx, entry)
}

func TestConsumerSettleRequeuesWhenDeadLetterStoreFails(t *testing.T) {
	queue := broker.NewMemoryQueue("launch", 4)
	retry := NewRetryCoordinator(RetryConfig{Policies: Policies{
		ClassTransient: {Mode: BackoffFixed, MaxAttempts: 2},
	}})
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Gateway: &failingGateway{MemoryGateway: NewMemoryGateway()},
		Retry:   retry,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	store := &flakyDeadLetterStore{MemoryDeadLetterStore: broker.NewMemoryDeadLetterStore(), failures: 2}
	consumer, err := NewConsumer(ConsumerConfig{
		Queues:               map[broker.Family]broker.Queue{broker.FamilyLaunch: queue},
		DeadLetters:          store,
		Dispatcher:           dispatcher,
		Logger:               zerolog.Nop(),
		DeadLetterRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = queue.Publish(ctx, encode(t, KindStartLaunch, uuid.NewString(), startLaunch("L1")))
	require.NoError(t, err)

	var actions []Action
	var settleErrs []error
	for i := 0; i < 4; i++ {
		msg, ok := queue.Receive(ctx)
		require.True(t, ok)
		verdict := dispatcher.OnMessage(ctx, msg)
		actions = append(actions, verdict.Action)
		settleErrs = append(settleErrs, consumer.Settle(ctx, queue, msg, verdict))
	}

	assert.Equal(t, []Action{ActionRequeue, ActionDeadLetter, ActionDeadLetter, ActionDeadLetter}, actions)
	assert.NoError(t, settleErrs[0])
	assert.ErrorContains(t, settleErrs[1], "disk full")
	assert.ErrorContains(t, settleErrs[2], "disk full")
	assert.NoError(t, settleErrs[3])

	page, err := store.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Items[0].AttemptCount)
	assert.Equal(t, 0, queue.Depth())
	assert.Equal(t, 0, retry.Tracked(), "stored dead letter clears the retry state")
}

// blockingGateway holds the first unit of work until released.
type blockingGateway struct {
	*MemoryGateway
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *blockingGateway) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryGateway.WithinTx(ctx, fn)
}

func TestConsumerFinishesInFlightMessageOnShutdown(t *testing.T) {
	gateway := &blockingGateway{MemoryGateway: NewMemoryGateway(), entered: make(chan struct{}), release: make(chan struct{})}
	f := startConsumer(t, gateway, fastPolicies)
	f.publish(t, KindStartLaunch, startLaunch("L1"))

	select {
	case <-gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched")
	}
	f.cancel()
	time.Sleep(20 * time.Millisecond)
	close(gateway.release)

	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
	_, ok := gateway.Launch("L1")
	assert.True(t, ok, "in-flight envelope applied despite shutdown")
	assert.Equal(t, 0, f.queues[broker.FamilyLaunch].Depth())
	assert.Zero(t, testutil.ToFloat64(f.metrics.requeues.WithLabelValues("start_launch", string(ClassTransient))))
}

func TestConsumerReportsQueueDepth(t *testing.T) {
	f := startConsumer(t, &failingGateway{MemoryGateway: NewMemoryGateway()}, Policies{
		ClassTransient: {Mode: BackoffFixed, Delay: time.Hour, MaxAttempts: 5},
	})
	f.publish(t, KindAppendLog, AppendLogPayload{LaunchID: "L1", Time: baseTime, Message: "m"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.queueDepth.WithLabelValues("log")) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
