package ingest

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffExponential BackoffMode = "exponential"
)

const (
	DefaultMaxAttempts = 50
	defaultCounterTTL  = 24 * time.Hour
)

// Policy is the retry regime of one failure class. Jitter is a randomization
// factor in [0,1); zero gives deterministic delays.
type Policy struct {
	Mode        BackoffMode   `yaml:"mode" json:"mode"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
	MaxDelay    time.Duration `yaml:"maxDelay" json:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
	MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
}

func (p Policy) Validate() error {
	switch p.Mode {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: backoff mode %q", ErrInvalidInput, p.Mode)
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidInput)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: maxAttempts must be positive", ErrInvalidInput)
	}
	if p.Mode == BackoffExponential && p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidInput)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("%w: jitter must be in [0,1)", ErrInvalidInput)
	}
	return nil
}

type Policies map[FailureClass]Policy

func DefaultPolicies() Policies {
	return Policies{
		ClassBlocked: {
			Mode:        BackoffFixed,
			Delay:       2 * time.Second,
			MaxAttempts: 30,
		},
		ClassTransient: {
			Mode:        BackoffExponential,
			Delay:       500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2,
			MaxAttempts: 5,
		},
	}
}

func (p Policies) Validate() error {
	for class, policy := range p {
		if !class.Retryable() {
			return fmt.Errorf("%w: class %q is not retryable", ErrInvalidInput, class)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", class, err)
		}
	}
	return nil
}

type Action string

const (
	ActionAck        Action = "ack"
	ActionRequeue    Action = "requeue"
	ActionDeadLetter Action = "dead_letter"
)

// Verdict is the single broker action the consumer performs for a message.
type Verdict struct {
	Action  Action
	Delay   time.Duration
	Reason  string
	Class   FailureClass
	Attempt int

	// Key is set on retry decisions so the consumer can clear a pending dead
	// letter once it is stored.
	Key IdempotencyKey
}

// DecidePolicy is the pure retry decision for a delivery that just failed.
// attempt is 1-based and counts that failed delivery.
func DecidePolicy(policy Policy, ceiling, attempt int, class FailureClass) Verdict {
	verdict := Verdict{Class: class, Attempt: attempt}
	if !class.Retryable() {
		verdict.Action = ActionDeadLetter
		return verdict
	}
	if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
		verdict.Action = ActionDeadLetter
		return verdict
	}
	if ceiling > 0 && attempt >= ceiling {
		verdict.Action = ActionDeadLetter
		return verdict
	}
	verdict.Action = ActionRequeue
	verdict.Delay = policyDelay(policy, attempt)
	return verdict
}

func policyDelay(policy Policy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Delay
	b.RandomizationFactor = policy.Jitter
	switch policy.Mode {
	case BackoffExponential:
		b.Multiplier = policy.Multiplier
		b.MaxInterval = policy.MaxDelay
		if b.MaxInterval <= 0 {
			b.MaxInterval = backoff.DefaultMaxInterval
		}
	default:
		b.Multiplier = 1
		b.MaxInterval = policy.Delay
	}
	b.Reset()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

type RetryConfig struct {
	Policies            Policies
	MaxAttempts         int
	TrustBrokerAttempts bool
	CounterTTL          time.Duration
	Now                 func() time.Time
}

type attemptCounter struct {
	attempts int
	lastSeen time.Time

	// deadLetter is set once the key's retries are exhausted and stays set
	// until the dead letter is stored.
	deadLetter *Verdict
}

// RetryCoordinator owns the retry state of the worker: the active policies and
// an in-process attempt counter for brokers whose delivery count is missing or
// not trusted.
type RetryCoordinator struct {
	mu         sync.Mutex
	policies   Policies
	ceiling    int
	trust      bool
	counterTTL time.Duration
	now        func() time.Time
	counters   map[IdempotencyKey]*attemptCounter
}

func NewRetryCoordinator(cfg RetryConfig) *RetryCoordinator {
	policies := DefaultPolicies()
	for class, policy := range cfg.Policies {
		policies[class] = policy
	}
	ceiling := cfg.MaxAttempts
	if ceiling <= 0 {
		ceiling = DefaultMaxAttempts
	}
	ttl := cfg.CounterTTL
	if ttl <= 0 {
		ttl = defaultCounterTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RetryCoordinator{
		policies:   policies,
		ceiling:    ceiling,
		trust:      cfg.TrustBrokerAttempts,
		counterTTL: ttl,
		now:        now,
		counters:   map[IdempotencyKey]*attemptCounter{},
	}
}

// Decide records a failed delivery of key and returns Requeue or DeadLetter.
// A DeadLetter verdict is sticky: later deliveries of key get the same verdict
// until Forget is called after the dead letter is stored.
func (c *RetryCoordinator) Decide(key IdempotencyKey, brokerAttempt int, class FailureClass) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	counter, ok := c.counters[key]
	if !ok {
		counter = &attemptCounter{}
		c.counters[key] = counter
	}
	counter.lastSeen = now
	if counter.deadLetter != nil {
		return *counter.deadLetter
	}
	counter.attempts++

	attempt := counter.attempts
	if c.trust && brokerAttempt > 0 {
		attempt = brokerAttempt
		counter.attempts = brokerAttempt
	}
	verdict := DecidePolicy(c.policies[class], c.ceiling, attempt, class)
	verdict.Key = key
	if verdict.Action == ActionDeadLetter {
		pending := verdict
		counter.deadLetter = &pending
	}
	return verdict
}

// Pending reports the DeadLetter verdict of a key whose retries are exhausted
// but whose dead letter has not been stored yet.
func (c *RetryCoordinator) Pending(key IdempotencyKey) (Verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, ok := c.counters[key]
	if !ok || counter.deadLetter == nil {
		return Verdict{}, false
	}
	counter.lastSeen = c.now()
	return *counter.deadLetter, true
}

// Forget drops the counter of a key that reached a terminal outcome: applied,
// or dead-lettered and stored.
func (c *RetryCoordinator) Forget(key IdempotencyKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
}

// Prune drops counters not touched within the TTL and returns how many went.
func (c *RetryCoordinator) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.counterTTL)
	pruned := 0
	for key, counter := range c.counters {
		if counter.lastSeen.Before(cutoff) {
			delete(c.counters, key)
			pruned++
		}
	}
	return pruned
}

func (c *RetryCoordinator) SetPolicies(policies Policies, ceiling int) error {
	if err := policies.Validate(); err != nil {
		return err
	}
	merged := DefaultPolicies()
	for class, policy := range policies {
		merged[class] = policy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = merged
	if ceiling > 0 {
		c.ceiling = ceiling
	}
	return nil
}

func (c *RetryCoordinator) Policies() (Policies, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Policies, len(c.policies))
	for class, policy := range c.policies {
		out[class] = policy
	}
	return out, c.ceiling
}

func (c *RetryCoordinator) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counters)
}
