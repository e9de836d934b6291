package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type QueueFactory func(dsn, name string, capacity int) (Queue, error)
type DeadLetterStoreFactory func(ctx context.Context, dsn string) (DeadLetterStore, error)

// Registry maps DSN schemes to backend constructors. It is built once at startup and
// handed to whoever needs to open queues; there is no package-level registry.
type Registry struct {
	mu                sync.RWMutex
	queueFactories    map[string]QueueFactory
	deadLetterFactory map[string]DeadLetterStoreFactory
}

// NewRegistry returns a registry preloaded with the memory, file, postgres and s3 backends.
func NewRegistry() *Registry {
	r := &Registry{
		queueFactories:    map[string]QueueFactory{},
		deadLetterFactory: map[string]DeadLetterStoreFactory{},
	}
	fileQueue := func(dsn, name string, capacity int) (Queue, error) {
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewFileQueue(name, path, capacity)
	}
	memoryQueue := func(dsn, name string, capacity int) (Queue, error) {
		return NewMemoryQueue(name, capacity), nil
	}
	postgresQueue := func(dsn, name string, capacity int) (Queue, error) {
		return NewPostgresQueue(dsn, name, capacity)
	}
	r.RegisterQueueFactory("", fileQueue)
	r.RegisterQueueFactory("file", fileQueue)
	for _, scheme := range []string{"memory", "mem", "inmem"} {
		r.RegisterQueueFactory(scheme, memoryQueue)
	}
	r.RegisterQueueFactory("postgres", postgresQueue)
	r.RegisterQueueFactory("postgresql", postgresQueue)

	fileStore := func(ctx context.Context, dsn string) (DeadLetterStore, error) {
		path, err := dsnPath(dsn)
		if err != nil {
			return nil, err
		}
		return NewFileDeadLetterStore(path)
	}
	memoryStore := func(ctx context.Context, dsn string) (DeadLetterStore, error) {
		return NewMemoryDeadLetterStore(), nil
	}
	postgresStore := func(ctx context.Context, dsn string) (DeadLetterStore, error) {
		return NewPostgresDeadLetterStore(dsn)
	}
	r.RegisterDeadLetterStoreFactory("", fileStore)
	r.RegisterDeadLetterStoreFactory("file", fileStore)
	for _, scheme := range []string{"memory", "mem", "inmem"} {
		r.RegisterDeadLetterStoreFactory(scheme, memoryStore)
	}
	r.RegisterDeadLetterStoreFactory("postgres", postgresStore)
	r.RegisterDeadLetterStoreFactory("postgresql", postgresStore)
	r.RegisterDeadLetterStoreFactory("s3", func(ctx context.Context, dsn string) (DeadLetterStore, error) {
		return NewS3DeadLetterStoreFromDSN(ctx, dsn)
	})
	return r
}

func (r *Registry) RegisterQueueFactory(scheme string, factory QueueFactory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueFactories[normalizeScheme(scheme)] = factory
}

func (r *Registry) RegisterDeadLetterStoreFactory(scheme string, factory DeadLetterStoreFactory) {
	if factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetterFactory[normalizeScheme(scheme)] = factory
}

// BuildQueue opens the queue named name from dsn. For file DSNs the name is appended
// to the path so each family gets its own snapshot file.
func (r *Registry) BuildQueue(dsn, name string, capacity int) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.queueFactories[scheme]
	r.mu.RUnlock()
	if ok {
		if scheme == "" || scheme == "file" {
			dsn = strings.TrimSuffix(dsn, "/") + "/" + name + ".json"
		}
		return factory(dsn, name, capacity)
	}
	switch scheme {
	case "redis", "rediss", "nats", "sqs", "kafka", "amqp":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func (r *Registry) BuildQueues(dsn string, capacity int) (map[Family]Queue, error) {
	queues := make(map[Family]Queue, len(Families()))
	for _, family := range Families() {
		queue, err := r.BuildQueue(dsn, string(family), capacity)
		if err != nil {
			for _, opened := range queues {
				_ = opened.Close()
			}
			return nil, err
		}
		queues[family] = queue
	}
	return queues, nil
}

func (r *Registry) BuildDeadLetterStore(ctx context.Context, dsn string) (DeadLetterStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	scheme, err := dsnScheme(dsn)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.deadLetterFactory[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported dead-letter scheme: %s", scheme)
	}
	return factory(ctx, dsn)
}

// InProcess reports whether dsn names a backend that exists only inside the
// current process.
func InProcess(dsn string) bool {
	scheme, err := dsnScheme(strings.TrimSpace(dsn))
	if err != nil {
		return false
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return true
	default:
		return false
	}
}

func dsnScheme(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return normalizeScheme(parsed.Scheme), nil
}

func dsnPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if raw == "" {
			return "", ErrInvalidInput
		}
		return raw, nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
