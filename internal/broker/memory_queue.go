package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryQueue struct {
	name         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	ready        []Message
	delayed      map[string]*time.Timer
	closed       bool
}

func NewMemoryQueue(name string, capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{
		name:         strings.TrimSpace(name),
		capacity:     capacity,
		pollInterval: 5 * time.Millisecond,
		ready:        []Message{},
		delayed:      map[string]*time.Timer{},
	}
}

func (q *memoryQueue) Name() string {
	return q.name
}

func (q *memoryQueue) Publish(ctx context.Context, body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Message{}, ErrQueueClosed
	}
	if len(q.ready)+len(q.delayed) >= q.capacity {
		return Message{}, ErrQueueFull
	}
	now := time.Now().UTC()
	msg := Message{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Body:        append([]byte(nil), body...),
		Attempt:     1,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	q.ready = append(q.ready, msg)
	return msg, nil
}

func (q *memoryQueue) Receive(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Message{}, false
		}
		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryQueue) Ack(ctx context.Context, msg Message) error {
	return nil
}

func (q *memoryQueue) Requeue(ctx context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	next := requeuedMessage(msg, delay, time.Now().UTC())
	if delay <= 0 {
		q.ready = append(q.ready, next)
		return nil
	}
	q.delayed[next.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, pending := q.delayed[next.ID]; !pending || q.closed {
			return
		}
		delete(q.delayed, next.ID)
		q.ready = append(q.ready, next)
	})
	return nil
}

func (q *memoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed)
}

func (q *memoryQueue) Capacity() int {
	return q.capacity
}

func (q *memoryQueue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.ready...)
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.delayed {
		timer.Stop()
		delete(q.delayed, id)
	}
	return nil
}
