package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fileQueue keeps the pending messages in a JSON snapshot rewritten atomically on every
// mutation. A received message leaves the snapshot immediately, so a crash between
// Receive and Ack loses it; use the postgres backend where that matters.
type fileQueue struct {
	name         string
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Message
}

type fileQueueState struct {
	Items []Message `json:"items"`
}

func NewFileQueue(name, path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileQueue{
		name:         strings.TrimSpace(name),
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Message{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileQueue) Name() string {
	return q.name
}

func (q *fileQueue) Publish(ctx context.Context, body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
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
	q.items = append(q.items, msg)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Message{}, err
	}
	return msg, nil
}

func (q *fileQueue) Receive(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		now := time.Now().UTC()
		for i, item := range q.items {
			if item.AvailableAt.After(now) {
				continue
			}
			remaining := append(append([]Message(nil), q.items[:i]...), q.items[i+1:]...)
			previous := q.items
			q.items = remaining
			if err := q.saveLocked(); err != nil {
				q.items = previous
				break
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileQueue) Ack(ctx context.Context, msg Message) error {
	return nil
}

func (q *fileQueue) Requeue(ctx context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, requeuedMessage(msg, delay, time.Now().UTC()))
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileQueue) Capacity() int {
	return q.capacity
}

func (q *fileQueue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items...)
}

func (q *fileQueue) Close() error {
	return nil
}

func (q *fileQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]Message(nil), snapshot.Items...)
	return nil
}

func (q *fileQueue) saveLocked() error {
	return writeJSONFileAtomic(q.path, fileQueueState{
		Items: append([]Message(nil), q.items...),
	})
}

func writeJSONFileAtomic(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
