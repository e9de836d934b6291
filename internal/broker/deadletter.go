package broker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is a message that exhausted its retries or was never processable. It keeps
// the raw body so operators can replay it unchanged.
type DeadLetter struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	MessageID     string    `json:"messageId"`
	Kind          string    `json:"kind,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ProjectID     string    `json:"projectId,omitempty"`
	Body          []byte    `json:"body"`
	FailureClass  string    `json:"failureClass"`
	FailureReason string    `json:"failureReason"`
	AttemptCount  int       `json:"attemptCount"`
	EnqueuedAt    time.Time `json:"enqueuedAt,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
}

type DeadLetterPage struct {
	Items      []DeadLetter `json:"items"`
	NextCursor *string      `json:"nextCursor"`
}

type DeadLetterStore interface {
	Put(ctx context.Context, entry DeadLetter) (DeadLetter, error)
	Get(ctx context.Context, id string) (DeadLetter, error)
	List(ctx context.Context, cursor string, limit int) (DeadLetterPage, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

func normalizeDeadLetter(entry DeadLetter) DeadLetter {
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = uuid.NewString()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return entry
}

// paginateDeadLetters orders newest first and resumes after the cursor id.
func paginateDeadLetters(items []DeadLetter, cursor string, limit int) (DeadLetterPage, error) {
	if limit <= 0 {
		limit = 100
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt.Equal(items[j].FailedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].FailedAt.After(items[j].FailedAt)
	})
	start := 0
	if cursor != "" {
		found := false
		for i := range items {
			if items[i].ID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return DeadLetterPage{}, ErrInvalidInput
		}
	}
	if start >= len(items) {
		return DeadLetterPage{Items: []DeadLetter{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	page := append([]DeadLetter(nil), items[start:end]...)
	var next *string
	if end < len(items) {
		cursorValue := items[end-1].ID
		next = &cursorValue
	}
	return DeadLetterPage{Items: page, NextCursor: next}, nil
}

type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]DeadLetter
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{entries: map[string]DeadLetter{}}
}

func (s *MemoryDeadLetterStore) Put(ctx context.Context, entry DeadLetter) (DeadLetter, error) {
	entry = normalizeDeadLetter(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *MemoryDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if strings.TrimSpace(id) == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryDeadLetterStore) List(ctx context.Context, cursor string, limit int) (DeadLetterPage, error) {
	s.mu.RLock()
	items := make([]DeadLetter, 0, len(s.entries))
	for _, entry := range s.entries {
		items = append(items, entry)
	}
	s.mu.RUnlock()
	return paginateDeadLetters(items, cursor, limit)
}

func (s *MemoryDeadLetterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryDeadLetterStore) Close() error {
	return nil
}
