package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
)

type FileDeadLetterStore struct {
	path    string
	mu      sync.Mutex
	entries map[string]DeadLetter
}

type fileDeadLetterState struct {
	Entries map[string]DeadLetter `json:"entries"`
}

func NewFileDeadLetterStore(path string) (*FileDeadLetterStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileDeadLetterStore{path: path, entries: map[string]DeadLetter{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	var snapshot fileDeadLetterState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	for id, entry := range snapshot.Entries {
		s.entries[id] = entry
	}
	return s, nil
}

func (s *FileDeadLetterStore) Put(ctx context.Context, entry DeadLetter) (DeadLetter, error) {
	entry = normalizeDeadLetter(entry)
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.entries[entry.ID]
	s.entries[entry.ID] = entry
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[entry.ID] = previous
		} else {
			delete(s.entries, entry.ID)
		}
		return DeadLetter{}, err
	}
	return entry, nil
}

func (s *FileDeadLetterStore) Get(ctx context.Context, id string) (DeadLetter, error) {
	if strings.TrimSpace(id) == "" {
		return DeadLetter{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return entry, nil
}

func (s *FileDeadLetterStore) List(ctx context.Context, cursor string, limit int) (DeadLetterPage, error) {
	s.mu.Lock()
	items := make([]DeadLetter, 0, len(s.entries))
	for _, entry := range s.entries {
		items = append(items, entry)
	}
	s.mu.Unlock()
	return paginateDeadLetters(items, cursor, limit)
}

func (s *FileDeadLetterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = entry
		return err
	}
	return nil
}

func (s *FileDeadLetterStore) Close() error {
	return nil
}

func (s *FileDeadLetterStore) saveLocked() error {
	snapshot := fileDeadLetterState{Entries: make(map[string]DeadLetter, len(s.entries))}
	for id, entry := range s.entries {
		snapshot.Entries[id] = entry
	}
	return writeJSONFileAtomic(s.path, snapshot)
}
