package broker

import (
	"context"
	"fmt"
)

type ReplayResult struct {
	DeadLetter DeadLetter `json:"deadLetter"`
	Message    Message    `json:"message"`
}

// ReplayDeadLetter publishes the raw body of a dead letter back to the queue
// of its family and removes the entry. The new message starts at attempt 1.
// The entry is kept when publishing fails.
func ReplayDeadLetter(ctx context.Context, store DeadLetterStore, queues map[Family]Queue, id string) (ReplayResult, error) {
	entry, err := store.Get(ctx, id)
	if err != nil {
		return ReplayResult{}, err
	}
	queue, err := queueForFamily(queues, replayFamily(entry))
	if err != nil {
		return ReplayResult{}, err
	}
	msg, err := queue.Publish(ctx, entry.Body)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("republish %s: %w", entry.ID, err)
	}
	if err := store.Delete(ctx, entry.ID); err != nil && err != ErrNotFound {
		return ReplayResult{DeadLetter: entry, Message: msg}, fmt.Errorf("remove replayed dead letter %s: %w", entry.ID, err)
	}
	return ReplayResult{DeadLetter: entry, Message: msg}, nil
}

// QueueFor returns the queue that carries envelopes of kind.
func QueueFor(queues map[Family]Queue, kind string) (Queue, error) {
	return queueForFamily(queues, FamilyFor(kind))
}

func queueForFamily(queues map[Family]Queue, family Family) (Queue, error) {
	queue, ok := queues[family]
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: no queue for family %s", ErrNotFound, family)
	}
	return queue, nil
}

// Entries dead-lettered before their kind could be read fall back to the
// queue they were received from.
func replayFamily(entry DeadLetter) Family {
	if entry.Kind != "" {
		return FamilyFor(entry.Kind)
	}
	for _, family := range Families() {
		if string(family) == entry.Queue {
			return family
		}
	}
	return FamilyLaunch
}
