package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrNotImplemented = errors.New("not implemented")
	ErrLeaseLost      = errors.New("lease lost")
)

// Family is a coarse event family; each family is consumed from its own queue.
type Family string

const (
	FamilyLaunch Family = "launch"
	FamilyItem   Family = "item"
	FamilyLog    Family = "log"
)

func Families() []Family {
	return []Family{FamilyLaunch, FamilyItem, FamilyLog}
}

// FamilyFor routes an envelope kind to its queue family. Unknown kinds land on the
// launch queue so the dispatcher can dead-letter them.
func FamilyFor(kind string) Family {
	switch strings.TrimSpace(kind) {
	case "start_item", "finish_item":
		return FamilyItem
	case "append_log":
		return FamilyLog
	default:
		return FamilyLaunch
	}
}

type Message struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Body        []byte    `json:"body"`
	Attempt     int       `json:"attempt"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	AvailableAt time.Time `json:"availableAt,omitempty"`

	// LeaseToken fences Ack and Requeue on backends that lease messages.
	LeaseToken string `json:"-"`
}

// Queue is the consumer-side broker contract. Receive hands a message to exactly one
// caller; the caller must finish it with Ack or Requeue. Requeue increments the attempt.
type Queue interface {
	Name() string
	Publish(ctx context.Context, body []byte) (Message, error)
	Receive(ctx context.Context) (Message, bool)
	Ack(ctx context.Context, msg Message) error
	Requeue(ctx context.Context, msg Message, delay time.Duration) error
	Depth() int
	Capacity() int
	Close() error
}

type queueSnapshotter interface {
	Snapshot() []Message
}

// Snapshot returns the pending messages of q when the backend can list them.
func Snapshot(q Queue) []Message {
	if snapshotter, ok := q.(queueSnapshotter); ok {
		return snapshotter.Snapshot()
	}
	return nil
}

func requeuedMessage(msg Message, delay time.Duration, now time.Time) Message {
	if delay < 0 {
		delay = 0
	}
	msg.Attempt++
	msg.AvailableAt = now.Add(delay)
	return msg
}
