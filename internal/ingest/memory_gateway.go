package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MemoryGateway keeps all state in process. Transactions are serialized, which
// makes the idempotency race impossible and the gate check exact.
type MemoryGateway struct {
	sem      chan struct{}
	closed   bool
	launches map[string]Launch
	items    map[string]TestItem
	logs     []LogEntry
	logIDs   map[string]struct{}
	records  map[IdempotencyKey]IdempotencyRecord
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		sem:      make(chan struct{}, 1),
		launches: map[string]Launch{},
		items:    map[string]TestItem{},
		logIDs:   map[string]struct{}{},
		records:  map[IdempotencyKey]IdempotencyRecord{},
	}
}

func (g *MemoryGateway) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *MemoryGateway) unlock() {
	<-g.sem
}

func (g *MemoryGateway) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := g.lock(ctx); err != nil {
		return err
	}
	defer g.unlock()
	if g.closed {
		return fmt.Errorf("%w: gateway closed", ErrTransient)
	}
	tx := &memoryTx{
		gateway:  g,
		launches: map[string]Launch{},
		items:    map[string]TestItem{},
		records:  map[IdempotencyKey]IdempotencyRecord{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (g *MemoryGateway) PruneIdempotency(ctx context.Context, before time.Time) (int, error) {
	if err := g.lock(ctx); err != nil {
		return 0, err
	}
	defer g.unlock()
	pruned := 0
	for key, record := range g.records {
		if record.AppliedAt.Before(before) {
			delete(g.records, key)
			pruned++
		}
	}
	return pruned, nil
}

func (g *MemoryGateway) Close() error {
	if err := g.lock(context.Background()); err != nil {
		return err
	}
	defer g.unlock()
	g.closed = true
	return nil
}

// Launch returns a committed launch.
func (g *MemoryGateway) Launch(id string) (Launch, bool) {
	_ = g.lock(context.Background())
	defer g.unlock()
	launch, ok := g.launches[id]
	return cloneLaunch(launch), ok
}

func (g *MemoryGateway) Item(id string) (TestItem, bool) {
	_ = g.lock(context.Background())
	defer g.unlock()
	item, ok := g.items[id]
	return cloneItem(item), ok
}

// Logs returns the committed log entries of a launch in append order.
func (g *MemoryGateway) Logs(launchID string) []LogEntry {
	_ = g.lock(context.Background())
	defer g.unlock()
	out := make([]LogEntry, 0)
	for _, entry := range g.logs {
		if entry.LaunchID == launchID {
			out = append(out, entry)
		}
	}
	return out
}

func (g *MemoryGateway) IdempotencyRecords() []IdempotencyRecord {
	_ = g.lock(context.Background())
	defer g.unlock()
	out := make([]IdempotencyRecord, 0, len(g.records))
	for _, record := range g.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// memoryTx stages writes and publishes them to the gateway on commit. Reads
// see staged writes first.
type memoryTx struct {
	gateway  *MemoryGateway
	launches map[string]Launch
	items    map[string]TestItem
	logs     []LogEntry
	records  map[IdempotencyKey]IdempotencyRecord
}

func (tx *memoryTx) GetLaunch(ctx context.Context, id string) (Launch, error) {
	if launch, ok := tx.launches[id]; ok {
		return cloneLaunch(launch), nil
	}
	if launch, ok := tx.gateway.launches[id]; ok {
		return cloneLaunch(launch), nil
	}
	return Launch{}, ErrNotFound
}

func (tx *memoryTx) GetItem(ctx context.Context, id string) (TestItem, error) {
	if item, ok := tx.items[id]; ok {
		return cloneItem(item), nil
	}
	if item, ok := tx.gateway.items[id]; ok {
		return cloneItem(item), nil
	}
	return TestItem{}, ErrNotFound
}

func (tx *memoryTx) LogExists(ctx context.Context, id string) (bool, error) {
	if _, ok := tx.gateway.logIDs[id]; ok {
		return true, nil
	}
	for _, entry := range tx.logs {
		if entry.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) CountInProgressDescendants(ctx context.Context, ref EntityRef) (int, error) {
	var match func(item TestItem) bool
	switch ref.Kind {
	case EntityLaunch:
		if _, err := tx.GetLaunch(ctx, ref.ID); err != nil {
			return 0, err
		}
		match = func(item TestItem) bool { return item.LaunchID == ref.ID }
	case EntityItem:
		parent, err := tx.GetItem(ctx, ref.ID)
		if err != nil {
			return 0, err
		}
		prefix := parent.Path + "."
		match = func(item TestItem) bool {
			return item.LaunchID == parent.LaunchID && strings.HasPrefix(item.Path, prefix)
		}
	default:
		return 0, fmt.Errorf("%w: entity kind %q", ErrInvalidInput, ref.Kind)
	}
	count := 0
	for id, item := range tx.gateway.items {
		if staged, ok := tx.items[id]; ok {
			item = staged
		}
		if item.Status == StatusInProgress && match(item) {
			count++
		}
	}
	for id, item := range tx.items {
		if _, committed := tx.gateway.items[id]; committed {
			continue
		}
		if item.Status == StatusInProgress && match(item) {
			count++
		}
	}
	return count, nil
}

func (tx *memoryTx) LookupIdempotency(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error) {
	if record, ok := tx.records[key]; ok {
		return record, nil
	}
	if record, ok := tx.gateway.records[key]; ok {
		return record, nil
	}
	return IdempotencyRecord{}, ErrNotFound
}

func (tx *memoryTx) ApplyTransition(ctx context.Context, transition Transition, record IdempotencyRecord) error {
	if _, err := tx.LookupIdempotency(ctx, record.Key); err == nil {
		return ErrIdempotencyRace
	}
	switch transition.Op {
	case OpNone:
	case OpCreateLaunch:
		if _, err := tx.GetLaunch(ctx, transition.Launch.ID); err == nil {
			return ErrIdempotencyRace
		}
		tx.launches[transition.Launch.ID] = cloneLaunch(transition.Launch)
	case OpFinishLaunch:
		current, err := tx.GetLaunch(ctx, transition.Launch.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusInProgress {
			return ErrIdempotencyRace
		}
		current.Status = transition.Launch.Status
		current.EndTime = transition.Launch.EndTime
		tx.launches[current.ID] = cloneLaunch(current)
	case OpCreateItem:
		if _, err := tx.GetItem(ctx, transition.Item.ID); err == nil {
			return ErrIdempotencyRace
		}
		tx.items[transition.Item.ID] = cloneItem(transition.Item)
	case OpFinishItem:
		current, err := tx.GetItem(ctx, transition.Item.ID)
		if err != nil {
			return err
		}
		if current.Status != StatusInProgress {
			return ErrIdempotencyRace
		}
		current.Status = transition.Item.Status
		current.EndTime = transition.Item.EndTime
		tx.items[current.ID] = cloneItem(current)
	case OpAppendLog:
		if _, exists := tx.gateway.logIDs[transition.Log.ID]; exists {
			return ErrIdempotencyRace
		}
		tx.logs = append(tx.logs, transition.Log)
	default:
		return fmt.Errorf("%w: transition op %q", ErrInvalidInput, transition.Op)
	}
	tx.records[record.Key] = record
	return nil
}

func (tx *memoryTx) commit() {
	g := tx.gateway
	for id, launch := range tx.launches {
		g.launches[id] = launch
	}
	for id, item := range tx.items {
		g.items[id] = item
	}
	for _, entry := range tx.logs {
		g.logs = append(g.logs, entry)
		g.logIDs[entry.ID] = struct{}{}
	}
	for key, record := range tx.records {
		g.records[key] = record
	}
}
