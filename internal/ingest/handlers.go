package ingest

import (
	"context"
	"errors"
	"fmt"
)

// Result is what a handler hands back to the dispatcher: the transition to
// commit and, when something changed, the notification to send afterwards.
type Result struct {
	Transition   Transition
	Notification *Notification
	Outcome      string
}

type Handler interface {
	Kind() Kind
	Handle(ctx context.Context, tx Tx, env Envelope) (Result, error)
}

// Registry maps envelope kinds to handlers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[Kind]Handler
}

func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[Kind]Handler, len(handlers))}
	for _, handler := range handlers {
		if handler == nil {
			return nil, fmt.Errorf("%w: nil handler", ErrInvalidInput)
		}
		kind := handler.Kind()
		if _, exists := r.handlers[kind]; exists {
			return nil, fmt.Errorf("%w: duplicate handler for %s", ErrInvalidInput, kind)
		}
		r.handlers[kind] = handler
	}
	return r, nil
}

// DefaultRegistry wires the five lifecycle handlers.
func DefaultRegistry() *Registry {
	gate := ApprovalGate{}
	r, _ := NewRegistry(
		StartLaunchHandler{},
		FinishLaunchHandler{Gate: gate},
		StartItemHandler{},
		FinishItemHandler{Gate: gate},
		AppendLogHandler{},
	)
	return r
}

func (r *Registry) Lookup(kind Kind) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	handler, ok := r.handlers[kind]
	return handler, ok
}

func decodePayload(env Envelope, v any) error {
	if err := env.decodePayload(v); err != nil {
		return &DecodeError{Reason: string(env.Kind()) + " payload", Err: err}
	}
	return nil
}

func notYetVisible(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotYetVisible, entity, id)
}

func resultFor(transition Transition, notification *Notification) Result {
	if transition.Op == OpNone {
		notification = nil
	}
	return Result{Transition: transition, Notification: notification, Outcome: transition.outcome()}
}

type StartLaunchHandler struct{}

func (StartLaunchHandler) Kind() Kind {
	return KindStartLaunch
}

func (StartLaunchHandler) Handle(ctx context.Context, tx Tx, env Envelope) (Result, error) {
	var p StartLaunchPayload
	if err := decodePayload(env, &p); err != nil {
		return Result{}, err
	}
	var current *Launch
	launch, err := tx.GetLaunch(ctx, p.LaunchID)
	switch {
	case err == nil:
		current = &launch
	case !errors.Is(err, ErrNotFound):
		return Result{}, err
	}
	transition, err := planStartLaunch(current, env.ProjectID(), p)
	if err != nil {
		return Result{}, err
	}
	return resultFor(transition, &Notification{
		Kind:      env.Kind(),
		EntityID:  p.LaunchID,
		LaunchID:  p.LaunchID,
		ProjectID: env.ProjectID(),
		Status:    StatusInProgress,
	}), nil
}

type FinishLaunchHandler struct {
	Gate ApprovalGate
}

func (FinishLaunchHandler) Kind() Kind {
	return KindFinishLaunch
}

func (h FinishLaunchHandler) Handle(ctx context.Context, tx Tx, env Envelope) (Result, error) {
	var p FinishLaunchPayload
	if err := decodePayload(env, &p); err != nil {
		return Result{}, err
	}
	launch, err := tx.GetLaunch(ctx, p.LaunchID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, notYetVisible("launch", p.LaunchID)
	}
	if err != nil {
		return Result{}, err
	}
	decision := Decision{Approved: true}
	if !launch.Status.Terminal() {
		decision, err = h.Gate.MayFinish(ctx, tx, EntityRef{Kind: EntityLaunch, ID: launch.ID})
		if err != nil {
			return Result{}, err
		}
	}
	transition, err := planFinishLaunch(launch, env.ProjectID(), p, decision)
	if err != nil {
		return Result{}, err
	}
	return resultFor(transition, &Notification{
		Kind:      env.Kind(),
		EntityID:  launch.ID,
		LaunchID:  launch.ID,
		ProjectID: env.ProjectID(),
		Status:    p.Status,
	}), nil
}

type StartItemHandler struct{}

func (StartItemHandler) Kind() Kind {
	return KindStartItem
}

// Handle locks rows item-first, deepest first, then the launch. Every handler
// follows that order so concurrent transactions cannot deadlock each other.
func (StartItemHandler) Handle(ctx context.Context, tx Tx, env Envelope) (Result, error) {
	var p StartItemPayload
	if err := decodePayload(env, &p); err != nil {
		return Result{}, err
	}
	var existing *TestItem
	item, err := tx.GetItem(ctx, p.ItemID)
	switch {
	case err == nil:
		existing = &item
	case !errors.Is(err, ErrNotFound):
		return Result{}, err
	}
	var parent *TestItem
	if p.ParentID != "" && existing == nil {
		loaded, err := tx.GetItem(ctx, p.ParentID)
		if errors.Is(err, ErrNotFound) {
			return Result{}, notYetVisible("parent item", p.ParentID)
		}
		if err != nil {
			return Result{}, err
		}
		parent = &loaded
	}
	launch, err := tx.GetLaunch(ctx, p.LaunchID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, notYetVisible("launch", p.LaunchID)
	}
	if err != nil {
		return Result{}, err
	}
	transition, err := planStartItem(launch, parent, existing, env.ProjectID(), p)
	if err != nil {
		return Result{}, err
	}
	return resultFor(transition, &Notification{
		Kind:      env.Kind(),
		EntityID:  p.ItemID,
		LaunchID:  launch.ID,
		ProjectID: env.ProjectID(),
		Status:    StatusInProgress,
	}), nil
}

type FinishItemHandler struct {
	Gate ApprovalGate
}

func (FinishItemHandler) Kind() Kind {
	return KindFinishItem
}

// Handle never finishes the parent. It only reports, via the notification,
// that the parent has no IN_PROGRESS descendants left.
func (h FinishItemHandler) Handle(ctx context.Context, tx Tx, env Envelope) (Result, error) {
	var p FinishItemPayload
	if err := decodePayload(env, &p); err != nil {
		return Result{}, err
	}
	item, err := tx.GetItem(ctx, p.ItemID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, notYetVisible("item", p.ItemID)
	}
	if err != nil {
		return Result{}, err
	}
	decision := Decision{Approved: true}
	siblingsInProgress := -1
	if !item.Status.Terminal() {
		decision, err = h.Gate.MayFinish(ctx, tx, EntityRef{Kind: EntityItem, ID: item.ID})
		if err != nil {
			return Result{}, err
		}
		if item.ParentID != "" {
			// Includes this item, which is still IN_PROGRESS here.
			siblingsInProgress, err = tx.CountInProgressDescendants(ctx, EntityRef{Kind: EntityItem, ID: item.ParentID})
			if err != nil {
				return Result{}, err
			}
		}
	}
	launch, err := tx.GetLaunch(ctx, item.LaunchID)
	if err != nil {
		return Result{}, fmt.Errorf("load launch %s of item %s: %w", item.LaunchID, item.ID, err)
	}
	transition, err := planFinishItem(item, launch, env.ProjectID(), p, decision)
	if err != nil {
		return Result{}, err
	}
	notification := &Notification{
		Kind:      env.Kind(),
		EntityID:  item.ID,
		LaunchID:  item.LaunchID,
		ProjectID: env.ProjectID(),
		Status:    p.Status,
	}
	if transition.Op == OpFinishItem && siblingsInProgress == 1 {
		notification.UnblockedParentID = item.ParentID
	}
	return resultFor(transition, notification), nil
}

type AppendLogHandler struct{}

func (AppendLogHandler) Kind() Kind {
	return KindAppendLog
}

func (AppendLogHandler) Handle(ctx context.Context, tx Tx, env Envelope) (Result, error) {
	var p AppendLogPayload
	if err := decodePayload(env, &p); err != nil {
		return Result{}, err
	}
	var item *TestItem
	if p.ItemID != "" {
		loaded, err := tx.GetItem(ctx, p.ItemID)
		if errors.Is(err, ErrNotFound) {
			return Result{}, notYetVisible("item", p.ItemID)
		}
		if err != nil {
			return Result{}, err
		}
		item = &loaded
	}
	launch, err := tx.GetLaunch(ctx, p.LaunchID)
	if errors.Is(err, ErrNotFound) {
		return Result{}, notYetVisible("launch", p.LaunchID)
	}
	if err != nil {
		return Result{}, err
	}
	exists, err := tx.LogExists(ctx, env.CorrelationID())
	if err != nil {
		return Result{}, err
	}
	transition, err := planAppendLog(launch, item, exists, env.ProjectID(), env.CorrelationID(), p)
	if err != nil {
		return Result{}, err
	}
	entityID := launch.ID
	if item != nil {
		entityID = item.ID
	}
	return resultFor(transition, &Notification{
		Kind:      env.Kind(),
		EntityID:  entityID,
		LaunchID:  launch.ID,
		ProjectID: env.ProjectID(),
	}), nil
}
