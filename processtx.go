package procflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/romshark/procflow/db"
)

// ProcessTx is the transaction context of a single policy invocation.
// It lazily loads and caches the aggregates a policy touches, keeps track of
// aggregates created and remembers which notification produced the version
// of every loaded aggregate.
type ProcessTx struct {
	engine  *Engine
	loaded  map[string]*loadedAggregate
	order   []string // Load order of loaded.
	created []Aggregate
}

type loadedAggregate struct {
	agg Aggregate

	// ref is the pipeline and notification of the version loaded.
	ref CausalDependency
}

func (e *Engine) newProcessTx() *ProcessTx {
	return &ProcessTx{engine: e, loaded: map[string]*loadedAggregate{}}
}

// Get returns the aggregate identified by id.
// Returns ErrAggregateNotFound if it doesn't exist.
func (t *ProcessTx) Get(ctx context.Context, id string) (Aggregate, error) {
	for _, a := range t.created {
		if a.root().id == id {
			return a, nil
		}
	}
	if l, ok := t.loaded[id]; ok {
		return l.agg, nil
	}
	l, err := t.engine.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	t.loaded[id] = l
	t.order = append(t.order, id)
	return l.agg, nil
}

// GetAs is like Get but returns ErrAggregateNotFound if the aggregate
// isn't of type T.
func GetAs[T Aggregate](ctx context.Context, tx *ProcessTx, id string) (T, error) {
	var zero T
	a, err := tx.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	t, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", ErrAggregateNotFound, id, a)
	}
	return t, nil
}

// Contains reports whether the aggregate identified by id exists.
func (t *ProcessTx) Contains(ctx context.Context, id string) (bool, error) {
	_, err := t.Get(ctx, id)
	if errors.Is(err, ErrAggregateNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PendingEvents returns the pending events of all touched and created aggregates.
// If more than one aggregate changed the events are ordered by time which is
// only an approximation of their causal order.
func (t *ProcessTx) PendingEvents() []Event {
	var events []Event
	changed := 0
	for a := range t.aggregates {
		if p := a.root().pending; len(p) > 0 {
			changed++
			events = append(events, p...)
		}
	}
	if changed > 1 {
		slices.SortStableFunc(events, func(a, b Event) int {
			return a.Time().Compare(b.Time())
		})
	}
	return events
}

// aggregates iterates over loaded aggregates in load order followed by
// created aggregates.
func (t *ProcessTx) aggregates(yield func(Aggregate) bool) {
	for _, id := range t.order {
		if !yield(t.loaded[id].agg) {
			return
		}
	}
	for _, a := range t.created {
		if !yield(a) {
			return
		}
	}
}

func (t *ProcessTx) addCreated(a ...Aggregate) {
	for _, a := range a {
		if a == nil || slices.Contains(t.created, a) {
			continue
		}
		t.created = append(t.created, a)
	}
}

// causalDependencies returns, per foreign pipeline, the highest notification
// that produced a loaded aggregate version.
func (t *ProcessTx) causalDependencies(pipelineID int64) []CausalDependency {
	var d []CausalDependency
	for _, id := range t.order {
		ref := t.loaded[id].ref
		if ref.NotificationID == 0 || ref.PipelineID == pipelineID {
			continue
		}
		d = append(d, ref)
	}
	return highestPerPipeline(d)
}

// aggregateCache keeps aggregates between engine calls.
type aggregateCache struct {
	lock    sync.Mutex
	entries map[string]loadedAggregate
}

func newAggregateCache() *aggregateCache {
	return &aggregateCache{entries: map[string]loadedAggregate{}}
}

func (c *aggregateCache) get(id string) (loadedAggregate, bool) {
	if c == nil {
		return loadedAggregate{}, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	l, ok := c.entries[id]
	return l, ok
}

func (c *aggregateCache) put(l loadedAggregate) {
	if c == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[l.agg.root().id] = l
}

func (c *aggregateCache) evict(ids ...string) {
	if c == nil {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

// loadAggregate returns the cached aggregate or reconstructs it
// from the stored events and caches it.
func (e *Engine) loadAggregate(ctx context.Context, id string) (*loadedAggregate, error) {
	if l, ok := e.cache.get(id); ok {
		return &l, nil
	}
	l, err := e.readAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cache.put(*l)
	return l, nil
}

func (e *Engine) readAggregate(ctx context.Context, id string) (*loadedAggregate, error) {
	var stored []db.StoredEvent
	err := e.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		stored, err = tx.ReadStoredEvents(ctx, e.name, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading stored events of %q: %w", id, err)
	}
	if len(stored) < 1 {
		return nil, fmt.Errorf("%w: %q", ErrAggregateNotFound, id)
	}
	events := make([]Event, len(stored))
	for i, s := range stored {
		ev, err := e.codec.DecodeJSON(s.Topic, s.State)
		if err != nil {
			return nil, fmt.Errorf("decoding event %q version %d: %w",
				id, s.OriginatorVersion, err)
		}
		m := ev.metadata()
		m.t, m.originatorID, m.originatorVersion = s.Time, id, s.OriginatorVersion
		events[i] = ev
	}
	a, err := e.codec.reconstruct(id, events)
	if err != nil {
		return nil, err
	}
	last := stored[len(stored)-1]
	l := &loadedAggregate{agg: a, ref: CausalDependency{
		PipelineID:     last.PipelineID,
		NotificationID: last.NotificationID,
	}}
	return l, nil
}
