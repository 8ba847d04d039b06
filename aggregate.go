package procflow

import (
	"errors"
	"fmt"
	"time"
)

var timeNow = func() time.Time { return time.Now() }

// ErrAggregateNotFound is returned when loading an aggregate
// that has no stored events.
var ErrAggregateNotFound = errors.New("aggregate not found")

// Aggregate is any type embedding AggregateRoot.
type Aggregate interface {
	root() *AggregateRoot

	// Mutate applies e onto the aggregate state. Mutate is called both when
	// events are triggered and when the aggregate is reconstructed from
	// stored events, so it must not have side effects.
	Mutate(e Event) error
}

// AggregateRoot must be embedded by every type that implements Aggregate.
//
//	type Order struct {
//		procflow.AggregateRoot
//		Customer string
//	}
//
//	func (o *Order) Mutate(e procflow.Event) error {
//		switch e := e.(type) {
//		case *OrderCreated:
//			o.Customer = e.Customer
//		}
//		return nil
//	}
type AggregateRoot struct {
	id      string
	version int64
	pending []Event
}

func (a *AggregateRoot) root() *AggregateRoot { return a }

// ID returns the aggregate identifier.
func (a *AggregateRoot) ID() string { return a.id }

// Version returns the version of the last event applied.
func (a *AggregateRoot) Version() int64 { return a.version }

// Pending returns the triggered events that weren't stored yet.
func (a *AggregateRoot) Pending() []Event { return a.pending }

// Create initializes a new aggregate with identifier id and triggers
// its creation event e.
func Create(a Aggregate, id string, e Event) error {
	r := a.root()
	if r.version != 0 || len(r.pending) > 0 {
		return fmt.Errorf("aggregate %q is already initialized", r.id)
	}
	if id == "" {
		return errors.New("empty aggregate id")
	}
	r.id = id
	return Trigger(a, e)
}

// Trigger assigns e to the aggregate at the next version, applies it and
// records it as pending until it's stored.
func Trigger(a Aggregate, e Event) error {
	r := a.root()
	if r.id == "" {
		return errors.New("triggering event on uninitialized aggregate")
	}
	m := e.metadata()
	m.originatorID, m.originatorVersion = r.id, r.version+1
	if m.t.IsZero() {
		m.t = timeNow()
	}
	if err := a.Mutate(e); err != nil {
		return err
	}
	r.version++
	r.pending = append(r.pending, e)
	return nil
}

// collect returns and clears the pending events.
func (a *AggregateRoot) collect() []Event {
	p := a.pending
	a.pending = nil
	return p
}

// reconstruct creates the aggregate from events in version order.
func (c *EventCodec) reconstruct(id string, events []Event) (Aggregate, error) {
	if len(events) < 1 {
		return nil, ErrAggregateNotFound
	}
	k := c.kindOf(events[0])
	if k == nil || k.creates == nil {
		return nil, fmt.Errorf("event %q doesn't create an aggregate", events[0].Name())
	}
	a := k.creates()
	r := a.root()
	r.id = id
	for _, e := range events {
		if e.OriginatorVersion() != r.version+1 {
			return nil, fmt.Errorf("aggregate %q: unexpected version %d after %d",
				id, e.OriginatorVersion(), r.version)
		}
		if err := a.Mutate(e); err != nil {
			return nil, fmt.Errorf("applying %q version %d: %w",
				e.Name(), e.OriginatorVersion(), err)
		}
		r.version = e.OriginatorVersion()
	}
	return a, nil
}
