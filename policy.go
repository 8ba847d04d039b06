package procflow

import (
	"context"
	"fmt"
	"reflect"
)

// Policy applies business rules to an upstream domain event.
// Side effects must only happen through tx. Process returns the aggregates
// it created (if any); changes to aggregates loaded through tx are
// collected automatically.
type Policy interface {
	Process(ctx context.Context, tx *ProcessTx, e Event) (created []Aggregate, err error)
}

// PolicyFunc is a function implementing Policy.
type PolicyFunc func(ctx context.Context, tx *ProcessTx, e Event) ([]Aggregate, error)

func (f PolicyFunc) Process(ctx context.Context, tx *ProcessTx, e Event) ([]Aggregate, error) {
	return f(ctx, tx, e)
}

// PolicyMux dispatches events to the handler registered for their type.
// Events of types without a handler are ignored.
type PolicyMux struct {
	handlers map[reflect.Type]PolicyFunc
}

var _ Policy = new(PolicyMux)

func NewPolicyMux() *PolicyMux {
	return &PolicyMux{handlers: map[reflect.Type]PolicyFunc{}}
}

// Handle registers fn as the handler of events of type T.
// Panics if T already has a handler.
func Handle[T Event](
	m *PolicyMux, fn func(ctx context.Context, tx *ProcessTx, e T) ([]Aggregate, error),
) {
	t := reflect.TypeFor[T]()
	if _, ok := m.handlers[t]; ok {
		panic(fmt.Sprintf("handler for %s already registered", t))
	}
	m.handlers[t] = func(ctx context.Context, tx *ProcessTx, e Event) ([]Aggregate, error) {
		return fn(ctx, tx, e.(T))
	}
}

func (m *PolicyMux) Process(ctx context.Context, tx *ProcessTx, e Event) ([]Aggregate, error) {
	h, ok := m.handlers[reflect.TypeOf(e)]
	if !ok {
		return nil, nil
	}
	return h(ctx, tx, e)
}
