package procflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrBusClosed = errors.New("prompt bus closed")

// Prompt is a content-free signal that process ProcessName appended new
// notifications in pipeline PipelineID. Receivers must re-poll.
type Prompt struct {
	ProcessName string `json:"process_name"`
	PipelineID  int64  `json:"pipeline_id"`
}

// PromptHandler handles a published prompt.
type PromptHandler func(ctx context.Context, p Prompt) error

// PromptHandlerError wraps all errors and panics of the handlers of one
// published prompt.
type PromptHandlerError struct {
	Prompt Prompt
	Errs   []error
}

func (e *PromptHandlerError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("handling prompt from %q (pipeline %d): %s",
		e.Prompt.ProcessName, e.Prompt.PipelineID, strings.Join(msgs, "; "))
}

func (e *PromptHandlerError) Unwrap() []error { return e.Errs }

type subscription struct {
	id      uint64
	handler PromptHandler
}

// PromptBus relays prompts from publishers to subscribers synchronously.
// Create one using NewPromptBus and inject it into every engine that
// publishes or subscribes.
type PromptBus struct {
	lock   sync.Mutex
	closed bool
	lastID uint64
	subs   []subscription
}

func NewPromptBus() *PromptBus { return &PromptBus{} }

// Subscribe registers h until unsubscribe is called or the bus is closed.
func (b *PromptBus) Subscribe(h PromptHandler) (unsubscribe func(), err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.lastID++
	id := b.lastID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool {
			return s.id == id
		})
	}, nil
}

// Publish calls every subscribed handler exactly once before returning.
// Handler errors and panics don't stop other handlers from being called,
// they're returned as a single *PromptHandlerError.
func (b *PromptBus) Publish(ctx context.Context, p Prompt) error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return ErrBusClosed
	}
	subs := slices.Clone(b.subs)
	b.lock.Unlock()

	var errs []error
	for _, s := range subs {
		if err := callHandler(ctx, s.handler, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &PromptHandlerError{Prompt: p, Errs: errs}
	}
	return nil
}

func callHandler(ctx context.Context, h PromptHandler, p Prompt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prompt handler panic: %v", r)
		}
	}()
	return h(ctx, p)
}

// Close removes all subscriptions. Subscribe and Publish fail with ErrBusClosed
// afterwards.
func (b *PromptBus) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.closed, b.subs = true, nil
	return nil
}
