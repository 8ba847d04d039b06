package procflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/romshark/procflow/db"
	"golang.org/x/sync/errgroup"
)

// Poller periodically triggers polling all upstreams.
type Poller interface {
	Stop()
	C() <-chan time.Time
}

// A TimedPoller is a Poller with reset capabilities.
type TimedPoller interface {
	Poller
	Reset()
}

// TickingPoller uses a time.Ticker to trigger polling regularly.
type TickingPoller struct {
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Poller      = new(TickingPoller)
	_ TimedPoller = new(TickingPoller)
)

func NewTickingPoller(interval time.Duration) *TickingPoller {
	if interval <= 0 {
		panic("don't use ticking poller with non-positive interval")
	}
	return &TickingPoller{ticker: time.NewTicker(interval), interval: interval}
}

func (t *TickingPoller) Stop()               { t.ticker.Stop() }
func (t *TickingPoller) Reset()              { t.ticker.Reset(t.interval) }
func (t *TickingPoller) C() <-chan time.Time { return t.ticker.C }

// Listen runs the engine until ctx is canceled, pulling from upstreams
// whenever a prompt arrives on the bus, the database notifies about inserted
// notifications or poller ticks.
//
// Every pull runs Run with the engine's retry policy. Retryable failures
// (see IsRetryable) that exhaust the policy and prompt handler errors are
// logged and the loop continues, any other error stops Listen.
//
// queueLen is the buffer size of pending prompts. Prompts arriving while the
// buffer is full are dropped with a warning, the next poll or prompt
// catches up.
// If the database doesn't satisfy db.Listener, the engine has no bus and
// poller == nil then ErrNothingToListen is returned.
// If poller satisfies TimedPoller then poller.Reset is called after every
// pull to prevent it from triggering prematurely.
//
// onListening is called once all sources are subscribed.
func (e *Engine) Listen(
	ctx context.Context, poller Poller, queueLen int, onListening func(),
) error {
	if !e.listenLock.TryLock() {
		return ErrAlreadyListening
	}
	defer e.listenLock.Unlock()

	listener, _ := e.db.(db.Listener)
	if listener == nil && e.bus == nil && poller == nil {
		return ErrNothingToListen
	}

	prompts := make(chan Prompt, max(queueLen, 1))
	enqueue := func(p Prompt) {
		if p.PipelineID != e.pipelineID || !e.follows(p.ProcessName) {
			return
		}
		select {
		case prompts <- p:
		default:
			e.log.Warn("prompt queue overflow, prompt dropped",
				slog.String("prompt.process", p.ProcessName),
				slog.Int("len", len(prompts)))
		}
	}

	if e.bus != nil {
		unsubscribe, err := e.bus.Subscribe(func(_ context.Context, p Prompt) error {
			enqueue(p)
			return nil
		})
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	if poller != nil {
		defer poller.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	ready := make(chan struct{})
	if listener != nil {
		g.Go(func() error {
			err := listener.ListenNotificationInserted(ctx,
				func() { close(ready) },
				func(application string, pipelineID int64) error {
					enqueue(Prompt{ProcessName: application, PipelineID: pipelineID})
					return nil
				})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		close(ready)
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ready:
		}
		if onListening != nil {
			onListening()
		}

		// Catch up with whatever was appended while not listening.
		if err := e.pull(ctx, nil); err != nil {
			return err
		}

		var pollerC <-chan time.Time
		if poller != nil {
			pollerC = poller.C()
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-pollerC:
				e.log.Debug("polling upstreams")
				if err := e.pull(ctx, nil); err != nil {
					return err
				}

			case p := <-prompts:
				e.log.Debug("pulling after prompt",
					slog.String("prompt.process", p.ProcessName))
				if err := e.pull(ctx, &p); err != nil {
					return err
				}
			}
			if tp, ok := poller.(TimedPoller); ok {
				tp.Reset()
			}
		}
	})
	return g.Wait()
}

// pull runs the engine once with retries.
func (e *Engine) pull(ctx context.Context, prompt *Prompt) error {
	err := e.opts.Retry.Do(ctx, IsRetryable, func(ctx context.Context, attempt int) error {
		n, err := e.Run(ctx, prompt, 0)
		if n > 0 {
			e.log.Debug("consumed notifications",
				slog.Int("count", n), slog.Int("attempt", attempt))
		}
		return err
	})
	var promptErr *PromptHandlerError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &promptErr), errors.Is(err, ErrBusClosed):
		e.log.Error("prompting downstream", slog.Any("err", err))
		return nil
	case IsRetryable(err):
		e.log.Warn("giving up pulling until next prompt", slog.Any("err", err))
		return nil
	}
	return err
}

func (e *Engine) follows(upstreamName string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, u := range e.upstreams {
		if u.name == upstreamName {
			return true
		}
	}
	return false
}
