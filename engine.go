package procflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/romshark/procflow/db"
	"github.com/romshark/procflow/internal/backoff"
)

var (
	ErrAlreadyFollowing = errors.New("already following upstream")
	ErrPipelineMismatch = errors.New("upstream log belongs to another pipeline")
	ErrAlreadyListening = errors.New("already listening")
	ErrNothingToListen  = errors.New(
		"engine has neither a prompt bus nor a poller nor a listening database",
	)
)

// DefaultBatchSize is the number of notifications buffered per upstream read
// if Options.BatchSize < 1.
const DefaultBatchSize = 64

// CausalDependencyFailed is returned by Run when a notification of Upstream
// depends on notification NotificationID of pipeline PipelineID which
// Application hasn't tracked yet. Retrying later is expected to succeed once
// the other pipeline caught up.
type CausalDependencyFailed struct {
	Application    string
	Upstream       string
	PipelineID     int64
	NotificationID int64
}

func (e *CausalDependencyFailed) Error() string {
	return fmt.Sprintf("causal dependency failed: %s has not tracked "+
		"notification %d of %s in pipeline %d",
		e.Application, e.NotificationID, e.Upstream, e.PipelineID)
}

// IsRetryable reports whether err is expected to resolve when Run is retried.
func IsRetryable(err error) bool {
	var cd *CausalDependencyFailed
	return errors.As(err, &cd) || errors.Is(err, db.ErrRecordConflict)
}

// Options configures an Engine.
type Options struct {
	// BatchSize is the number of notifications read ahead per upstream.
	BatchSize int64

	// CacheAggregates enables keeping loaded aggregates in memory
	// between calls.
	CacheAggregates bool

	// Retry is the retry policy Listen applies to Run.
	// The zero value retries once without delay.
	Retry backoff.Retry
}

// Engine is the process engine of one application in one pipeline.
// It follows upstream notification logs, applies its policy to every
// notification exactly once and atomically records the resulting events
// together with a tracking record.
// Create an instance using Make.
type Engine struct {
	log        *slog.Logger
	db         db.DB
	codec      *EventCodec
	name       string
	pipelineID int64
	policy     Policy
	bus        *PromptBus
	opts       Options
	cache      *aggregateCache

	lock       sync.Mutex // Guards steps and upstreams.
	listenLock sync.Mutex
	upstreams  []*upstream
}

type upstream struct {
	name   string
	reader *Reader
	buf    []db.Notification

	// invalid is set initially and after failures and makes the next step
	// reset the reader position from the tracking records.
	invalid bool
}

func (u *upstream) invalidate() { u.invalid, u.buf = true, nil }

// Make creates a new engine for application name in pipelineID.
// policy may be nil for engines that only Save aggregates.
// bus may be nil in which case no prompts are published.
func Make(
	log *slog.Logger,
	database db.DB,
	codec *EventCodec,
	name string,
	pipelineID int64,
	policy Policy,
	bus *PromptBus,
	opts Options,
) (*Engine, error) {
	switch {
	case name == "":
		return nil, errors.New("empty application name")
	case pipelineID < 0:
		return nil, fmt.Errorf("negative pipeline id: %d", pipelineID)
	case database == nil:
		return nil, errors.New("no database")
	case codec == nil:
		return nil, errors.New("no event codec")
	}
	if log == nil {
		log = slog.Default()
	}
	codec.inUse = true
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	e := &Engine{
		log:        log.With(slog.String("application", name), slog.Int64("pipeline", pipelineID)),
		db:         database,
		codec:      codec,
		name:       name,
		pipelineID: pipelineID,
		policy:     policy,
		bus:        bus,
		opts:       opts,
	}
	if opts.CacheAggregates {
		e.cache = newAggregateCache()
	}
	return e, nil
}

// Name returns the application name.
func (e *Engine) Name() string { return e.name }

// PipelineID returns the pipeline the engine runs in.
func (e *Engine) PipelineID() int64 { return e.pipelineID }

// NotificationLog returns the notification log of this engine's application
// and pipeline.
func (e *Engine) NotificationLog(sectionSize int64) *RecordNotificationLog {
	return NewRecordNotificationLog(e.db, e.name, e.pipelineID, sectionSize)
}

// Follow makes the engine consume log of application upstream. log must be
// the upstream's notification log of the engine's pipeline.
func (e *Engine) Follow(upstreamName string, log NotificationLog, opts ...ReaderOption) error {
	if rl, ok := log.(*RecordNotificationLog); ok && rl.pipelineID != e.pipelineID {
		return fmt.Errorf("%w: %d", ErrPipelineMismatch, rl.pipelineID)
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, u := range e.upstreams {
		if u.name == upstreamName {
			return fmt.Errorf("%w: %q", ErrAlreadyFollowing, upstreamName)
		}
	}
	e.upstreams = append(e.upstreams, &upstream{
		name:    upstreamName,
		reader:  NewReader(log, opts...),
		invalid: true,
	})
	return nil
}

// Run consumes new notifications of the followed upstreams and returns the
// number of notifications consumed. If prompt isn't nil only the prompting
// upstream is polled, prompts from other pipelines are ignored.
// advanceBy limits the notifications consumed per upstream, unbounded if <1.
//
// Run fails with *CausalDependencyFailed if a notification depends on a
// notification of another pipeline that wasn't tracked yet, and with
// db.ErrRecordConflict if another instance recorded the same notification
// concurrently. In both cases nothing is written and the next call continues
// from the last tracked notification.
// Errors of prompt handlers are returned as *PromptHandlerError after the
// notification was recorded.
func (e *Engine) Run(ctx context.Context, prompt *Prompt, advanceBy int64) (int, error) {
	if prompt != nil && prompt.PipelineID != e.pipelineID {
		return 0, nil
	}
	e.lock.Lock()
	upstreams := make([]*upstream, 0, len(e.upstreams))
	for _, u := range e.upstreams {
		if prompt == nil || prompt.ProcessName == u.name {
			upstreams = append(upstreams, u)
		}
	}
	e.lock.Unlock()

	var consumed int
	var promptErrs []error
	for _, u := range upstreams {
		for n := int64(0); advanceBy < 1 || n < advanceBy; n++ {
			ok, notifiable, err := e.step(ctx, u)
			if err != nil {
				return consumed, err
			}
			if !ok {
				break
			}
			consumed++
			if notifiable {
				if err := e.publish(ctx); err != nil {
					promptErrs = append(promptErrs, err)
				}
			}
		}
	}
	return consumed, errors.Join(promptErrs...)
}

// step consumes at most one notification of u.
func (e *Engine) step(ctx context.Context, u *upstream) (ok, notifiable bool, err error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if u.invalid {
		if err := e.resetReader(ctx, u); err != nil {
			return false, false, err
		}
	}
	if len(u.buf) < 1 {
		u.buf, err = u.reader.ReadAll(ctx, ReadOptions{AdvanceBy: e.opts.BatchSize})
		if err != nil {
			u.invalidate()
			return false, false, fmt.Errorf("reading %q: %w", u.name, err)
		}
		if len(u.buf) < 1 {
			return false, false, nil
		}
	}

	n := u.buf[0]
	if notifiable, err = e.process(ctx, u.name, n); err != nil {
		u.invalidate()
		return false, false, err
	}
	u.buf = u.buf[1:]
	return true, notifiable, nil
}

func (e *Engine) resetReader(ctx context.Context, u *upstream) error {
	var position int64
	err := e.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		position, err = tx.ReadMaxTrackingRecordID(ctx, e.name, u.name, e.pipelineID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reading max tracking record id of %q: %w", u.name, err)
	}
	if err := u.reader.Seek(position); err != nil {
		return err
	}
	u.invalid, u.buf = false, nil
	e.log.Debug("reset upstream reader",
		slog.String("upstream", u.name),
		slog.Int64("position", position))
	return nil
}

// process applies the policy to n and records the results.
func (e *Engine) process(ctx context.Context, upstreamName string, n db.Notification) (
	notifiable bool, err error,
) {
	if err := e.checkCausalDependencies(ctx, upstreamName, n); err != nil {
		return false, err
	}

	tx := e.newProcessTx()
	event, err := e.codec.DecodeJSON(n.Topic, n.State)
	switch {
	case errors.Is(err, ErrEventNotRegistered):
		// Unknown upstream event kinds are tracked without invoking the policy.
		event = nil
	case err != nil:
		return false, fmt.Errorf("decoding notification %d of %q: %w",
			n.ID, upstreamName, err)
	default:
		m := event.metadata()
		m.originatorID, m.originatorVersion = n.OriginatorID, n.OriginatorVersion
	}

	if event != nil && e.policy != nil {
		created, err := e.policy.Process(ctx, tx, event)
		if err != nil {
			e.cache.evict(tx.order...)
			return false, fmt.Errorf("applying policy to notification %d of %q: %w",
				n.ID, upstreamName, err)
		}
		tx.addCreated(created...)
	}

	notifiable, err = e.commit(ctx, tx, &db.TrackingRecord{
		Application:    e.name,
		Upstream:       upstreamName,
		PipelineID:     e.pipelineID,
		NotificationID: n.ID,
	})
	if err != nil {
		return false, err
	}
	e.log.Debug("processed notification",
		slog.String("upstream", upstreamName),
		slog.Int64("notification.id", n.ID),
		slog.String("topic", n.Topic))
	return notifiable, nil
}

func (e *Engine) checkCausalDependencies(
	ctx context.Context, upstreamName string, n db.Notification,
) error {
	deps, err := DecodeCausalDependencies(n.CausalDependencies)
	if err != nil {
		return fmt.Errorf("notification %d of %q: %w", n.ID, upstreamName, err)
	}
	if len(deps) < 1 {
		return nil
	}
	return e.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		for _, d := range deps {
			ok, err := tx.HasTrackingRecord(ctx, db.TrackingRecord{
				Application:    e.name,
				Upstream:       upstreamName,
				PipelineID:     d.PipelineID,
				NotificationID: d.NotificationID,
			})
			if err != nil {
				return fmt.Errorf("checking causal dependency: %w", err)
			}
			if !ok {
				e.log.Info("causal dependency not yet tracked",
					slog.String("upstream", upstreamName),
					slog.Int64("notification.id", n.ID),
					slog.Int64("dependency.pipeline", d.PipelineID),
					slog.Int64("dependency.notification.id", d.NotificationID))
				return &CausalDependencyFailed{
					Application:    e.name,
					Upstream:       upstreamName,
					PipelineID:     d.PipelineID,
					NotificationID: d.NotificationID,
				}
			}
		}
		return nil
	})
}

// commit atomically stores the pending events of tx together with tracking
// (if any). On failure all aggregates of tx are evicted from the cache.
func (e *Engine) commit(
	ctx context.Context, tx *ProcessTx, tracking *db.TrackingRecord,
) (notifiable bool, err error) {
	defer func() {
		if err != nil {
			e.evict(tx)
		}
	}()
	events := tx.PendingEvents()
	deps, err := EncodeCausalDependencies(tx.causalDependencies(e.pipelineID))
	if err != nil {
		return false, err
	}

	records := make([]db.StoredEvent, len(events))
	notify := make([]bool, len(events))
	for i, ev := range events {
		if err := e.codec.initializeEvent(ev); err != nil {
			return false, err
		}
		payload, err := e.codec.EncodeJSON(ev)
		if err != nil {
			return false, fmt.Errorf("marshaling event json: %w", err)
		}
		records[i] = db.StoredEvent{
			OriginatorID:      ev.OriginatorID(),
			OriginatorVersion: ev.OriginatorVersion(),
			Topic:             ev.Name(),
			State:             payload,
			Time:              ev.Time(),
			PipelineID:        e.pipelineID,
		}
		if i == 0 {
			records[i].CausalDependencies = deps
		}
		notify[i] = e.codec.IsNotifiable(ev)
		notifiable = notifiable || notify[i]
	}

	err = e.db.TxRW(ctx, func(ctx context.Context, w db.TxRW) error {
		for i := range records {
			id, err := w.InsertStoredEvent(ctx, e.name, records[i], notify[i])
			if err != nil {
				return err
			}
			records[i].NotificationID = id
		}
		if tracking != nil {
			return w.InsertTrackingRecord(ctx, *tracking)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrRecordConflict) {
			return false, err
		}
		return false, fmt.Errorf("writing records: %w", err)
	}

	last := map[string]CausalDependency{}
	for _, r := range records {
		last[r.OriginatorID] = CausalDependency{
			PipelineID:     r.PipelineID,
			NotificationID: r.NotificationID,
		}
	}
	for a := range tx.aggregates {
		r := a.root()
		r.collect()
		if ref, ok := last[r.id]; ok {
			e.cache.put(loadedAggregate{agg: a, ref: ref})
		}
	}
	return notifiable, nil
}

func (e *Engine) evict(tx *ProcessTx) {
	ids := tx.order
	for _, a := range tx.created {
		ids = append(ids, a.root().id)
	}
	e.cache.evict(ids...)
}

func (e *Engine) publish(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	err := e.bus.Publish(ctx, Prompt{ProcessName: e.name, PipelineID: e.pipelineID})
	if err != nil {
		e.log.Error("publishing prompt", slog.Any("err", err))
	}
	return err
}

// Save atomically stores the pending events of aggregates without a tracking
// record and publishes a prompt if any of them is notifiable.
// If Save fails the aggregates must be reloaded before they're used again.
func (e *Engine) Save(ctx context.Context, aggregates ...Aggregate) error {
	e.lock.Lock()
	tx := e.newProcessTx()
	tx.addCreated(aggregates...)
	notifiable, err := e.commit(ctx, tx, nil)
	e.lock.Unlock()
	if err != nil {
		return err
	}
	if notifiable {
		return e.publish(ctx)
	}
	return nil
}

// Load reconstructs the aggregate identified by id from the stored events.
// Returns ErrAggregateNotFound if there are none.
func (e *Engine) Load(ctx context.Context, id string) (Aggregate, error) {
	l, err := e.readAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.agg, nil
}
