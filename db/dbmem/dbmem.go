// Package dbmem implements the record manager interfaces in memory.
// All transactions are serialized by a single lock. Writes of a read-write
// transaction are staged and only become visible once fn succeeds.
package dbmem

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/romshark/procflow/db"
)

var (
	_ db.DB         = new(DB)
	_ db.TxRW       = new(tx)
	_ db.TxReadOnly = new(tx)
)

type eventKey struct {
	application       string
	originatorID      string
	originatorVersion int64
}

type state struct {
	events    []storedEvent
	eventKeys map[eventKey]struct{}
	tracking  map[db.TrackingRecord]struct{}
}

type storedEvent struct {
	application string
	db.StoredEvent
}

// DB is an in-memory record manager.
type DB struct {
	lock sync.RWMutex
	s    state
}

func New() *DB {
	return &DB{s: state{
		eventKeys: map[eventKey]struct{}{},
		tracking:  map[db.TrackingRecord]struct{}{},
	}}
}

func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	return fn(ctx, &tx{base: &d.s, readOnly: true})
}

func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	t := &tx{base: &d.s}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

type tx struct {
	base     *state
	readOnly bool

	events   []storedEvent
	tracking []db.TrackingRecord
}

func (t *tx) commit() {
	for _, e := range t.events {
		t.base.eventKeys[eventKey{
			application:       e.application,
			originatorID:      e.OriginatorID,
			originatorVersion: e.OriginatorVersion,
		}] = struct{}{}
		t.base.events = append(t.base.events, e)
	}
	for _, r := range t.tracking {
		t.base.tracking[r] = struct{}{}
	}
}

// all iterates over committed and staged events.
func (t *tx) all(yield func(storedEvent) bool) {
	for _, e := range t.base.events {
		if !yield(e) {
			return
		}
	}
	for _, e := range t.events {
		if !yield(e) {
			return
		}
	}
}

func (t *tx) ReadNotifications(
	ctx context.Context, application string, pipelineID, start, stop int64,
) ([]db.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var n []db.Notification
	for e := range t.all {
		if e.application != application || e.PipelineID != pipelineID ||
			e.NotificationID <= start || e.NotificationID > stop {
			continue
		}
		n = append(n, db.Notification{
			ID:                 e.NotificationID,
			OriginatorID:       e.OriginatorID,
			OriginatorVersion:  e.OriginatorVersion,
			Topic:              e.Topic,
			State:              slices.Clone(e.State),
			CausalDependencies: slices.Clone(e.CausalDependencies),
		})
	}
	slices.SortFunc(n, func(a, b db.Notification) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return n, nil
}

func (t *tx) ReadMaxNotificationID(
	ctx context.Context, application string, pipelineID int64,
) (id int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for e := range t.all {
		if e.application == application && e.PipelineID == pipelineID {
			id = max(id, e.NotificationID)
		}
	}
	return id, nil
}

func (t *tx) ReadMaxTrackingRecordID(
	ctx context.Context, application, upstream string, pipelineID int64,
) (id int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	match := func(r db.TrackingRecord) {
		if r.Application == application && r.Upstream == upstream &&
			r.PipelineID == pipelineID {
			id = max(id, r.NotificationID)
		}
	}
	for r := range t.base.tracking {
		match(r)
	}
	for _, r := range t.tracking {
		match(r)
	}
	return id, nil
}

func (t *tx) HasTrackingRecord(ctx context.Context, r db.TrackingRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := t.base.tracking[r]; ok {
		return true, nil
	}
	return slices.Contains(t.tracking, r), nil
}

func (t *tx) ReadStoredEvents(
	ctx context.Context, application, originatorID string,
) ([]db.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s []db.StoredEvent
	for e := range t.all {
		if e.application == application && e.OriginatorID == originatorID {
			c := e.StoredEvent
			c.State = slices.Clone(e.State)
			c.CausalDependencies = slices.Clone(e.CausalDependencies)
			s = append(s, c)
		}
	}
	slices.SortFunc(s, func(a, b db.StoredEvent) int {
		return cmp.Compare(a.OriginatorVersion, b.OriginatorVersion)
	})
	return s, nil
}

func (t *tx) InsertStoredEvent(
	ctx context.Context, application string, e db.StoredEvent, notify bool,
) (notificationID int64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.readOnly {
		panic("write in read-only transaction")
	}
	k := eventKey{
		application:       application,
		originatorID:      e.OriginatorID,
		originatorVersion: e.OriginatorVersion,
	}
	if _, ok := t.base.eventKeys[k]; ok {
		return 0, db.ErrRecordConflict
	}
	for _, s := range t.events {
		if s.application == application && s.OriginatorID == e.OriginatorID &&
			s.OriginatorVersion == e.OriginatorVersion {
			return 0, db.ErrRecordConflict
		}
	}
	e.NotificationID = 0
	if notify {
		last, err := t.ReadMaxNotificationID(ctx, application, e.PipelineID)
		if err != nil {
			return 0, err
		}
		e.NotificationID = last + 1
	}
	e.State = slices.Clone(e.State)
	e.CausalDependencies = slices.Clone(e.CausalDependencies)
	t.events = append(t.events, storedEvent{application: application, StoredEvent: e})
	return e.NotificationID, nil
}

func (t *tx) InsertTrackingRecord(ctx context.Context, r db.TrackingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.readOnly {
		panic("write in read-only transaction")
	}
	if _, ok := t.base.tracking[r]; ok {
		return db.ErrRecordConflict
	}
	if slices.Contains(t.tracking, r) {
		return db.ErrRecordConflict
	}
	t.tracking = append(t.tracking, r)
	return nil
}
