// Package db defines the record manager interfaces the process engine relies on.
package db

import (
	"context"
	"errors"
	"time"
)

// ErrRecordConflict is returned by Writer when a uniqueness constraint is violated,
// either because the tracking record already exists or because a stored event
// position (originator version or notification id) was already taken.
var ErrRecordConflict = errors.New("record conflict")

// Notification is an immutable, sequence-numbered stored event exposed
// for downstream consumption.
type Notification struct {
	// ID is 1-based and contiguous per application and pipeline.
	ID                 int64
	OriginatorID       string
	OriginatorVersion  int64
	Topic              string
	State              []byte
	CausalDependencies []byte
}

// StoredEvent is a domain event record of an application.
type StoredEvent struct {
	OriginatorID      string
	OriginatorVersion int64

	// Topic is the registered event type name.
	Topic string

	// State contains the encoded event payload.
	State []byte

	// CausalDependencies is the encoded list of causal dependencies (may be nil).
	CausalDependencies []byte

	Time time.Time

	// PipelineID is the pipeline the event was written in.
	PipelineID int64

	// NotificationID is 0 for events that are not notifiable.
	NotificationID int64
}

// TrackingRecord proves that Application has processed notification
// NotificationID of Upstream in pipeline PipelineID.
type TrackingRecord struct {
	Application    string
	Upstream       string
	PipelineID     int64
	NotificationID int64
}

type Reader interface {
	// ReadNotifications reads the notifications of application in pipelineID
	// with ids in (start, stop] in ascending order.
	ReadNotifications(
		ctx context.Context, application string, pipelineID, start, stop int64,
	) ([]Notification, error)

	// ReadMaxNotificationID returns 0 if there are no notifications.
	ReadMaxNotificationID(
		ctx context.Context, application string, pipelineID int64,
	) (int64, error)

	// ReadMaxTrackingRecordID returns 0 if nothing was tracked yet.
	ReadMaxTrackingRecordID(
		ctx context.Context, application, upstream string, pipelineID int64,
	) (int64, error)

	HasTrackingRecord(ctx context.Context, r TrackingRecord) (bool, error)

	// ReadStoredEvents reads all events of an originator ordered by version.
	ReadStoredEvents(
		ctx context.Context, application, originatorID string,
	) ([]StoredEvent, error)
}

type Writer interface {
	// InsertStoredEvent inserts e in application. If notify is true the event is
	// given the next notification id of e.PipelineID which is returned.
	// Returns ErrRecordConflict if (application, originator id, originator version)
	// or the notification id is already taken.
	InsertStoredEvent(
		ctx context.Context, application string, e StoredEvent, notify bool,
	) (notificationID int64, err error)

	// InsertTrackingRecord returns ErrRecordConflict if r already exists.
	InsertTrackingRecord(ctx context.Context, r TrackingRecord) error
}

// TxRW is a read-write transaction.
type TxRW interface {
	Reader
	Writer
}

// TxReadOnly is a read-only transaction.
type TxReadOnly interface {
	Reader
}

// Listener is listening for notification insertion.
// This interface may be implemented optionally. If not implemented
// engines rely on in-process prompts and polling.
type Listener interface {
	// ListenNotificationInserted calls onReady once it's listening and onInserted
	// every time a notification was inserted by any process.
	ListenNotificationInserted(
		ctx context.Context,
		onReady func(),
		onInserted func(application string, pipelineID int64) error,
	) error
}

type DB interface {
	// TxReadOnly starts a read-only transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	TxReadOnly(
		ctx context.Context,
		fn func(ctx context.Context, tx TxReadOnly) error,
	) error

	// TxRW starts a read-write transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	// All writes of fn are committed atomically.
	TxRW(
		ctx context.Context,
		fn func(ctx context.Context, tx TxRW) error,
	) error
}
