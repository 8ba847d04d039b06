// Package dbtest provides the behavioral test suite every record manager
// implementation must pass.
package dbtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/procflow/db"
)

// Run runs the suite. open must return a new empty database for every call.
func Run(t *testing.T, open func(t *testing.T) db.DB) {
	t.Helper()
	for _, tc := range []struct {
		name string
		fn   func(t *testing.T, d db.DB)
	}{
		{"NotificationIDs", testNotificationIDs},
		{"ReadNotifications", testReadNotifications},
		{"OriginatorVersionConflict", testOriginatorVersionConflict},
		{"TrackingRecords", testTrackingRecords},
		{"TrackingRecordConflict", testTrackingRecordConflict},
		{"RollbackOnError", testRollbackOnError},
		{"RollbackOnPanic", testRollbackOnPanic},
		{"ReadStoredEvents", testReadStoredEvents},
	} {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, open(t)) })
	}
}

var t0 = time.Date(2025, 3, 14, 15, 9, 26, 535000000, time.UTC)

func event(originatorID string, version, pipelineID int64, topic string) db.StoredEvent {
	return db.StoredEvent{
		OriginatorID:      originatorID,
		OriginatorVersion: version,
		Topic:             topic,
		State:             []byte(`{"v":` + topic + `}`),
		Time:              t0.Add(time.Duration(version) * time.Second),
		PipelineID:        pipelineID,
	}
}

func insert(
	t *testing.T, d db.DB, application string, e db.StoredEvent, notify bool,
) (id int64) {
	t.Helper()
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		var err error
		id, err = tx.InsertStoredEvent(ctx, application, e, notify)
		return err
	})
	require.NoError(t, err)
	return id
}

func readNotifications(
	t *testing.T, d db.DB, application string, pipelineID, start, stop int64,
) (n []db.Notification) {
	t.Helper()
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		n, err = tx.ReadNotifications(ctx, application, pipelineID, start, stop)
		return err
	})
	require.NoError(t, err)
	return n
}

func maxNotificationID(t *testing.T, d db.DB, application string, pipelineID int64) (id int64) {
	t.Helper()
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		id, err = tx.ReadMaxNotificationID(ctx, application, pipelineID)
		return err
	})
	require.NoError(t, err)
	return id
}

func testNotificationIDs(t *testing.T, d db.DB) {
	require.Zero(t, maxNotificationID(t, d, "orders", 1))

	require.Equal(t, int64(1), insert(t, d, "orders", event("o1", 1, 1, "created"), true))
	require.Equal(t, int64(0), insert(t, d, "orders", event("o1", 2, 1, "noted"), false))
	require.Equal(t, int64(2), insert(t, d, "orders", event("o1", 3, 1, "paid"), true))

	// Sequences are independent per application and pipeline.
	require.Equal(t, int64(1), insert(t, d, "orders", event("o2", 1, 2, "created"), true))
	require.Equal(t, int64(1), insert(t, d, "payments", event("p1", 1, 1, "created"), true))

	require.Equal(t, int64(2), maxNotificationID(t, d, "orders", 1))
	require.Equal(t, int64(1), maxNotificationID(t, d, "orders", 2))
	require.Equal(t, int64(1), maxNotificationID(t, d, "payments", 1))
	require.Zero(t, maxNotificationID(t, d, "payments", 2))
}

func testReadNotifications(t *testing.T, d db.DB) {
	for v := int64(1); v <= 5; v++ {
		insert(t, d, "orders", event("o1", v, 1, "e"), true)
	}
	insert(t, d, "orders", event("o1", 6, 1, "hidden"), false)
	insert(t, d, "orders", event("o2", 1, 2, "other"), true)

	n := readNotifications(t, d, "orders", 1, 1, 4)
	require.Len(t, n, 3)
	for i, n := range n {
		require.Equal(t, int64(i+2), n.ID)
		require.Equal(t, "o1", n.OriginatorID)
		require.Equal(t, int64(i+2), n.OriginatorVersion)
		require.Equal(t, "e", n.Topic)
		require.Equal(t, []byte(`{"v":e}`), n.State)
	}

	require.Len(t, readNotifications(t, d, "orders", 1, 0, 100), 5)
	require.Empty(t, readNotifications(t, d, "orders", 1, 5, 10))
	require.Empty(t, readNotifications(t, d, "payments", 1, 0, 10))

	n = readNotifications(t, d, "orders", 2, 0, 10)
	require.Len(t, n, 1)
	require.Equal(t, "other", n[0].Topic)
}

func testOriginatorVersionConflict(t *testing.T, d db.DB) {
	insert(t, d, "orders", event("o1", 1, 1, "created"), true)

	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.InsertStoredEvent(ctx, "orders", event("o1", 1, 1, "dup"), true)
		return err
	})
	require.ErrorIs(t, err, db.ErrRecordConflict)

	// Same originator and version in another application doesn't conflict.
	require.Equal(t, int64(1), insert(t, d, "reservations", event("o1", 1, 1, "created"), true))

	n := readNotifications(t, d, "orders", 1, 0, 10)
	require.Len(t, n, 1)
	require.Equal(t, "created", n[0].Topic)
}

func testTrackingRecords(t *testing.T, d db.DB) {
	r := db.TrackingRecord{
		Application: "reservations", Upstream: "orders",
		PipelineID: 1, NotificationID: 3,
	}
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		if err := tx.InsertTrackingRecord(ctx, r); err != nil {
			return err
		}
		r2 := r
		r2.NotificationID = 1
		return tx.InsertTrackingRecord(ctx, r2)
	})
	require.NoError(t, err)

	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		id, err := tx.ReadMaxTrackingRecordID(ctx, "reservations", "orders", 1)
		require.NoError(t, err)
		require.Equal(t, int64(3), id)

		id, err = tx.ReadMaxTrackingRecordID(ctx, "reservations", "orders", 2)
		require.NoError(t, err)
		require.Zero(t, id)

		id, err = tx.ReadMaxTrackingRecordID(ctx, "reservations", "payments", 1)
		require.NoError(t, err)
		require.Zero(t, id)

		ok, err := tx.HasTrackingRecord(ctx, r)
		require.NoError(t, err)
		require.True(t, ok)

		missing := r
		missing.NotificationID = 2
		ok, err = tx.HasTrackingRecord(ctx, missing)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func testTrackingRecordConflict(t *testing.T, d db.DB) {
	r := db.TrackingRecord{
		Application: "reservations", Upstream: "orders",
		PipelineID: 1, NotificationID: 1,
	}
	insertTracking := func(ctx context.Context, tx db.TxRW) error {
		return tx.InsertTrackingRecord(ctx, r)
	}
	require.NoError(t, d.TxRW(t.Context(), insertTracking))
	require.ErrorIs(t, d.TxRW(t.Context(), insertTracking), db.ErrRecordConflict)
}

func testRollbackOnError(t *testing.T, d db.DB) {
	errExpected := errors.New("expected")
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		if _, err := tx.InsertStoredEvent(
			ctx, "reservations", event("r1", 1, 1, "created"), true,
		); err != nil {
			return err
		}
		if err := tx.InsertTrackingRecord(ctx, db.TrackingRecord{
			Application: "reservations", Upstream: "orders",
			PipelineID: 1, NotificationID: 1,
		}); err != nil {
			return err
		}
		return errExpected
	})
	require.ErrorIs(t, err, errExpected)

	require.Zero(t, maxNotificationID(t, d, "reservations", 1))
	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		id, err := tx.ReadMaxTrackingRecordID(ctx, "reservations", "orders", 1)
		require.NoError(t, err)
		require.Zero(t, id)
		return nil
	})
	require.NoError(t, err)
}

func testRollbackOnPanic(t *testing.T, d db.DB) {
	require.PanicsWithValue(t, "expected", func() {
		_ = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
			_, err := tx.InsertStoredEvent(
				ctx, "reservations", event("r1", 1, 1, "created"), true,
			)
			require.NoError(t, err)
			panic("expected")
		})
	})
	require.Zero(t, maxNotificationID(t, d, "reservations", 1))
}

func testReadStoredEvents(t *testing.T, d db.DB) {
	e1 := event("o1", 1, 1, "created")
	e1.CausalDependencies = []byte(`[{"pipeline_id":2,"notification_id":7}]`)
	insert(t, d, "orders", e1, true)
	insert(t, d, "orders", event("o1", 2, 1, "noted"), false)
	insert(t, d, "orders", event("o2", 1, 1, "created"), true)
	insert(t, d, "orders", event("o1", 3, 1, "paid"), true)

	var s []db.StoredEvent
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		s, err = tx.ReadStoredEvents(ctx, "orders", "o1")
		return err
	})
	require.NoError(t, err)
	require.Len(t, s, 3)

	require.Equal(t, int64(1), s[0].OriginatorVersion)
	require.Equal(t, "created", s[0].Topic)
	require.Equal(t, int64(1), s[0].NotificationID)
	require.JSONEq(t, string(e1.CausalDependencies), string(s[0].CausalDependencies))
	require.True(t, e1.Time.Equal(s[0].Time), "time: %s", s[0].Time)

	require.Equal(t, int64(2), s[1].OriginatorVersion)
	require.Zero(t, s[1].NotificationID)
	require.Empty(t, s[1].CausalDependencies)

	require.Equal(t, int64(3), s[2].OriginatorVersion)
	require.Equal(t, int64(3), s[2].NotificationID)
	for _, e := range s {
		require.Equal(t, "o1", e.OriginatorID)
		require.Equal(t, int64(1), e.PipelineID)
	}

	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		s, err = tx.ReadStoredEvents(ctx, "orders", "missing")
		return err
	})
	require.NoError(t, err)
	require.Empty(t, s)
}
