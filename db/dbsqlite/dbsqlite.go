// Package dbsqlite implements the record manager interfaces on SQLite
// using mattn/go-sqlite3. The database runs in WAL mode with a single
// connection so all transactions are serialized.
package dbsqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/romshark/procflow/db"
)

//go:embed schema.sql
var SchemaSQL string

var (
	_ db.DB         = new(DB)
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
)

// DB is an SQLite database implementing the record manager interfaces.
type DB struct {
	log *slog.Logger
	db  *sql.DB
}

// Open creates or opens the SQLite database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, log *slog.Logger, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer. One connection also keeps
	// ":memory:" databases from being opened more than once.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, SchemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("executing schema: %w", err)
	}
	return &DB{log: log, db: sqlDB}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// TxRW starts a new read-write transaction and executes fn inside of it.
// If fn returns an error or panics the transaction is rolled back,
// otherwise it is committed.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, false, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, true, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, readOnly bool, fn func(context.Context, *Tx) error,
) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx, readOnly: readOnly}); err != nil {
		if rb := tx.Rollback(); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return db.ErrRecordConflict
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConflict reports unique and primary key constraint violations.
func isConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type Tx struct {
	tx       *sql.Tx
	readOnly bool
}

func (t *Tx) ReadNotifications(
	ctx context.Context, application string, pipelineID, start, stop int64,
) ([]db.Notification, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT notification_id, originator_id, originator_version,
			topic, state, causal_dependencies
		FROM stored_events
		WHERE application=? AND pipeline_id=?
			AND notification_id>? AND notification_id<=?
		ORDER BY notification_id ASC
	`, application, pipelineID, start, stop)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var n []db.Notification
	for rows.Next() {
		var r db.Notification
		if err := rows.Scan(
			&r.ID, &r.OriginatorID, &r.OriginatorVersion,
			&r.Topic, &r.State, &r.CausalDependencies,
		); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		n = append(n, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return n, nil
}

func (t *Tx) ReadMaxNotificationID(
	ctx context.Context, application string, pipelineID int64,
) (id int64, err error) {
	err = t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(notification_id), 0) FROM stored_events
		WHERE application=? AND pipeline_id=?
	`, application, pipelineID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying max notification id: %w", err)
	}
	return id, nil
}

func (t *Tx) ReadMaxTrackingRecordID(
	ctx context.Context, application, upstream string, pipelineID int64,
) (id int64, err error) {
	err = t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(notification_id), 0) FROM tracking
		WHERE application=? AND upstream=? AND pipeline_id=?
	`, application, upstream, pipelineID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying max tracking record id: %w", err)
	}
	return id, nil
}

func (t *Tx) HasTrackingRecord(
	ctx context.Context, r db.TrackingRecord,
) (ok bool, err error) {
	err = t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tracking
			WHERE application=? AND upstream=?
				AND pipeline_id=? AND notification_id=?
		)
	`, r.Application, r.Upstream, r.PipelineID, r.NotificationID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("querying tracking record: %w", err)
	}
	return ok, nil
}

func (t *Tx) ReadStoredEvents(
	ctx context.Context, application, originatorID string,
) ([]db.StoredEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT originator_version, topic, state, causal_dependencies,
			time_unix_nano, pipeline_id, COALESCE(notification_id, 0)
		FROM stored_events
		WHERE application=? AND originator_id=?
		ORDER BY originator_version ASC
	`, application, originatorID)
	if err != nil {
		return nil, fmt.Errorf("querying stored events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var s []db.StoredEvent
	for rows.Next() {
		e := db.StoredEvent{OriginatorID: originatorID}
		var unixNano int64
		if err := rows.Scan(
			&e.OriginatorVersion, &e.Topic, &e.State, &e.CausalDependencies,
			&unixNano, &e.PipelineID, &e.NotificationID,
		); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Time = time.Unix(0, unixNano).UTC()
		s = append(s, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return s, nil
}

func (t *Tx) InsertStoredEvent(
	ctx context.Context, application string, e db.StoredEvent, notify bool,
) (notificationID int64, err error) {
	if t.readOnly {
		panic("write in read-only transaction")
	}
	var id sql.NullInt64
	if notify {
		last, err := t.ReadMaxNotificationID(ctx, application, e.PipelineID)
		if err != nil {
			return 0, err
		}
		id = sql.NullInt64{Int64: last + 1, Valid: true}
	}
	state := e.State
	if state == nil {
		state = []byte{}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO stored_events (
			application, originator_id, originator_version, pipeline_id,
			notification_id, topic, state, causal_dependencies, time_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, application, e.OriginatorID, e.OriginatorVersion, e.PipelineID,
		id, e.Topic, state, e.CausalDependencies, e.Time.UnixNano())
	if err != nil {
		if isConflict(err) {
			return 0, db.ErrRecordConflict
		}
		return 0, fmt.Errorf("inserting stored event: %w", err)
	}
	return id.Int64, nil
}

func (t *Tx) InsertTrackingRecord(ctx context.Context, r db.TrackingRecord) error {
	if t.readOnly {
		panic("write in read-only transaction")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tracking (application, upstream, pipeline_id, notification_id)
		VALUES (?, ?, ?, ?)
	`, r.Application, r.Upstream, r.PipelineID, r.NotificationID)
	if err != nil {
		if isConflict(err) {
			return db.ErrRecordConflict
		}
		return fmt.Errorf("inserting tracking record: %w", err)
	}
	return nil
}
