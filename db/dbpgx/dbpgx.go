// Package dbpgx implements the record manager interfaces with a PostgreSQL
// over a jackc/pgx/v5 SQL driver based implementation.
package dbpgx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/romshark/procflow/db"
	"github.com/romshark/procflow/internal/backoff"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var SchemaSQL string

// ChannelNotificationInserted is the LISTEN/NOTIFY channel the schema trigger
// notifies on with payload "<pipeline_id>:<application>".
const ChannelNotificationInserted = "notification_inserted"

var defaultBackoff backoff.Backoff

func DefaultBackoff() backoff.Backoff { return defaultBackoff }

func init() {
	var err error
	defaultBackoff, err = backoff.New(100*time.Millisecond, 2*time.Second, 2, .1, nil)
	if err != nil {
		panic(fmt.Errorf("init default backoff: %w", err))
	}
}

// DB is a pgx connection pool that implements the record manager interfaces.
type DB struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

var (
	_ db.TxRW       = new(Tx)
	_ db.TxReadOnly = new(Tx)
	_ db.DB         = new(DB)
	_ db.Listener   = new(DB)
)

// Open connects to the database using pgx. It will ping and retry until either
// a successful connection is established or ctx is canceled.
func Open(
	ctx context.Context, log *slog.Logger, dsn string, maxConns int32,
	backoffConf backoff.Backoff,
) (*DB, error) {
	if maxConns < 1 {
		maxConns = int32(runtime.NumCPU())
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid DSN: %w", err)
	}
	cfg.MaxConns = maxConns

	var pool *pgxpool.Pool
	for i, dur := range backoff.NewSequence(backoffConf).All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		time.Sleep(dur) // First is always 0.

		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("connecting database timed out: %w", err)
		}

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating pgx pool with config: %w", err)
		}

		ctxPing, cancel := context.WithTimeout(ctx, 1*time.Second)
		err = p.Ping(ctxPing)
		cancel()
		if err != nil {
			log.Error("pinging database",
				slog.Any("err", err),
				slog.Int("attempt", i))
			p.Close()
			continue
		}

		pool = p
		break
	}

	return &DB{log: log, pool: pool}, nil
}

// Migrate creates the procflow schema, tables and notification trigger
// if they don't exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

type Tx struct {
	lock sync.Mutex
	tx   pgx.Tx
}

func (t *Tx) ReadNotifications(
	ctx context.Context, application string, pipelineID, start, stop int64,
) ([]db.Notification, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	rows, err := t.tx.Query(ctx, `
		SELECT notification_id, originator_id, originator_version,
			topic, state, causal_dependencies
		FROM procflow.stored_events
		WHERE application=$1 AND pipeline_id=$2
			AND notification_id>$3 AND notification_id<=$4
		ORDER BY notification_id ASC
	`, application, pipelineID, start, stop)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

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
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(notification_id), 0) FROM procflow.stored_events
		WHERE application=$1 AND pipeline_id=$2
	`, application, pipelineID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying max notification id: %w", err)
	}
	return id, nil
}

func (t *Tx) ReadMaxTrackingRecordID(
	ctx context.Context, application, upstream string, pipelineID int64,
) (id int64, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(notification_id), 0) FROM procflow.tracking
		WHERE application=$1 AND upstream=$2 AND pipeline_id=$3
	`, application, upstream, pipelineID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying max tracking record id: %w", err)
	}
	return id, nil
}

func (t *Tx) HasTrackingRecord(
	ctx context.Context, r db.TrackingRecord,
) (ok bool, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	err = t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM procflow.tracking
			WHERE application=$1 AND upstream=$2
				AND pipeline_id=$3 AND notification_id=$4
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
	t.lock.Lock()
	defer t.lock.Unlock()

	rows, err := t.tx.Query(ctx, `
		SELECT originator_version, topic, state, causal_dependencies, time,
			pipeline_id, COALESCE(notification_id, 0)
		FROM procflow.stored_events
		WHERE application=$1 AND originator_id=$2
		ORDER BY originator_version ASC
	`, application, originatorID)
	if err != nil {
		return nil, fmt.Errorf("querying stored events: %w", err)
	}
	defer rows.Close()

	var s []db.StoredEvent
	for rows.Next() {
		e := db.StoredEvent{OriginatorID: originatorID}
		if err := rows.Scan(
			&e.OriginatorVersion, &e.Topic, &e.State, &e.CausalDependencies,
			&e.Time, &e.PipelineID, &e.NotificationID,
		); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
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
	t.lock.Lock()
	defer t.lock.Unlock()

	// The next notification id is derived inside the INSERT so that concurrent
	// writers collide on the unique index instead of skipping ids.
	const sql = `
		INSERT INTO procflow.stored_events (
			application, originator_id, originator_version, pipeline_id,
			notification_id, topic, state, causal_dependencies, time
		)
		SELECT $1, $2, $3, $4,
			CASE WHEN $5::boolean THEN COALESCE(MAX(notification_id), 0) + 1 END,
			$6, $7, $8, $9
		FROM procflow.stored_events
		WHERE application=$1 AND pipeline_id=$4
		RETURNING COALESCE(notification_id, 0)
	`
	err = t.tx.QueryRow(ctx, sql,
		application, e.OriginatorID, e.OriginatorVersion, e.PipelineID,
		notify, e.Topic, e.State, e.CausalDependencies, e.Time,
	).Scan(&notificationID)
	if err != nil {
		if isConflict(err) {
			return 0, db.ErrRecordConflict
		}
		return 0, fmt.Errorf("inserting stored event: %w", err)
	}
	return notificationID, nil
}

func (t *Tx) InsertTrackingRecord(ctx context.Context, r db.TrackingRecord) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	_, err := t.tx.Exec(ctx, `
		INSERT INTO procflow.tracking
			(application, upstream, pipeline_id, notification_id)
		VALUES ($1, $2, $3, $4)
	`, r.Application, r.Upstream, r.PipelineID, r.NotificationID)
	if err != nil {
		if isConflict(err) {
			return db.ErrRecordConflict
		}
		return fmt.Errorf("inserting tracking record: %w", err)
	}
	return nil
}

// isConflict treats both unique violations and serialization failures
// as record conflicts.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" || pgErr.Code == "40001"
}

func (d *DB) ListenNotificationInserted(
	ctx context.Context,
	onReady func(),
	onInserted func(application string, pipelineID int64) error,
) error {
	// Dedicated connection from the pool.
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection from pool: %w", err)
	}
	defer conn.Release() // give back to pool

	_, err = conn.Exec(ctx, `LISTEN `+pgx.Identifier{ChannelNotificationInserted}.Sanitize())
	if err != nil {
		return fmt.Errorf("executing listen: %w", err)
	}

	if onReady != nil {
		onReady()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		application, pipelineID, err := parseNotifyPayload(n.Payload)
		if err != nil {
			return err
		}
		if err := onInserted(application, pipelineID); err != nil {
			return err
		}
	}
}

func parseNotifyPayload(payload string) (application string, pipelineID int64, err error) {
	p, application, ok := strings.Cut(payload, ":")
	if !ok {
		return "", 0, fmt.Errorf("bad payload in notification on %s: %q",
			ChannelNotificationInserted, payload)
	}
	pipelineID, err = strconv.ParseInt(p, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad pipeline id in notification on %s: %q",
			ChannelNotificationInserted, payload)
	}
	return application, pipelineID, nil
}

// TxRW starts a new read-write transaction and executes fn inside of it.
// If fn returns an error or panic occurs, the transaction is rolled back,
// otherwise it is committed.
func (d *DB) TxRW(
	ctx context.Context, fn func(context.Context, db.TxRW) error,
) error {
	return d.withTx(ctx, pgx.ReadWrite, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

// TxReadOnly starts a new read-only transaction and executes fn inside.
func (d *DB) TxReadOnly(
	ctx context.Context, fn func(context.Context, db.TxReadOnly) error,
) error {
	return d.withTx(ctx, pgx.ReadOnly, func(ctx context.Context, tx *Tx) error {
		return fn(ctx, tx)
	})
}

func (d *DB) withTx(
	ctx context.Context, mode pgx.TxAccessMode, fn func(context.Context, *Tx) error,
) (err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: mode,
	})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			if rb := tx.Rollback(ctx); rb != nil {
				d.log.Error("rollback after panic failure",
					slog.Any("panic", p),
					slog.Any("err", rb))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, &Tx{tx: tx}); err != nil {
		if rb := tx.Rollback(ctx); rb != nil {
			return fmt.Errorf("rolling back transaction: %v (original: %w)", rb, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isConflict(err) {
			return db.ErrRecordConflict
		}
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *DB) Exec(
	ctx context.Context, sql string, args ...any,
) (pgconn.CommandTag, error) {
	return d.pool.Exec(ctx, sql, args...)
}

func (d *DB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

func (d *DB) Close() {
	d.pool.Close()
}
