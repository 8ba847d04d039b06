package procflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/procflow"
	"github.com/romshark/procflow/db"
	"github.com/romshark/procflow/db/dbmem"
)

func TestMakeErr(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)
	d := dbmem.New()
	for _, tc := range []struct {
		name     string
		app      string
		pipeline int64
		db       db.DB
		codec    *procflow.EventCodec
	}{
		{"empty name", "", 1, d, codec},
		{"negative pipeline", "orders", -1, d, codec},
		{"no database", "orders", 1, nil, codec},
		{"no codec", "orders", 1, d, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := procflow.Make(nil, tc.db, tc.codec, tc.app, tc.pipeline,
				nil, nil, procflow.Options{})
			require.Error(t, err)
		})
	}
}

func TestFollowErr(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	ordersP2 := newEngine(t, d, codec, "orders", 2, nil, nil, procflow.Options{})
	reservations := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})

	follow(t, reservations, orders)
	err := reservations.Follow("orders", orders.NotificationLog(3))
	require.ErrorIs(t, err, procflow.ErrAlreadyFollowing)

	err = reservations.Follow("orders-p2", ordersP2.NotificationLog(3))
	require.ErrorIs(t, err, procflow.ErrPipelineMismatch)
}

func TestRunProcessNetwork(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	commands := newEngine(t, d, codec, "commands", 1, nil, nil, procflow.Options{})
	orders := newEngine(t, d, codec, "orders", 1, ordersPolicy(), nil, procflow.Options{})
	reservations := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})
	payments := newEngine(t, d, codec, "payments", 1,
		paymentsPolicy(), nil, procflow.Options{})
	follow(t, orders, commands)
	follow(t, reservations, orders)
	follow(t, payments, orders)

	o := createOrder(t, orders, "alice")
	require.Equal(t, int64(1), o.Version())
	require.Empty(t, o.Pending())

	n, err := reservations.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"reservation-created"},
		topics(readLog(t, reservations.NotificationLog(3))))

	r, err := reservations.Load(ctx, reservationID(o.ID()))
	require.NoError(t, err)
	require.Equal(t, o.ID(), r.(*Reservation).OrderID)

	requestPayment(t, commands, o.ID())
	n, err = orders.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loaded, err := orders.Load(ctx, o.ID())
	require.NoError(t, err)
	require.True(t, loaded.(*Order).Paid)
	require.Equal(t, int64(2), loaded.(*Order).Version())

	n, err = payments.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n) // order-created is ignored, order-paid creates a payment.
	require.Equal(t, int64(2), maxTracked(t, d, "payments", "orders", 1))

	p, err := payments.Load(ctx, paymentID(o.ID()))
	require.NoError(t, err)
	require.Equal(t, o.ID(), p.(*Payment).OrderID)

	// reservations has no handler for order-paid but still tracks it.
	n, err = reservations.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(2), maxTracked(t, d, "reservations", "orders", 1))
	require.Len(t, readLog(t, reservations.NotificationLog(3)), 1)

	// Nothing new.
	for _, e := range []*procflow.Engine{orders, reservations, payments} {
		n, err = e.Run(ctx, nil, 0)
		require.NoError(t, err)
		require.Zero(t, n, e.Name())
	}
}

func TestRunAdvanceBy(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	reservations := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{BatchSize: 2})
	follow(t, reservations, orders)

	for _, c := range []string{"a", "b", "c", "d", "e"} {
		createOrder(t, orders, c)
	}

	for _, expect := range []int{2, 2, 1, 0} {
		n, err := reservations.Run(ctx, nil, 2)
		require.NoError(t, err)
		require.Equal(t, expect, n)
	}
	require.Equal(t, int64(5), maxTracked(t, d, "reservations", "orders", 1))
	require.Len(t, readLog(t, reservations.NotificationLog(3)), 5)
}

func TestRunPromptFilter(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	commands := newEngine(t, d, codec, "commands", 1, nil, nil, procflow.Options{})
	payments := newEngine(t, d, codec, "payments", 1,
		paymentsPolicy(), nil, procflow.Options{})
	follow(t, payments, orders)
	follow(t, payments, commands)

	createOrder(t, orders, "alice")
	requestPayment(t, commands, "x")

	// Prompts of other pipelines are ignored.
	n, err := payments.Run(ctx, &procflow.Prompt{ProcessName: "orders", PipelineID: 2}, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = payments.Run(ctx, &procflow.Prompt{ProcessName: "orders", PipelineID: 1}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, maxTracked(t, d, "payments", "commands", 1))

	n, err = payments.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(1), maxTracked(t, d, "payments", "commands", 1))
}

// TestCausalDependency runs orders in pipeline 2 against an order created in
// pipeline 1. Reservations in pipeline 2 must not apply the resulting
// notification before reservations in pipeline 1 tracked the order's creation.
func TestCausalDependency(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	ordersP1 := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	reservationsP1 := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})
	follow(t, reservationsP1, ordersP1)

	commandsP2 := newEngine(t, d, codec, "commands", 2, nil, nil, procflow.Options{})
	ordersP2 := newEngine(t, d, codec, "orders", 2, ordersPolicy(), nil, procflow.Options{})
	reservationsP2 := newEngine(t, d, codec, "reservations", 2,
		reservationsPolicy(), nil, procflow.Options{})
	follow(t, ordersP2, commandsP2)
	follow(t, reservationsP2, ordersP2)

	o := createOrder(t, ordersP1, "alice")
	requestPayment(t, commandsP2, o.ID())

	n, err := ordersP2.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	paid := readLog(t, ordersP2.NotificationLog(3))
	require.Len(t, paid, 1)
	require.Equal(t, "order-paid", paid[0].Topic)
	deps, err := procflow.DecodeCausalDependencies(paid[0].CausalDependencies)
	require.NoError(t, err)
	require.Equal(t, []procflow.CausalDependency{{PipelineID: 1, NotificationID: 1}}, deps)

	n, err = reservationsP2.Run(ctx, nil, 0)
	require.Zero(t, n)
	var cd *procflow.CausalDependencyFailed
	require.ErrorAs(t, err, &cd)
	require.Equal(t, procflow.CausalDependencyFailed{
		Application:    "reservations",
		Upstream:       "orders",
		PipelineID:     1,
		NotificationID: 1,
	}, *cd)
	require.True(t, procflow.IsRetryable(err))

	// No partial writes.
	require.Zero(t, maxTracked(t, d, "reservations", "orders", 2))
	require.Empty(t, readLog(t, reservationsP2.NotificationLog(3)))

	n, err = reservationsP1.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = reservationsP2.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(1), maxTracked(t, d, "reservations", "orders", 2))
}

// TestIdempotentReplay runs a second instance of the same application
// over an already tracked range.
func TestIdempotentReplay(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	a := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})
	b := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})
	follow(t, a, orders)
	follow(t, b, orders)

	// b reads the empty log and keeps its cursor at 0.
	n, err := b.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	createOrder(t, orders, "alice")
	n, err = a.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// b attempts to process the same notification and is rejected by storage.
	n, err = b.Run(ctx, nil, 0)
	require.ErrorIs(t, err, db.ErrRecordConflict)
	require.True(t, procflow.IsRetryable(err))
	require.Zero(t, n)

	// The failure invalidated b's cursor which now resumes after the tracked id.
	n, err = b.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Len(t, readLog(t, a.NotificationLog(3)), 1)
	require.Equal(t, int64(1), maxTracked(t, d, "reservations", "orders", 1))
}

func TestRunConcurrentInstances(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	for i := range 20 {
		createOrder(t, orders, string(rune('a'+i)))
	}

	const instances = 4
	var consumed atomic.Int64
	var g errgroup.Group
	for range instances {
		e := newEngine(t, d, codec, "reservations", 1,
			reservationsPolicy(), nil, procflow.Options{BatchSize: 3})
		follow(t, e, orders)
		g.Go(func() error {
			for {
				n, err := e.Run(ctx, nil, 1)
				consumed.Add(int64(n))
				switch {
				case errors.Is(err, db.ErrRecordConflict):
					continue
				case err != nil:
					return err
				case n == 0:
					return nil
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(20), consumed.Load())
	require.Len(t, readLog(t, orders.NotificationLog(3)), 20)
	require.Len(t, readLog(t, newEngine(t, d, codec, "reservations", 1,
		nil, nil, procflow.Options{}).NotificationLog(3)), 20)
	require.Equal(t, int64(20), maxTracked(t, d, "reservations", "orders", 1))
}

func TestRunPolicyErrorEvictsCache(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	commands := newEngine(t, d, codec, "commands", 1, nil, nil, procflow.Options{})
	errExpected := errors.New("expected")
	var calls atomic.Int32
	m := procflow.NewPolicyMux()
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *PayOrderRequested,
	) ([]procflow.Aggregate, error) {
		o, err := procflow.GetAs[*Order](ctx, tx, e.OrderID)
		if err != nil {
			return nil, err
		}
		require.Equal(t, int64(1), o.Version())
		if err := procflow.Trigger(o, &OrderPaid{}); err != nil {
			return nil, err
		}
		if calls.Add(1) == 1 {
			return nil, errExpected
		}
		return nil, nil
	})
	orders := newEngine(t, d, codec, "orders", 1, m, nil,
		procflow.Options{CacheAggregates: true})
	follow(t, orders, commands)

	o := createOrder(t, orders, "alice")
	requestPayment(t, commands, o.ID())

	n, err := orders.Run(ctx, nil, 0)
	require.ErrorIs(t, err, errExpected)
	require.Zero(t, n)
	require.Zero(t, maxTracked(t, d, "orders", "commands", 1))

	// The retry sees the durable version, not the mutated cached one.
	n, err = orders.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, []string{"order-created", "order-paid"},
		topics(readLog(t, orders.NotificationLog(3))))
	require.Equal(t, int32(2), calls.Load())
}

// OrderAudited is not registered in the codec.
type OrderAudited struct{ procflow.EventMetadata }

func TestRunCommitErrorEvictsCache(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	commands := newEngine(t, d, codec, "commands", 1, nil, nil, procflow.Options{})
	var calls atomic.Int32
	m := procflow.NewPolicyMux()
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *PayOrderRequested,
	) ([]procflow.Aggregate, error) {
		o, err := procflow.GetAs[*Order](ctx, tx, e.OrderID)
		if err != nil {
			return nil, err
		}
		require.Equal(t, int64(1), o.Version())
		require.Empty(t, o.Pending())
		if calls.Add(1) == 1 {
			// Fails when encoding the records.
			return nil, procflow.Trigger(o, &OrderAudited{})
		}
		return nil, procflow.Trigger(o, &OrderPaid{})
	})
	orders := newEngine(t, d, codec, "orders", 1, m, nil,
		procflow.Options{CacheAggregates: true})
	follow(t, orders, commands)

	o := createOrder(t, orders, "alice")
	requestPayment(t, commands, o.ID())

	n, err := orders.Run(ctx, nil, 0)
	require.ErrorIs(t, err, procflow.ErrEventNotRegistered)
	require.Zero(t, n)
	require.Zero(t, maxTracked(t, d, "orders", "commands", 1))

	n, err = orders.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, []string{"order-created", "order-paid"},
		topics(readLog(t, orders.NotificationLog(3))))
}

// TestCausalDependencyHighestPerPipeline loads two orders of pipeline 1 and
// one of pipeline 2 in a single policy call of pipeline 2.
func TestCausalDependencyHighestPerPipeline(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	ordersP1 := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	a := createOrder(t, ordersP1, "a") // Notification 1 of pipeline 1.
	b := createOrder(t, ordersP1, "b") // Notification 2 of pipeline 1.

	commandsP2 := newEngine(t, d, codec, "commands", 2, nil, nil, procflow.Options{})
	m := procflow.NewPolicyMux()
	var local string
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *PayOrderRequested,
	) ([]procflow.Aggregate, error) {
		for _, id := range []string{local, b.ID(), a.ID()} {
			o, err := procflow.GetAs[*Order](ctx, tx, id)
			if err != nil {
				return nil, err
			}
			if id == local {
				continue
			}
			if err := procflow.Trigger(o, &OrderPaid{}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	ordersP2 := newEngine(t, d, codec, "orders", 2, m, nil, procflow.Options{})
	follow(t, ordersP2, commandsP2)

	local = createOrder(t, ordersP2, "local").ID() // Notification 1 of pipeline 2.
	requestPayment(t, commandsP2, a.ID())

	n, err := ordersP2.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	l := readLog(t, ordersP2.NotificationLog(3))
	require.Equal(t, []string{"order-created", "order-paid", "order-paid"}, topics(l))

	deps, err := procflow.DecodeCausalDependencies(l[1].CausalDependencies)
	require.NoError(t, err)
	require.Equal(t, []procflow.CausalDependency{{PipelineID: 1, NotificationID: 2}}, deps)
	require.Empty(t, l[2].CausalDependencies)
	require.Empty(t, l[0].CausalDependencies)
}

func TestRunUnknownTopicIsTracked(t *testing.T) {
	t.Parallel()
	d := dbmem.New()
	ctx := t.Context()

	err := d.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.InsertStoredEvent(ctx, "legacy", db.StoredEvent{
			OriginatorID:      "x",
			OriginatorVersion: 1,
			Topic:             "unknown-kind",
			State:             []byte(`{}`),
			PipelineID:        1,
		}, true)
		return err
	})
	require.NoError(t, err)

	reservations := newEngine(t, d, newCodec(t), "reservations", 1,
		reservationsPolicy(), nil, procflow.Options{})
	require.NoError(t, reservations.Follow("legacy",
		procflow.NewRecordNotificationLog(d, "legacy", 1, 3)))

	n, err := reservations.Run(ctx, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(1), maxTracked(t, d, "reservations", "legacy", 1))
}

func TestSave(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()
	bus := procflow.NewPromptBus()

	h := new(MockPromptHandler)
	defer h.AssertExpectations(t)
	h.On("Handle", mock.Anything,
		procflow.Prompt{ProcessName: "orders", PipelineID: 1}).
		Return(error(nil)).
		Twice()
	_, err := bus.Subscribe(h.Handle)
	require.NoError(t, err)

	orders := newEngine(t, d, codec, "orders", 1, nil, bus, procflow.Options{})
	o := createOrder(t, orders, "alice")

	// Not notifiable, no prompt.
	require.NoError(t, procflow.Trigger(o, &OrderNoted{Note: "fragile"}))
	require.NoError(t, orders.Save(ctx, o))

	require.NoError(t, procflow.Trigger(o, &OrderPaid{}))
	require.NoError(t, orders.Save(ctx, o))

	n := readLog(t, orders.NotificationLog(3))
	require.Equal(t, []string{"order-created", "order-paid"}, topics(n))
	require.Equal(t, int64(3), n[1].OriginatorVersion)

	loaded, err := orders.Load(ctx, o.ID())
	require.NoError(t, err)
	require.Equal(t, &Order{Customer: "alice", Notes: []string{"fragile"}, Paid: true},
		withoutRoot(loaded.(*Order)))
	require.Equal(t, int64(3), loaded.(*Order).Version())

	_, err = orders.Load(ctx, "missing")
	require.ErrorIs(t, err, procflow.ErrAggregateNotFound)
}

func TestSaveConflict(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	o := createOrder(t, orders, "alice")

	a, err := orders.Load(ctx, o.ID())
	require.NoError(t, err)
	b, err := orders.Load(ctx, o.ID())
	require.NoError(t, err)

	require.NoError(t, procflow.Trigger(a, &OrderNoted{Note: "a"}))
	require.NoError(t, procflow.Trigger(b, &OrderNoted{Note: "b"}))
	require.NoError(t, orders.Save(ctx, a))
	require.ErrorIs(t, orders.Save(ctx, b), db.ErrRecordConflict)
}

func TestRunPromptsDownstream(t *testing.T) {
	t.Parallel()
	d, codec := dbmem.New(), newCodec(t)
	ctx := t.Context()
	bus := procflow.NewPromptBus()

	errHandler := errors.New("downstream failure")
	h := new(MockPromptHandler)
	defer h.AssertExpectations(t)
	h.On("Handle", mock.Anything,
		procflow.Prompt{ProcessName: "reservations", PipelineID: 1}).
		Return(errHandler).
		Once()

	orders := newEngine(t, d, codec, "orders", 1, nil, nil, procflow.Options{})
	reservations := newEngine(t, d, codec, "reservations", 1,
		reservationsPolicy(), bus, procflow.Options{})
	follow(t, reservations, orders)
	_, err := bus.Subscribe(h.Handle)
	require.NoError(t, err)

	createOrder(t, orders, "alice")
	n, err := reservations.Run(ctx, nil, 0)
	require.Equal(t, 1, n)
	var pe *procflow.PromptHandlerError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, errHandler)
	require.False(t, procflow.IsRetryable(err))

	// The notification was recorded regardless.
	require.Equal(t, int64(1), maxTracked(t, d, "reservations", "orders", 1))
}

func withoutRoot(o *Order) *Order {
	c := *o
	c.AggregateRoot = procflow.AggregateRoot{}
	return &c
}
