package procflow_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/procflow"
	"github.com/romshark/procflow/db"
)

type OrderCreated struct {
	procflow.EventMetadata

	Customer string `json:"customer"`
}

type OrderNoted struct {
	procflow.EventMetadata

	Note string `json:"note"`
}

type OrderPaid struct {
	procflow.EventMetadata
}

type Order struct {
	procflow.AggregateRoot

	Customer string
	Notes    []string
	Paid     bool
}

func (o *Order) Mutate(e procflow.Event) error {
	switch e := e.(type) {
	case *OrderCreated:
		o.Customer = e.Customer
	case *OrderNoted:
		o.Notes = append(o.Notes, e.Note)
	case *OrderPaid:
		o.Paid = true
	}
	return nil
}

type ReservationCreated struct {
	procflow.EventMetadata

	OrderID string `json:"order_id"`
}

type Reservation struct {
	procflow.AggregateRoot

	OrderID string
}

func (r *Reservation) Mutate(e procflow.Event) error {
	if e, ok := e.(*ReservationCreated); ok {
		r.OrderID = e.OrderID
	}
	return nil
}

type PaymentCreated struct {
	procflow.EventMetadata

	OrderID string `json:"order_id"`
}

type Payment struct {
	procflow.AggregateRoot

	OrderID string
}

func (p *Payment) Mutate(e procflow.Event) error {
	if e, ok := e.(*PaymentCreated); ok {
		p.OrderID = e.OrderID
	}
	return nil
}

type PayOrderRequested struct {
	procflow.EventMetadata

	OrderID string `json:"order_id"`
}

type Request struct{ procflow.AggregateRoot }

func (*Request) Mutate(procflow.Event) error { return nil }

func newCodec(t *testing.T) *procflow.EventCodec {
	t.Helper()
	c := procflow.NewEventCodec()
	procflow.MustRegisterEventType[*OrderCreated](c, "order-created",
		procflow.Notifiable(),
		procflow.Creates(func() procflow.Aggregate { return new(Order) }))
	procflow.MustRegisterEventType[*OrderNoted](c, "order-noted")
	procflow.MustRegisterEventType[*OrderPaid](c, "order-paid", procflow.Notifiable())
	procflow.MustRegisterEventType[*ReservationCreated](c, "reservation-created",
		procflow.Notifiable(),
		procflow.Creates(func() procflow.Aggregate { return new(Reservation) }))
	procflow.MustRegisterEventType[*PaymentCreated](c, "payment-created",
		procflow.Notifiable(),
		procflow.Creates(func() procflow.Aggregate { return new(Payment) }))
	procflow.MustRegisterEventType[*PayOrderRequested](c, "pay-order-requested",
		procflow.Notifiable(),
		procflow.Creates(func() procflow.Aggregate { return new(Request) }))
	return c
}

func reservationID(orderID string) string { return "reservation-" + orderID }
func paymentID(orderID string) string     { return "payment-" + orderID }

// reservationsPolicy reserves every created order.
func reservationsPolicy() *procflow.PolicyMux {
	m := procflow.NewPolicyMux()
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *OrderCreated,
	) ([]procflow.Aggregate, error) {
		r := new(Reservation)
		err := procflow.Create(r, reservationID(e.OriginatorID()),
			&ReservationCreated{OrderID: e.OriginatorID()})
		if err != nil {
			return nil, err
		}
		return []procflow.Aggregate{r}, nil
	})
	return m
}

// ordersPolicy marks orders paid on request.
func ordersPolicy() *procflow.PolicyMux {
	m := procflow.NewPolicyMux()
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *PayOrderRequested,
	) ([]procflow.Aggregate, error) {
		o, err := procflow.GetAs[*Order](ctx, tx, e.OrderID)
		if err != nil {
			return nil, err
		}
		return nil, procflow.Trigger(o, &OrderPaid{})
	})
	return m
}

// paymentsPolicy creates a payment for every paid order.
func paymentsPolicy() *procflow.PolicyMux {
	m := procflow.NewPolicyMux()
	procflow.Handle(m, func(
		ctx context.Context, tx *procflow.ProcessTx, e *OrderPaid,
	) ([]procflow.Aggregate, error) {
		if ok, err := tx.Contains(ctx, paymentID(e.OriginatorID())); err != nil || ok {
			return nil, err
		}
		p := new(Payment)
		err := procflow.Create(p, paymentID(e.OriginatorID()),
			&PaymentCreated{OrderID: e.OriginatorID()})
		if err != nil {
			return nil, err
		}
		return []procflow.Aggregate{p}, nil
	})
	return m
}

func newEngine(
	t *testing.T, d db.DB, codec *procflow.EventCodec, name string, pipelineID int64,
	policy procflow.Policy, bus *procflow.PromptBus, opts procflow.Options,
) *procflow.Engine {
	t.Helper()
	e, err := procflow.Make(slog.Default(), d, codec, name, pipelineID, policy, bus, opts)
	require.NoError(t, err)
	return e
}

func follow(t *testing.T, e *procflow.Engine, upstream *procflow.Engine) {
	t.Helper()
	require.NoError(t, e.Follow(upstream.Name(), upstream.NotificationLog(3)))
}

func createOrder(t *testing.T, orders *procflow.Engine, customer string) *Order {
	t.Helper()
	o := new(Order)
	require.NoError(t, procflow.Create(o, procflow.NewOriginatorID(),
		&OrderCreated{Customer: customer}))
	require.NoError(t, orders.Save(t.Context(), o))
	return o
}

func requestPayment(t *testing.T, commands *procflow.Engine, orderID string) {
	t.Helper()
	r := new(Request)
	require.NoError(t, procflow.Create(r, procflow.NewOriginatorID(),
		&PayOrderRequested{OrderID: orderID}))
	require.NoError(t, commands.Save(t.Context(), r))
}

func readLog(t *testing.T, l procflow.NotificationLog) []db.Notification {
	t.Helper()
	n, err := procflow.NewReader(l).ReadAll(t.Context(), procflow.ReadOptions{})
	require.NoError(t, err)
	return n
}

func topics(n []db.Notification) []string {
	t := make([]string, len(n))
	for i, n := range n {
		t[i] = n.Topic
	}
	return t
}

func maxTracked(
	t *testing.T, d db.DB, application, upstream string, pipelineID int64,
) (id int64) {
	t.Helper()
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		var err error
		id, err = tx.ReadMaxTrackingRecordID(ctx, application, upstream, pipelineID)
		return err
	})
	require.NoError(t, err)
	return id
}
