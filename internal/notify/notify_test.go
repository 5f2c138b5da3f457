package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type fakeNotifier struct {
	mu       sync.Mutex
	confirms []ConfirmationPayload
	updates  []StatusUpdatePayload
	err      error
}

func (f *fakeNotifier) SendOrderConfirmation(_ context.Context, p ConfirmationPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, p)
	return f.err
}

func (f *fakeNotifier) SendOrderStatusUpdate(_ context.Context, p StatusUpdatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, p)
	return f.err
}

func TestQueueDeliversAfterClose(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp down")}
	q := NewQueue(n, 8, 2, nil)
	q.Start(context.Background())

	o := orders.Order{ID: "o1", Number: "NSR-2026-0001", Status: orders.StatusConfirmed, PaymentMethod: orders.MethodPix}
	q.Publish(context.Background(), OrderConfirmation("test", o,
		[]orders.OrderItem{{ProductID: "p1", Name: "Mug", Qty: 1, PriceCents: 100}}, orders.Address{City: "Recife"}))
	q.Publish(context.Background(), OrderStatusUpdate("test", o, orders.StatusPending))
	q.Close()

	if len(n.confirms) != 1 || n.confirms[0].Address.City != "Recife" || len(n.confirms[0].Items) != 1 {
		t.Fatalf("confirmations: %+v", n.confirms)
	}
	if len(n.updates) != 1 || n.updates[0].OldStatus != "PENDING" || n.updates[0].NewStatus != "CONFIRMED" {
		t.Fatalf("updates: %+v", n.updates)
	}

	// publishing after close is dropped, not a panic
	q.Publish(context.Background(), OrderStatusUpdate("test", o, orders.StatusPending))
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(&fakeNotifier{}, 1, 1, nil)
	o := orders.Order{ID: "o1"}
	q.Publish(context.Background(), OrderStatusUpdate("test", o, orders.StatusPending))
	q.Publish(context.Background(), OrderStatusUpdate("test", o, orders.StatusPending))
	if len(q.ch) != 1 {
		t.Fatalf("queued %d, want 1", len(q.ch))
	}
}

func TestDispatchUnknownType(t *testing.T) {
	if err := Dispatch(context.Background(), &fakeNotifier{}, Envelope{EventType: "Nope"}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
