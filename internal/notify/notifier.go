package notify

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-checkout-reconciler/internal/kafka"
	"go.uber.org/zap"
)

// Notifier is the delivery side (email, push). It may fail; callers log.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, p ConfirmationPayload) error
	SendOrderStatusUpdate(ctx context.Context, p StatusUpdatePayload) error
}

// Dispatch decodes ev and hands it to n.
func Dispatch(ctx context.Context, n Notifier, ev Envelope) error {
	switch ev.EventType {
	case EventOrderConfirmation:
		p, err := kafkax.UnwrapPayload[ConfirmationPayload](ev.Payload)
		if err != nil {
			return err
		}
		return n.SendOrderConfirmation(ctx, p)
	case EventOrderStatusUpdate:
		p, err := kafkax.UnwrapPayload[StatusUpdatePayload](ev.Payload)
		if err != nil {
			return err
		}
		return n.SendOrderStatusUpdate(ctx, p)
	}
	return fmt.Errorf("unknown event type %q", ev.EventType)
}

// LogNotifier writes notifications to the log instead of sending them.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) SendOrderConfirmation(_ context.Context, p ConfirmationPayload) error {
	n.Log.Info("notify_order_confirmation",
		zap.String("order_id", p.OrderID),
		zap.String("order_number", p.OrderNumber),
		zap.String("payment_method", p.PaymentMethod),
		zap.Int("total_cents", p.TotalCents),
		zap.Int("items", len(p.Items)),
	)
	return nil
}

func (n LogNotifier) SendOrderStatusUpdate(_ context.Context, p StatusUpdatePayload) error {
	n.Log.Info("notify_order_status_update",
		zap.String("order_number", p.OrderNumber),
		zap.String("old_status", p.OldStatus),
		zap.String("new_status", p.NewStatus),
		zap.String("tracking_code", p.TrackingCode),
	)
	return nil
}
