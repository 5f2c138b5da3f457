// Package reconcile drives payments through the transition table and applies
// the stock and order side effects of each move.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"go.uber.org/zap"
)

// Invalidator drops cached order views after a change.
type Invalidator interface {
	Invalidate(ctx context.Context, orderID string) error
}

// Change asks for a payment to move to To.
type Change struct {
	To     orders.PaymentStatus
	Source string
	Reason string
	// ChargeID binds the payment to a gateway charge when it has none yet.
	ChargeID string
	Payload  json.RawMessage
}

type Outcome struct {
	OrderID   string
	PaymentID string
	From      orders.PaymentStatus
	To        orders.PaymentStatus
	Noop      bool
	Released  bool
	Committed bool
	OrderFrom orders.Status
	OrderTo   orders.Status

	events []notify.Envelope
}

type Engine struct {
	Ledger  *inventory.Ledger
	Notify  notify.Publisher
	Cache   Invalidator
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time

	// PaymentWindow is how long after the first attempt a failed payment
	// also cancels its order.
	PaymentWindow time.Duration
	Producer      string
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// Apply moves p to ch.To inside tx and runs the transition's effects. The
// caller must hold the order lock before the payment lock. An unchanged
// status is a noop; a move the table refuses returns ErrIllegalTransition
// and nothing is written.
func (e *Engine) Apply(ctx context.Context, tx orders.Tx, o *orders.Order, p *orders.Payment, ch Change) (*Outcome, error) {
	out := &Outcome{
		OrderID: o.ID, PaymentID: p.ID,
		From: p.Status, To: ch.To,
		OrderFrom: o.Status, OrderTo: o.Status,
	}
	bound := false
	if ch.ChargeID != "" && p.ChargeID == "" {
		p.ChargeID = ch.ChargeID
		bound = true
	}

	if p.Status == ch.To {
		out.Noop = true
		e.Metrics.Transition(string(out.From), string(out.To), "noop")
		if bound {
			p.UpdatedAt = e.now()
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return nil, fmt.Errorf("bind charge: %w", err)
			}
		}
		return out, nil
	}

	t, err := orders.LookupTransition(p.Status, ch.To)
	if err != nil {
		e.Metrics.Transition(string(out.From), string(out.To), "illegal")
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}

	items, err := tx.OrderItems(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("order items: %w", err)
	}
	now := e.now()

	for _, eff := range t.Effects {
		switch eff {
		case orders.EffectCommitStock:
			err := e.Ledger.Commit(ctx, tx, p, items)
			var short *inventory.InsufficientStockError
			switch {
			case errors.As(err, &short):
				p.Metadata = p.Metadata.Set("stock_shortfall", short.Details)
				e.log().Error("paid_without_stock",
					zap.String("payment_id", p.ID),
					zap.String("order_id", o.ID),
					zap.Error(err),
				)
			case err != nil:
				return nil, fmt.Errorf("commit stock: %w", err)
			default:
				out.Committed = p.StockCommittedAt != nil
			}

		case orders.EffectReleaseStock:
			released, err := e.Ledger.Release(ctx, tx, p, items)
			if err != nil {
				return nil, err
			}
			out.Released = released

		case orders.EffectConfirmOrder:
			switch {
			case orders.CanTransition(o.Status, orders.StatusConfirmed):
				e.moveOrder(o, orders.StatusConfirmed, now, out)
			case o.Status == orders.StatusCancelled || o.Status == orders.StatusExpired:
				p.Metadata = p.Metadata.Set("paid_on_closed_order", string(o.Status))
				e.log().Warn("payment_paid_on_closed_order",
					zap.String("payment_id", p.ID),
					zap.String("order_id", o.ID),
					zap.String("order_status", string(o.Status)),
				)
			}

		case orders.EffectCancelStaleOrder:
			if o.Status == orders.StatusPending && e.stale(o, now) {
				e.moveOrder(o, orders.StatusCancelled, now, out)
			}

		case orders.EffectCancelOrder:
			if orders.CanTransition(o.Status, orders.StatusCancelled) {
				e.moveOrder(o, orders.StatusCancelled, now, out)
			}
		}
	}

	p.Status = ch.To
	if ch.Reason != "" && !ch.To.Open() && ch.To != orders.PaymentPaid {
		p.FailureReason = ch.Reason
	}
	p.Metadata = p.Metadata.Append(orders.HistoryEntry{
		At: now, Source: ch.Source, From: t.From, To: t.To, Reason: ch.Reason, Payload: ch.Payload,
	})
	p.UpdatedAt = now
	if err := tx.UpdatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	// Only the latest payment of an order can still move, so it is the active one.
	o.PaymentStatus = ch.To
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	e.Metrics.Transition(string(out.From), string(out.To), "applied")
	return out, nil
}

func (e *Engine) stale(o *orders.Order, now time.Time) bool {
	if o.FirstPaymentAttemptAt == nil || e.PaymentWindow <= 0 {
		return false
	}
	return now.Sub(*o.FirstPaymentAttemptAt) > e.PaymentWindow
}

func (e *Engine) moveOrder(o *orders.Order, to orders.Status, now time.Time, out *Outcome) {
	old := o.Status
	o.Status = to
	o.UpdatedAt = now
	out.OrderTo = to
	out.events = append(out.events, notify.OrderStatusUpdate(e.Producer, *o, old))
}

// Emit queues a notification to be sent by Finish.
func (out *Outcome) Emit(ev notify.Envelope) {
	out.events = append(out.events, ev)
}

// Finish runs the post-commit part of one or more outcomes: cache
// invalidation and notifications. Nothing here can undo the commit.
func (e *Engine) Finish(ctx context.Context, outs ...*Outcome) {
	seen := map[string]bool{}
	for _, out := range outs {
		if out == nil {
			continue
		}
		if e.Cache != nil && !seen[out.OrderID] {
			seen[out.OrderID] = true
			if err := e.Cache.Invalidate(ctx, out.OrderID); err != nil {
				e.log().Warn("status_cache_invalidate_failed", zap.String("order_id", out.OrderID), zap.Error(err))
			}
		}
		if e.Notify == nil {
			continue
		}
		for _, ev := range out.events {
			e.Notify.Publish(ctx, ev)
		}
	}
}
