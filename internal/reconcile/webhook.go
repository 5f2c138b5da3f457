package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-reconciler/internal/reconcile")

// Deduper is the fast-path memory of processed deliveries, keyed by
// charge and status. Forget drops the key of a status the charge has left,
// so a later return to it is processed again.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
	Forget(ctx context.Context, id string) error
}

// Notification is the gateway webhook body. Unlisted fields are ignored.
type Notification struct {
	ID          string               `json:"id"`
	ReferenceID string               `json:"reference_id"`
	Charges     []ChargeNotification `json:"charges"`
}

type ChargeNotification struct {
	ID            string          `json:"id"`
	ReferenceID   string          `json:"reference_id"`
	Status        string          `json:"status"`
	Amount        json.RawMessage `json:"amount,omitempty"`
	PaymentMethod json.RawMessage `json:"payment_method,omitempty"`
}

// method reads payment_method.type; it is empty when absent or unknown.
func (c ChargeNotification) method() orders.PaymentMethod {
	var pm struct {
		Type string `json:"type"`
	}
	if len(c.PaymentMethod) == 0 || json.Unmarshal(c.PaymentMethod, &pm) != nil {
		return ""
	}
	if m := orders.PaymentMethod(strings.ToUpper(pm.Type)); m.Valid() {
		return m
	}
	return ""
}

// Per-charge outcomes, also used as metric labels.
const (
	OutcomeApplied   = "applied"
	OutcomeNoop      = "noop"
	OutcomeDuplicate = "duplicate"
	OutcomeUnknown   = "unknown_charge"
	OutcomeIllegal   = "illegal"
	OutcomeError     = "error"
)

type ChargeResult struct {
	ChargeID string               `json:"charge_id"`
	Status   orders.PaymentStatus `json:"status"`
	Outcome  string               `json:"outcome"`
}

type Result struct {
	EventID string         `json:"event_id,omitempty"`
	Charges []ChargeResult `json:"charges"`
}

type Reconciler struct {
	Store   orders.Store
	Engine  *Engine
	Gateway gateway.Gateway
	Dedup   Deduper
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logger(ctx context.Context) *zap.Logger {
	base := r.Log
	if base == nil {
		base = zap.NewNop()
	}
	return logging.FromContext(ctx, base)
}

// Handle stores the raw delivery and then reconciles every charge in it.
// The returned error describes processing problems only; the delivery is
// already stored and should still be acknowledged.
func (r *Reconciler) Handle(ctx context.Context, provider string, body []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "webhook.handle")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))
	log := r.logger(ctx)

	ev := &orders.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		Payload:    string(body),
		ReceivedAt: r.now(),
	}
	stored := true
	if err := r.Store.SaveWebhookEvent(ctx, ev); err != nil {
		stored = false
		log.Error("webhook_persist_failed", zap.String("provider", provider), zap.Error(err))
	}

	res, procErr := r.process(ctx, body, true)
	res.EventID = ev.ID
	if !stored {
		res.EventID = ""
	}

	if stored {
		msg := ""
		if procErr != nil {
			msg = procErr.Error()
		}
		if err := r.Store.MarkWebhookEvent(ctx, ev.ID, r.now(), msg); err != nil {
			log.Warn("webhook_mark_failed", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	if procErr != nil {
		span.RecordError(procErr)
		log.Warn("webhook_processing_error", zap.String("event_id", ev.ID), zap.Error(procErr))
	}
	return res, procErr
}

// Replay re-processes a stored delivery, bypassing the dedup fast path.
func (r *Reconciler) Replay(ctx context.Context, eventID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "webhook.replay")
	defer span.End()

	ev, err := r.Store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("webhook event %s: %w", eventID, err)
	}
	res, procErr := r.process(ctx, []byte(ev.Payload), false)
	res.EventID = ev.ID
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := r.Store.MarkWebhookEvent(ctx, ev.ID, r.now(), msg); err != nil {
		return res, fmt.Errorf("mark event: %w", err)
	}
	return res, procErr
}

func (r *Reconciler) process(ctx context.Context, body []byte, dedup bool) (*Result, error) {
	res := &Result{}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		r.Metrics.Webhook("invalid")
		return res, fmt.Errorf("decode notification: %w", err)
	}
	if len(n.Charges) == 0 {
		r.Metrics.Webhook("no_charges")
		r.logger(ctx).Info("webhook_without_charges", zap.String("gateway_order_id", n.ID))
		return res, nil
	}

	var errs []error
	for _, c := range n.Charges {
		if c.ReferenceID == "" {
			c.ReferenceID = n.ReferenceID
		}
		cr, err := r.handleCharge(ctx, n.ID, c, dedup)
		r.Metrics.Webhook(cr.Outcome)
		res.Charges = append(res.Charges, cr)
		if err != nil {
			errs = append(errs, fmt.Errorf("charge %s: %w", c.ID, err))
		}
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) handleCharge(ctx context.Context, gatewayOrderID string, c ChargeNotification, dedup bool) (ChargeResult, error) {
	log := r.logger(ctx).With(zap.String("charge_id", c.ID))
	status, known := gateway.MapStatus(c.Status)
	if !known {
		log.Warn("webhook_unknown_status", zap.String("status", c.Status))
	}
	cr := ChargeResult{ChargeID: c.ID, Status: status}
	key := dedupKey(c.ID, status)

	if dedup && r.Dedup != nil {
		seen, err := r.Dedup.Seen(ctx, key)
		if err != nil {
			log.Warn("webhook_dedup_unavailable", zap.Error(err))
		} else if seen {
			cr.Outcome = OutcomeDuplicate
			return cr, nil
		}
	}

	p, err := r.Store.FindPaymentByCharge(ctx, c.ID)
	if errors.Is(err, orders.ErrNotFound) && gatewayOrderID != "" {
		p, err = r.Store.FindPaymentByCharge(ctx, gatewayOrderID)
	}
	if errors.Is(err, orders.ErrNotFound) && c.ReferenceID != "" {
		p, err = r.findUnbound(ctx, c.ReferenceID, c.method())
		if err == nil {
			log.Warn("webhook_charge_bound_by_reference",
				zap.String("order_id", c.ReferenceID),
				zap.String("payment_id", p.ID),
			)
		}
	}
	if errors.Is(err, orders.ErrNotFound) {
		log.Info("webhook_payment_not_found",
			zap.String("gateway_order_id", gatewayOrderID),
			zap.String("reference_id", c.ReferenceID),
		)
		cr.Outcome = OutcomeUnknown
		return cr, nil
	}
	if err != nil {
		cr.Outcome = OutcomeError
		return cr, fmt.Errorf("find payment: %w", err)
	}

	payload, _ := json.Marshal(c)
	out, err := r.apply(ctx, p.OrderID, p.ID, Change{
		To:       status,
		Source:   "webhook",
		Reason:   "gateway status " + c.Status,
		ChargeID: c.ID,
		Payload:  payload,
	})
	switch {
	case errors.Is(err, orders.ErrIllegalTransition):
		log.Warn("webhook_illegal_transition",
			zap.String("payment_id", p.ID),
			zap.String("to", string(status)),
			zap.Error(err),
		)
		cr.Outcome = OutcomeIllegal
		return cr, err
	case err != nil:
		cr.Outcome = OutcomeError
		return cr, err
	}

	cr.Outcome = OutcomeApplied
	if out.Noop {
		cr.Outcome = OutcomeNoop
	} else {
		log.Info("webhook_applied",
			zap.String("payment_id", p.ID),
			zap.String("from", string(out.From)),
			zap.String("to", string(out.To)),
			zap.Bool("released", out.Released),
			zap.String("order_status", string(out.OrderTo)),
		)
	}
	if r.Dedup != nil {
		if !out.Noop {
			if err := r.Dedup.Forget(ctx, dedupKey(c.ID, out.From)); err != nil {
				log.Warn("webhook_dedup_forget_failed", zap.Error(err))
			}
		}
		if err := r.Dedup.Mark(ctx, key); err != nil {
			log.Warn("webhook_dedup_mark_failed", zap.Error(err))
		}
	}
	return cr, nil
}

func dedupKey(chargeID string, st orders.PaymentStatus) string {
	return chargeID + ":" + string(st)
}

// findUnbound returns the latest payment of order orderID that never got a
// gateway charge or order id, as left behind when the gateway answer was
// lost. method narrows the match when the delivery names one.
func (r *Reconciler) findUnbound(ctx context.Context, orderID string, method orders.PaymentMethod) (*orders.Payment, error) {
	payments, err := r.Store.ListPayments(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var found *orders.Payment
	for i := range payments {
		p := &payments[i]
		if p.ChargeID != "" || p.GatewayOrderID != "" {
			continue
		}
		if method != "" && p.Method != method {
			continue
		}
		if found == nil || p.CreatedAt.After(found.CreatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, orders.ErrNotFound
	}
	return found, nil
}

// apply locks order then payment, re-reads both and runs the engine.
func (r *Reconciler) apply(ctx context.Context, orderID, paymentID string, ch Change) (*Outcome, error) {
	var out *Outcome
	err := r.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("lock payment: %w", err)
		}
		out, err = r.Engine.Apply(ctx, tx, o, p, ch)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.Engine.Finish(ctx, out)
	return out, nil
}

// Sync polls the gateway for a payment's charge and applies its status.
func (r *Reconciler) Sync(ctx context.Context, paymentID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "payment.sync")
	defer span.End()

	p, err := r.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, err)
	}
	ref := p.ChargeID
	if ref == "" {
		ref = p.GatewayOrderID
	}
	if ref == "" {
		return nil, fmt.Errorf("payment %s has no gateway reference: %w", paymentID, orders.ErrNotFound)
	}
	if r.Gateway == nil {
		return nil, errors.New("no gateway configured")
	}
	g, err := r.Gateway.GetCharge(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("gateway lookup: %w", err)
	}
	out, err := r.apply(ctx, p.OrderID, p.ID, Change{
		To:       g.Status,
		Source:   "sync",
		Reason:   g.FailureReason,
		ChargeID: g.ChargeID,
	})
	if err != nil {
		return nil, err
	}
	if r.Dedup != nil && !out.Noop {
		chargeID := g.ChargeID
		if chargeID == "" {
			chargeID = p.ChargeID
		}
		if chargeID != "" {
			if err := r.Dedup.Forget(ctx, dedupKey(chargeID, out.From)); err != nil {
				r.logger(ctx).Warn("webhook_dedup_forget_failed", zap.Error(err))
			}
		}
	}
	r.logger(ctx).Info("payment_synced",
		zap.String("payment_id", p.ID),
		zap.String("gateway_status", g.RawStatus),
		zap.Bool("noop", out.Noop),
	)
	return out, nil
}
