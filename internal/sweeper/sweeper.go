// Package sweeper forces overdue payments and orders into terminal states.
// It races the webhook reconciler for the same rows and relies on the same
// lock order and idempotent release.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-reconciler/internal/sweeper")

const (
	SweepPix    = "pix"
	SweepOrders = "orders"
)

var errSkip = errors.New("record no longer eligible")

// Locker keeps replicas from sweeping at the same time.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type Sweeper struct {
	Store   orders.Store
	Engine  *reconcile.Engine
	Ledger  *inventory.Ledger
	Gateway gateway.Gateway
	Locker  Locker
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time

	PixExpiration time.Duration
	PaymentWindow time.Duration
	BatchSize     int
	Producer      string
}

type Report struct {
	Sweep   string `json:"sweep"`
	Scanned int    `json:"scanned"`
	Expired int    `json:"expired"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

func (s *Sweeper) batch() int {
	if s.BatchSize <= 0 {
		return 100
	}
	return s.BatchSize
}

func (r *Report) count(s *Sweeper, err error) {
	switch {
	case err == nil:
		r.Expired++
		s.Metrics.Sweep(r.Sweep, "expired")
	case errors.Is(err, errSkip):
		r.Skipped++
		s.Metrics.Sweep(r.Sweep, "skipped")
	default:
		r.Failed++
		s.Metrics.Sweep(r.Sweep, "failed")
	}
}

// SweepPix expires PIX payments whose QR window elapsed while they still
// hold stock. A failing record is logged and the rest carry on.
func (s *Sweeper) SweepPix(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "sweep.pix")
	defer span.End()

	rep := Report{Sweep: SweepPix}
	cutoff := s.now().Add(-s.PixExpiration)
	list, err := s.Store.ListExpiredPixPayments(ctx, cutoff, s.batch())
	if err != nil {
		return rep, fmt.Errorf("list expired pix payments: %w", err)
	}
	rep.Scanned = len(list)
	for _, p := range list {
		err := s.expirePix(ctx, p.OrderID, p.ID, cutoff)
		rep.count(s, err)
		if err != nil && !errors.Is(err, errSkip) {
			s.log().Error("pix_sweep_record_failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("expired", rep.Expired), attribute.Int("failed", rep.Failed))
	s.log().Info("pix_sweep_done",
		zap.Int("scanned", rep.Scanned),
		zap.Int("expired", rep.Expired),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (s *Sweeper) expirePix(ctx context.Context, orderID, paymentID string, cutoff time.Time) error {
	var out *reconcile.Outcome
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		// a webhook may have settled it since the listing
		if p.Method != orders.MethodPix || !p.HoldsReservation() || !p.CreatedAt.Before(cutoff) ||
			(p.Status != orders.PaymentPending && p.Status != orders.PaymentWaiting) {
			return errSkip
		}
		now := s.now()
		p.Metadata = p.Metadata.
			Set("expired_reason", "pix_window_elapsed").
			Set("expired_at", now.Format(time.RFC3339))
		out, err = s.Engine.Apply(ctx, tx, o, p, reconcile.Change{
			To:     orders.PaymentExpired,
			Source: "pix_sweep",
			Reason: fmt.Sprintf("pix not paid within %s", s.PixExpiration),
		})
		return err
	})
	if err != nil {
		return err
	}
	s.Engine.Finish(ctx, out)
	return nil
}

// SweepOrders expires PENDING orders whose payment window elapsed, releasing
// whatever their payments still hold. Open charges are cancelled at the
// gateway after commit, best-effort.
func (s *Sweeper) SweepOrders(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "sweep.orders")
	defer span.End()

	rep := Report{Sweep: SweepOrders}
	cutoff := s.now().Add(-s.PaymentWindow)
	list, err := s.Store.ListOverdueOrders(ctx, cutoff, s.batch())
	if err != nil {
		return rep, fmt.Errorf("list overdue orders: %w", err)
	}
	rep.Scanned = len(list)
	for _, o := range list {
		err := s.expireOrder(ctx, o.ID, cutoff)
		rep.count(s, err)
		if err != nil && !errors.Is(err, errSkip) {
			s.log().Error("order_sweep_record_failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	span.SetAttributes(attribute.Int("expired", rep.Expired), attribute.Int("failed", rep.Failed))
	s.log().Info("order_sweep_done",
		zap.Int("scanned", rep.Scanned),
		zap.Int("expired", rep.Expired),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (s *Sweeper) expireOrder(ctx context.Context, orderID string, cutoff time.Time) error {
	var (
		outs    []*reconcile.Outcome
		cancels []orders.Payment
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		outs, cancels = nil, nil
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending || o.FirstPaymentAttemptAt == nil || !o.FirstPaymentAttemptAt.Before(cutoff) {
			return errSkip
		}
		payments, err := tx.PaymentsForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		items, err := tx.OrderItems(ctx, o.ID)
		if err != nil {
			return err
		}
		for i := range payments {
			p := &payments[i]
			switch {
			case p.Status.Open():
				out, err := s.Engine.Apply(ctx, tx, o, p, reconcile.Change{
					To:     orders.PaymentExpired,
					Source: "order_sweep",
					Reason: fmt.Sprintf("order not paid within %s", s.PaymentWindow),
				})
				if err != nil {
					return err
				}
				outs = append(outs, out)
				if p.ChargeID != "" {
					cancels = append(cancels, *p)
				}
			case p.HoldsReservation():
				// terminal payment that never gave its stock back
				if _, err := s.Ledger.Release(ctx, tx, p, items); err != nil {
					return err
				}
				p.UpdatedAt = s.now()
				if err := tx.UpdatePayment(ctx, p); err != nil {
					return err
				}
			}
		}

		old := o.Status
		o.Status = orders.StatusExpired
		o.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		out := &reconcile.Outcome{OrderID: o.ID, OrderFrom: old, OrderTo: o.Status}
		out.Emit(notify.OrderStatusUpdate(s.Producer, *o, old))
		outs = append(outs, out)
		return nil
	})
	if err != nil {
		return err
	}
	s.Engine.Finish(ctx, outs...)

	if s.Gateway != nil {
		for _, p := range cancels {
			if err := s.Gateway.CancelCharge(ctx, p.ChargeID, p.AmountCents); err != nil {
				s.log().Warn("gateway_cancel_failed",
					zap.String("order_id", orderID),
					zap.String("charge_id", p.ChargeID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// Run sweeps on both schedules until ctx is done.
func (s *Sweeper) Run(ctx context.Context, pixEvery, ordersEvery time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, SweepPix, pixEvery, s.SweepPix) })
	g.Go(func() error { return s.loop(ctx, SweepOrders, ordersEvery, s.SweepOrders) })
	return g.Wait()
}

func (s *Sweeper) loop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) (Report, error)) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.RunOnce(ctx, name, every, sweep)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// RunOnce runs one sweep under the replica lock, if a Locker is set.
func (s *Sweeper) RunOnce(ctx context.Context, name string, ttl time.Duration, sweep func(context.Context) (Report, error)) (Report, bool) {
	if s.Locker != nil {
		unlock, ok, err := s.Locker.TryLock(ctx, "sweep:"+name, ttl)
		if err != nil {
			s.log().Warn("sweep_lock_unavailable", zap.String("sweep", name), zap.Error(err))
			return Report{Sweep: name}, false
		}
		if !ok {
			s.log().Debug("sweep_lock_held", zap.String("sweep", name))
			return Report{Sweep: name}, false
		}
		defer unlock()
	}
	rep, err := sweep(ctx)
	if err != nil {
		s.log().Error("sweep_failed", zap.String("sweep", name), zap.Error(err))
		return rep, false
	}
	return rep, true
}
