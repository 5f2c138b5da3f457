// Package checkout builds orders: it validates references, prices the cart,
// reserves stock and opens the first charge at the gateway.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-checkout-reconciler/internal/checkout")

const (
	numberAttempts = 3
	// recordTimeout bounds writing a gateway answer, which runs detached
	// from the caller's context.
	recordTimeout = 10 * time.Second
)

type Service struct {
	Store    orders.Store
	Ledger   *inventory.Ledger
	Gateway  gateway.Gateway
	Engine   *reconcile.Engine
	Notify   notify.Publisher
	Validate *validatorv10.Validate
	Pricing  Pricing
	Log      *zap.Logger
	Now      func() time.Time

	NumberPrefix    string
	PixExpiration   time.Duration
	GatewayTimeout  time.Duration
	NotificationURL string
	Producer        string
}

// Placed is an order together with the payment opened for it.
type Placed struct {
	Order   orders.Order       `json:"order"`
	Items   []orders.OrderItem `json:"items"`
	Payment orders.Payment     `json:"payment"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	base := s.Log
	if base == nil {
		base = zap.NewNop()
	}
	return logging.FromContext(ctx, base)
}

func (s *Service) validate(v any) error {
	val := s.Validate
	if val == nil {
		val = NewValidator()
	}
	if err := val.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// PlaceOrder creates the order, its frozen items and a stock-holding payment
// in one transaction, then asks the gateway for a charge. A gateway failure
// does not undo the order: the payment is declined and its stock released.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Placed, error) {
	ctx, span := tracer.Start(ctx, "checkout.place_order")
	defer span.End()
	span.SetAttributes(attribute.String("payment_method", string(req.PaymentMethod)))

	if err := s.validate(req); err != nil {
		return nil, err
	}

	var (
		placed *Placed
		cust   *orders.Customer
		addr   *orders.Address
		err    error
	)
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		err = s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			var txErr error
			placed, cust, addr, txErr = s.create(ctx, tx, req)
			return txErr
		})
		if !errors.Is(err, orders.ErrDuplicateNumber) {
			break
		}
		s.logger(ctx).Warn("order_number_collision", zap.Int("attempt", attempt))
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("order_number", placed.Order.Number))

	s.logger(ctx).Info("order_placed",
		zap.String("order_id", placed.Order.ID),
		zap.String("order_number", placed.Order.Number),
		zap.String("payment_method", string(req.PaymentMethod)),
		zap.Int("total_cents", placed.Order.TotalCents),
	)

	placed = s.charge(ctx, placed, cust, addr, req.Card)
	s.notify(ctx, notify.OrderConfirmation(s.Producer, placed.Order, placed.Items, *addr))
	return placed, nil
}

func (s *Service) create(ctx context.Context, tx orders.Tx, req PlaceOrderRequest) (*Placed, *orders.Customer, *orders.Address, error) {
	now := s.now()

	cust, err := tx.GetCustomer(ctx, req.UserID)
	if err != nil {
		return nil, nil, nil, reference("customer", req.UserID, err)
	}
	addr, err := tx.GetAddress(ctx, req.UserID, req.AddressID)
	if err != nil {
		return nil, nil, nil, reference("address", req.AddressID, err)
	}
	method, err := tx.GetShippingMethod(ctx, req.ShippingMethodID)
	if err != nil {
		return nil, nil, nil, reference("shipping method", req.ShippingMethodID, err)
	}
	if !method.Active {
		return nil, nil, nil, fmt.Errorf("%w: shipping method %s is not active", ErrInvalidReference, method.ID)
	}

	var coupon *orders.Coupon
	if req.CouponCode != "" {
		coupon, err = tx.GetCouponForUpdate(ctx, req.CouponCode)
		if err != nil {
			return nil, nil, nil, reference("coupon", req.CouponCode, err)
		}
	}

	lines := make([]orders.ItemQty, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, orders.ItemQty{ProductID: it.ProductID, Qty: it.Qty})
	}
	products, err := s.Ledger.Check(ctx, tx, lines)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		return nil, nil, nil, err
	}

	orderID := uuid.NewString()
	items := make([]orders.OrderItem, 0, len(req.Items))
	weights := make(map[string]int, len(products))
	for _, it := range req.Items {
		p := products[it.ProductID]
		weights[p.ID] = p.WeightGrams
		items = append(items, orders.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			ProductID:  p.ID,
			Name:       p.Name,
			ImageURL:   p.ImageURL,
			Qty:        it.Qty,
			PriceCents: p.PriceCents,
		})
	}

	if coupon != nil {
		var subtotal int
		for _, it := range items {
			subtotal += it.PriceCents * it.Qty
		}
		if why := usable(coupon, subtotal, now); why != "" {
			return nil, nil, nil, fmt.Errorf("%w: coupon %s: %s", ErrInvalidReference, coupon.Code, why)
		}
	}
	q, err := s.Pricing.Quote(items, weights, *method, coupon)
	if err != nil {
		return nil, nil, nil, err
	}

	number, err := NextNumber(ctx, tx, s.NumberPrefix, now)
	if err != nil {
		return nil, nil, nil, err
	}
	o := orders.Order{
		ID:                    orderID,
		Number:                number,
		UserID:                req.UserID,
		AddressID:             addr.ID,
		ShippingMethodID:      method.ID,
		Status:                orders.StatusPending,
		PaymentStatus:         orders.PaymentPending,
		PaymentMethod:         req.PaymentMethod,
		SubtotalCents:         q.SubtotalCents,
		ShippingCents:         q.ShippingCents,
		DiscountCents:         q.DiscountCents,
		TotalCents:            q.TotalCents,
		FirstPaymentAttemptAt: &now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if coupon != nil {
		o.CouponCode = coupon.Code
	}
	if err := tx.InsertOrder(ctx, &o, items); err != nil {
		return nil, nil, nil, fmt.Errorf("insert order: %w", err)
	}

	p, err := s.openPayment(ctx, tx, o, items, req.PaymentMethod, req.Card, now)
	if err != nil {
		return nil, nil, nil, err
	}

	productIDs := make([]string, 0, len(items))
	for _, it := range items {
		productIDs = append(productIDs, it.ProductID)
	}
	if _, err := tx.ClearCartItems(ctx, req.UserID, productIDs); err != nil {
		return nil, nil, nil, fmt.Errorf("clear cart: %w", err)
	}
	if coupon != nil {
		if err := tx.IncrementCouponUsage(ctx, coupon.Code); err != nil {
			return nil, nil, nil, fmt.Errorf("coupon usage: %w", err)
		}
	}
	return &Placed{Order: o, Items: items, Payment: *p}, cust, addr, nil
}

// openPayment inserts a PENDING payment that owns a fresh reservation.
func (s *Service) openPayment(ctx context.Context, tx orders.Tx, o orders.Order, items []orders.OrderItem,
	method orders.PaymentMethod, card *gateway.Card, now time.Time) (*orders.Payment, error) {
	p := &orders.Payment{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		Method:       method,
		Status:       orders.PaymentPending,
		AmountCents:  o.TotalCents,
		Installments: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if card != nil && card.Installments > 0 {
		p.Installments = card.Installments
	}
	if err := s.Ledger.ReservePayment(ctx, tx, p, items); err != nil {
		return nil, err
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

// charge calls the gateway outside any transaction and records the result
// through the transition engine. The result is recorded even when ctx is
// already done, so a timed-out charge is declined and its stock released.
// It never fails: a payment that could not be updated here is left to the
// sweeps.
func (s *Service) charge(ctx context.Context, placed *Placed, cust *orders.Customer, addr *orders.Address, card *gateway.Card) *Placed {
	log := s.logger(ctx).With(zap.String("order_id", placed.Order.ID), zap.String("payment_id", placed.Payment.ID))

	timeout := s.GatewayTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	res, gerr := s.Gateway.CreateCharge(gctx, gateway.ChargeRequest{
		Order:           placed.Order,
		Items:           placed.Items,
		Customer:        *cust,
		Address:         *addr,
		Method:          placed.Payment.Method,
		Card:            card,
		PixExpiresAt:    placed.Payment.CreatedAt.Add(s.PixExpiration),
		NotificationURL: s.NotificationURL,
	})
	cancel()

	ch := reconcile.Change{Source: "checkout"}
	if gerr != nil || res == nil {
		if gerr == nil {
			gerr = fmt.Errorf("%w: empty result", gateway.ErrRejected)
		}
		log.Warn("charge_failed", zap.Error(gerr))
		ch.To = orders.PaymentDeclined
		ch.Reason = gerr.Error()
		res = &gateway.Result{Status: orders.PaymentDeclined, FailureReason: gerr.Error()}
	} else {
		ch.To = res.Status
		ch.Reason = res.FailureReason
		ch.ChargeID = res.ChargeID
	}

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer rcancel()

	var out *reconcile.Outcome
	var order orders.Order
	var payment orders.Payment
	err := s.Store.WithTx(rctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, placed.Order.ID)
		if err != nil {
			return err
		}
		p, err := tx.GetPaymentForUpdate(ctx, placed.Payment.ID)
		if err != nil {
			return err
		}
		p.GatewayOrderID = res.GatewayOrderID
		p.QRCodeText = res.QRCodeText
		p.QRCodeURL = res.QRCodeURL
		p.QRExpiresAt = res.QRExpiresAt
		if p.Method == orders.MethodPix && p.QRExpiresAt == nil && gerr == nil {
			exp := p.CreatedAt.Add(s.PixExpiration)
			p.QRExpiresAt = &exp
		}
		out, err = s.Engine.Apply(ctx, tx, o, p, ch)
		if err != nil {
			return err
		}
		if out.Noop {
			if err := tx.UpdatePayment(ctx, p); err != nil {
				return err
			}
		}
		order, payment = *o, *p
		return nil
	})
	if err != nil {
		log.Error("charge_result_not_recorded", zap.String("status", string(ch.To)), zap.Error(err))
		return placed
	}
	s.Engine.Finish(rctx, out)
	log.Info("charge_recorded",
		zap.String("status", string(payment.Status)),
		zap.String("charge_id", payment.ChargeID),
		zap.Bool("released", out.Released),
	)
	return &Placed{Order: order, Items: placed.Items, Payment: payment}
}

// Pay opens a new charge for a PENDING order whose earlier payments all
// failed or expired. The new payment reserves stock again.
func (s *Service) Pay(ctx context.Context, orderID string, req PayRequest) (*Placed, error) {
	ctx, span := tracer.Start(ctx, "checkout.pay")
	defer span.End()

	if err := s.validate(req); err != nil {
		return nil, err
	}
	var (
		placed *Placed
		cust   *orders.Customer
		addr   *orders.Address
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != orders.StatusPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderClosed, o.Number, o.Status)
		}
		payments, err := tx.PaymentsForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.Status.Open() || p.HoldsReservation() {
				return fmt.Errorf("%w: payment %s is %s", ErrPaymentInFlight, p.ID, p.Status)
			}
		}
		items, err := tx.OrderItems(ctx, o.ID)
		if err != nil {
			return err
		}
		if cust, err = tx.GetCustomer(ctx, o.UserID); err != nil {
			return reference("customer", o.UserID, err)
		}
		if addr, err = tx.GetAddress(ctx, o.UserID, o.AddressID); err != nil {
			return reference("address", o.AddressID, err)
		}

		now := s.now()
		p, err := s.openPayment(ctx, tx, *o, items, req.PaymentMethod, req.Card, now)
		if err != nil {
			return err
		}
		o.PaymentMethod = req.PaymentMethod
		o.PaymentStatus = orders.PaymentPending
		if o.FirstPaymentAttemptAt == nil {
			o.FirstPaymentAttemptAt = &now
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		placed = &Placed{Order: *o, Items: items, Payment: *p}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.logger(ctx).Info("payment_retry",
		zap.String("order_id", orderID),
		zap.String("payment_id", placed.Payment.ID),
		zap.String("payment_method", string(req.PaymentMethod)),
	)
	return s.charge(ctx, placed, cust, addr, req.Card), nil
}

// UpdateStatus moves an order through the order status table. Closing an
// order (CANCELLED or EXPIRED) also settles its payments: open ones release
// their stock and are voided at the gateway after commit, paid ones are
// refunded on cancellation. A PENDING order only becomes PAID or CONFIRMED
// through its payment.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, to orders.Status, trackingCode string) (*orders.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.update_status")
	defer span.End()

	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	var (
		outs  []*reconcile.Outcome
		voids []orders.Payment
		order orders.Order
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		outs, voids = nil, nil
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == to && (trackingCode == "" || trackingCode == o.TrackingCode) {
			order = *o
			return nil
		}
		if o.Status != to && !orders.CanTransition(o.Status, to) {
			return fmt.Errorf("%w: order %s -> %s", orders.ErrIllegalTransition, o.Status, to)
		}
		if o.Status == orders.StatusPending && (to == orders.StatusPaid || to == orders.StatusConfirmed) {
			return fmt.Errorf("%w: order %s -> %s is settled by its payment", orders.ErrIllegalTransition, o.Status, to)
		}
		old := o.Status

		if settle, ok := closingPayment[to]; ok {
			payments, err := tx.PaymentsForUpdate(ctx, o.ID)
			if err != nil {
				return err
			}
			for i := range payments {
				p := &payments[i]
				refund := p.Status == orders.PaymentPaid && to == orders.StatusCancelled
				if !p.Status.Open() && !refund {
					continue
				}
				out, err := s.Engine.Apply(ctx, tx, o, p, reconcile.Change{
					To: settle, Source: "admin", Reason: "order " + strings.ToLower(string(to)),
				})
				if err != nil {
					return err
				}
				outs = append(outs, out)
				if p.ChargeID != "" {
					voids = append(voids, *p)
				}
			}
		}

		if trackingCode != "" {
			o.TrackingCode = trackingCode
		}
		out := &reconcile.Outcome{OrderID: o.ID, OrderFrom: old, OrderTo: to}
		if o.Status != to {
			o.Status = to
			out.Emit(notify.OrderStatusUpdate(s.Producer, *o, old))
		}
		o.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		outs = append(outs, out)
		order = *o
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Engine.Finish(ctx, outs...)

	for _, p := range voids {
		if err := s.Gateway.CancelCharge(ctx, p.ChargeID, p.AmountCents); err != nil {
			s.logger(ctx).Warn("gateway_cancel_failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}
	return &order, nil
}

// closingPayment is the status given to the payments of an order an
// operator closes.
var closingPayment = map[orders.Status]orders.PaymentStatus{
	orders.StatusCancelled: orders.PaymentCanceled,
	orders.StatusExpired:   orders.PaymentExpired,
}

func (s *Service) notify(ctx context.Context, ev notify.Envelope) {
	if s.Notify != nil {
		s.Notify.Publish(ctx, ev)
	}
}

func reference(kind, id string, err error) error {
	if errors.Is(err, orders.ErrNotFound) {
		return fmt.Errorf("%w: %s %s not found", ErrInvalidReference, kind, id)
	}
	return fmt.Errorf("load %s: %w", kind, err)
}
