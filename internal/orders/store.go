package orders

import (
	"context"
	"time"
)

// Store is the single source of truth. Everything that pairs a stock
// mutation with a status mutation goes through WithTx.
//
// Lock order inside a transaction: coupon -> products for order placement;
// order -> payments -> products everywhere else.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]OrderItem, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	ListPayments(ctx context.Context, orderID string) ([]Payment, error)
	// FindPaymentByCharge matches chargeId first, then the gateway order id.
	FindPaymentByCharge(ctx context.Context, chargeID string) (*Payment, error)
	ListProducts(ctx context.Context) ([]Product, error)

	// PIX payments in PENDING/WAITING still holding stock and created before cutoff.
	ListExpiredPixPayments(ctx context.Context, cutoff time.Time, limit int) ([]Payment, error)
	// PENDING orders whose first payment attempt happened before cutoff.
	ListOverdueOrders(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)

	SaveWebhookEvent(ctx context.Context, ev *WebhookEvent) error
	MarkWebhookEvent(ctx context.Context, id string, processedAt time.Time, procErr string) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
}

// Tx is the set of operations available inside one atomic step.
type Tx interface {
	// LockProducts locks the given rows in id order and returns them by id.
	LockProducts(ctx context.Context, ids []string) (map[string]Product, error)
	// DecrementStock subtracts qty only if stock >= qty; false means nothing changed.
	DecrementStock(ctx context.Context, productID string, qty int) (bool, error)
	IncrementStock(ctx context.Context, productID string, qty int) error

	// LastOrderSequence returns the highest sequence already used for prefix-year,
	// serialising concurrent callers for the same year until the tx ends.
	LastOrderSequence(ctx context.Context, prefix string, year int) (int, error)

	GetCustomer(ctx context.Context, userID string) (*Customer, error)
	GetAddress(ctx context.Context, userID, addressID string) (*Address, error)
	GetShippingMethod(ctx context.Context, id string) (*ShippingMethod, error)
	GetCouponForUpdate(ctx context.Context, code string) (*Coupon, error)
	IncrementCouponUsage(ctx context.Context, code string) error
	ClearCartItems(ctx context.Context, userID string, productIDs []string) (int64, error)

	InsertOrder(ctx context.Context, o *Order, items []OrderItem) error
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	OrderItems(ctx context.Context, orderID string) ([]OrderItem, error)

	InsertPayment(ctx context.Context, p *Payment) error
	GetPaymentForUpdate(ctx context.Context, id string) (*Payment, error)
	PaymentsForUpdate(ctx context.Context, orderID string) ([]Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
}
