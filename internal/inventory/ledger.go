package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"go.uber.org/zap"
)

// StockRejectedDetail names one product that cannot cover the requested qty.
type StockRejectedDetail struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

// InsufficientStockError is returned before any stock is touched.
type InsufficientStockError struct {
	Details []StockRejectedDetail
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s (required %d, available %d)", d.ProductID, d.Required, d.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// Ledger owns every stock mutation. All methods run inside the caller's
// transaction so the stock change and the payment flag change commit together.
type Ledger struct {
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) log() *zap.Logger {
	if l.Log != nil {
		return l.Log
	}
	return zap.L()
}

// Check locks the products and reports every shortfall without mutating.
func (l *Ledger) Check(ctx context.Context, tx orders.Tx, items []orders.ItemQty) (map[string]orders.Product, error) {
	lines := merge(items)
	ids := make([]string, 0, len(lines))
	for _, it := range lines {
		ids = append(ids, it.ProductID)
	}
	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}

	var rejects []StockRejectedDetail
	for _, it := range lines {
		p, ok := products[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %s: %w", it.ProductID, orders.ErrNotFound)
		}
		if p.Stock < it.Qty {
			rejects = append(rejects, StockRejectedDetail{
				ProductID: it.ProductID, Name: p.Name, Required: it.Qty, Available: p.Stock,
			})
		}
	}
	if len(rejects) > 0 {
		return products, &InsufficientStockError{Details: rejects}
	}
	return products, nil
}

// Reserve decrements stock for every line or returns *InsufficientStockError.
// On error the caller must roll back; partial decrements are never committed.
func (l *Ledger) Reserve(ctx context.Context, tx orders.Tx, items []orders.ItemQty) error {
	products, err := l.Check(ctx, tx, items)
	if err != nil {
		return err
	}
	for _, it := range merge(items) {
		ok, err := tx.DecrementStock(ctx, it.ProductID, it.Qty)
		if err != nil {
			return fmt.Errorf("decrement stock %s: %w", it.ProductID, err)
		}
		if !ok {
			return &InsufficientStockError{Details: []StockRejectedDetail{{
				ProductID: it.ProductID, Required: it.Qty, Available: products[it.ProductID].Stock,
			}}}
		}
	}
	l.Metrics.Stock("reserve")
	return nil
}

// ReservePayment reserves the order lines on behalf of p and flags it.
// A payment that already reserved (or released) once is never reserved again.
func (l *Ledger) ReservePayment(ctx context.Context, tx orders.Tx, p *orders.Payment, items []orders.OrderItem) error {
	if p.StockReserved || p.StockReleasedAt != nil {
		return nil
	}
	if err := l.Reserve(ctx, tx, orders.QtyOf(items)); err != nil {
		return err
	}
	p.StockReserved = true
	return nil
}

// Release returns the reserved stock of p. It is a no-op (false) when p holds
// no reservation or its reservation was committed, so concurrent releasers
// never double-increment.
func (l *Ledger) Release(ctx context.Context, tx orders.Tx, p *orders.Payment, items []orders.OrderItem) (bool, error) {
	if !p.HoldsReservation() {
		l.Metrics.Stock("release_noop")
		return false, nil
	}
	for _, it := range merge(orders.QtyOf(items)) {
		if err := tx.IncrementStock(ctx, it.ProductID, it.Qty); err != nil {
			return false, fmt.Errorf("release stock %s: %w", it.ProductID, err)
		}
	}
	now := l.now()
	p.StockReserved = false
	p.StockReleasedAt = &now
	l.Metrics.Stock("release")
	l.log().Info("stock_released",
		zap.String("payment_id", p.ID),
		zap.String("order_id", p.OrderID),
		zap.Int("lines", len(items)),
	)
	return true, nil
}

// Commit makes the reservation permanent. A payment with no reservation yet
// reserves first; an already committed one is left alone.
func (l *Ledger) Commit(ctx context.Context, tx orders.Tx, p *orders.Payment, items []orders.OrderItem) error {
	if p.StockCommittedAt != nil {
		return nil
	}
	if !p.StockReserved {
		if p.StockReleasedAt != nil {
			return fmt.Errorf("payment %s: reservation already released", p.ID)
		}
		if err := l.ReservePayment(ctx, tx, p, items); err != nil {
			return err
		}
	}
	now := l.now()
	p.StockCommittedAt = &now
	l.Metrics.Stock("commit")
	return nil
}

// merge folds duplicate product lines and sorts by product id.
func merge(items []orders.ItemQty) []orders.ItemQty {
	idx := map[string]int{}
	var out []orders.ItemQty
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok {
			out[i].Qty += it.Qty
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
