// Package memory is an in-process orders.Store used for local runs
// (STORE_DRIVER=memory) and service tests. Every transaction holds a single
// lock and works on a copy of the state, so commits are atomic and
// transactions are serialisable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

type state struct {
	products  map[string]orders.Product
	customers map[string]orders.Customer
	addresses map[string]orders.Address
	shipping  map[string]orders.ShippingMethod
	coupons   map[string]orders.Coupon
	carts     map[string]map[string]int // user -> product -> qty
	orders    map[string]orders.Order
	items     map[string][]orders.OrderItem
	payments  map[string]orders.Payment
	webhooks  map[string]orders.WebhookEvent
}

func newState() *state {
	return &state{
		products:  map[string]orders.Product{},
		customers: map[string]orders.Customer{},
		addresses: map[string]orders.Address{},
		shipping:  map[string]orders.ShippingMethod{},
		coupons:   map[string]orders.Coupon{},
		carts:     map[string]map[string]int{},
		orders:    map[string]orders.Order{},
		items:     map[string][]orders.OrderItem{},
		payments:  map[string]orders.Payment{},
		webhooks:  map[string]orders.WebhookEvent{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.shipping {
		c.shipping[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for u, cart := range s.carts {
		m := make(map[string]int, len(cart))
		for k, v := range cart {
			m[k] = v
		}
		c.carts[u] = m
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]orders.OrderItem(nil), v...)
	}
	for k, v := range s.payments {
		v.Metadata = v.Metadata.Clone()
		c.payments[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state

	// FailTx, when set, is consulted at the start of every transaction.
	FailTx func() error
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTx != nil {
		if err := s.FailTx(); err != nil {
			return err
		}
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &o, nil
}

func (s *Store) GetOrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.OrderItem(nil), s.st.items[orderID]...), nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	p.Metadata = p.Metadata.Clone()
	return &p, nil
}

func (s *Store) ListPayments(_ context.Context, orderID string) ([]orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.paymentsOf(orderID), nil
}

func (s *Store) FindPaymentByCharge(_ context.Context, chargeID string) (*orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chargeID == "" {
		return nil, orders.ErrNotFound
	}
	var byOrder *orders.Payment
	for _, p := range s.st.payments {
		if p.ChargeID == chargeID {
			p.Metadata = p.Metadata.Clone()
			return &p, nil
		}
		if p.GatewayOrderID == chargeID && (byOrder == nil || p.CreatedAt.After(byOrder.CreatedAt)) {
			cp := p
			byOrder = &cp
		}
	}
	if byOrder == nil {
		return nil, orders.ErrNotFound
	}
	byOrder.Metadata = byOrder.Metadata.Clone()
	return byOrder, nil
}

func (s *Store) ListProducts(_ context.Context) ([]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) ListExpiredPixPayments(_ context.Context, cutoff time.Time, limit int) ([]orders.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Payment
	for _, p := range s.st.payments {
		if p.Method != orders.MethodPix || !p.HoldsReservation() || !p.CreatedAt.Before(cutoff) {
			continue
		}
		if p.Status != orders.PaymentPending && p.Status != orders.PaymentWaiting {
			continue
		}
		p.Metadata = p.Metadata.Clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListOverdueOrders(_ context.Context, cutoff time.Time, limit int) ([]orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orders.Order
	for _, o := range s.st.orders {
		if o.Status == orders.StatusPending && o.FirstPaymentAttemptAt != nil && o.FirstPaymentAttemptAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstPaymentAttemptAt.Before(*out[j].FirstPaymentAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveWebhookEvent(_ context.Context, ev *orders.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.webhooks[ev.ID]; ok {
		return fmt.Errorf("webhook event %s already stored", ev.ID)
	}
	s.st.webhooks[ev.ID] = *ev
	return nil
}

func (s *Store) MarkWebhookEvent(_ context.Context, id string, processedAt time.Time, procErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.webhooks[id]
	if !ok {
		return orders.ErrNotFound
	}
	ev.ProcessedAt = &processedAt
	ev.Error = procErr
	s.st.webhooks[id] = ev
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, id string) (*orders.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.st.webhooks[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &ev, nil
}

// WebhookEvents returns every stored event; used by tests and the demo CLI.
func (s *Store) WebhookEvents() []orders.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.WebhookEvent, 0, len(s.st.webhooks))
	for _, ev := range s.st.webhooks {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Stock returns the current stock of a product, or -1 when unknown.
func (s *Store) Stock(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[productID]
	if !ok {
		return -1
	}
	return p.Stock
}

// CartQty returns the quantity of a product in a user's cart.
func (s *Store) CartQty(userID, productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.carts[userID][productID]
}

func (st *state) paymentsOf(orderID string) []orders.Payment {
	var out []orders.Payment
	for _, p := range st.payments {
		if p.OrderID == orderID {
			p.Metadata = p.Metadata.Clone()
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type tx struct{ st *state }

func (t *tx) LockProducts(_ context.Context, ids []string) (map[string]orders.Product, error) {
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (t *tx) DecrementStock(_ context.Context, productID string, qty int) (bool, error) {
	p, ok := t.st.products[productID]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return true, nil
}

func (t *tx) IncrementStock(_ context.Context, productID string, qty int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("increment stock %s: %w", productID, orders.ErrNotFound)
	}
	p.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return nil
}

func (t *tx) LastOrderSequence(_ context.Context, prefix string, year int) (int, error) {
	head := fmt.Sprintf("%s-%d-", prefix, year)
	last := 0
	for _, o := range t.st.orders {
		if !strings.HasPrefix(o.Number, head) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimPrefix(o.Number, head), "%d", &n); err == nil && n > last {
			last = n
		}
	}
	return last, nil
}

func (t *tx) GetCustomer(_ context.Context, userID string) (*orders.Customer, error) {
	c, ok := t.st.customers[userID]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &c, nil
}

func (t *tx) GetAddress(_ context.Context, userID, addressID string) (*orders.Address, error) {
	a, ok := t.st.addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, orders.ErrNotFound
	}
	return &a, nil
}

func (t *tx) GetShippingMethod(_ context.Context, id string) (*orders.ShippingMethod, error) {
	m, ok := t.st.shipping[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &m, nil
}

func (t *tx) GetCouponForUpdate(_ context.Context, code string) (*orders.Coupon, error) {
	c, ok := t.st.coupons[code]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &c, nil
}

func (t *tx) IncrementCouponUsage(_ context.Context, code string) error {
	c, ok := t.st.coupons[code]
	if !ok {
		return orders.ErrNotFound
	}
	c.UsedCount++
	t.st.coupons[code] = c
	return nil
}

func (t *tx) ClearCartItems(_ context.Context, userID string, productIDs []string) (int64, error) {
	cart := t.st.carts[userID]
	var n int64
	for _, id := range productIDs {
		if _, ok := cart[id]; ok {
			delete(cart, id)
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order, items []orders.OrderItem) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	for _, x := range t.st.orders {
		if x.Number == o.Number {
			return fmt.Errorf("%w: %s", orders.ErrDuplicateNumber, o.Number)
		}
	}
	t.st.orders[o.ID] = *o
	cp := make([]orders.OrderItem, len(items))
	for i, it := range items {
		it.OrderID = o.ID
		cp[i] = it
	}
	t.st.items[o.ID] = cp
	return nil
}

func (t *tx) GetOrderForUpdate(_ context.Context, id string) (*orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return &o, nil
}

func (t *tx) UpdateOrder(_ context.Context, o *orders.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return orders.ErrNotFound
	}
	t.st.orders[o.ID] = *o
	return nil
}

func (t *tx) OrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	return append([]orders.OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *tx) InsertPayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.ID]; ok {
		return fmt.Errorf("payment %s already exists", p.ID)
	}
	if err := t.checkCharge(p); err != nil {
		return err
	}
	cp := *p
	cp.Metadata = p.Metadata.Clone()
	t.st.payments[p.ID] = cp
	return nil
}

func (t *tx) GetPaymentForUpdate(_ context.Context, id string) (*orders.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	p.Metadata = p.Metadata.Clone()
	return &p, nil
}

func (t *tx) PaymentsForUpdate(_ context.Context, orderID string) ([]orders.Payment, error) {
	return t.st.paymentsOf(orderID), nil
}

func (t *tx) UpdatePayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return orders.ErrNotFound
	}
	if err := t.checkCharge(p); err != nil {
		return err
	}
	cp := *p
	cp.Metadata = p.Metadata.Clone()
	t.st.payments[p.ID] = cp
	return nil
}

func (t *tx) checkCharge(p *orders.Payment) error {
	if p.ChargeID == "" {
		return nil
	}
	for id, x := range t.st.payments {
		if id != p.ID && x.ChargeID == p.ChargeID {
			return fmt.Errorf("charge %s already bound to payment %s", p.ChargeID, id)
		}
	}
	return nil
}
