package memory

import (
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

func (s *Store) SeedProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.st.products[p.ID] = p
}

func (s *Store) SeedCustomer(c orders.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.customers[c.ID] = c
}

func (s *Store) SeedAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.addresses[a.ID] = a
}

func (s *Store) SeedShippingMethod(m orders.ShippingMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.shipping[m.ID] = m
}

func (s *Store) SeedCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.coupons[c.Code] = c
}

func (s *Store) SeedCartItem(userID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.carts[userID] == nil {
		s.st.carts[userID] = map[string]int{}
	}
	s.st.carts[userID][productID] = qty
}

// Demo returns a store with a small catalogue, one customer and two shipping methods.
func Demo() *Store {
	s := New()
	s.SeedProduct(orders.Product{ID: "p-mug", SKU: "MUG-001", Name: "Caneca Noturna", Stock: 25, PriceCents: 4990, WeightGrams: 400})
	s.SeedProduct(orders.Product{ID: "p-tee", SKU: "TEE-001", Name: "Camiseta Lua", Stock: 40, PriceCents: 8990, WeightGrams: 250})
	s.SeedProduct(orders.Product{ID: "p-print", SKU: "PRT-001", Name: "Poster A2", Stock: 3, PriceCents: 12900, WeightGrams: 1200})
	s.SeedCustomer(orders.Customer{ID: "u-demo", Name: "Ana Souza", Email: "ana@example.com", TaxID: "12345678909", Phone: "11999998888"})
	s.SeedAddress(orders.Address{ID: "a-demo", UserID: "u-demo", Street: "Rua das Flores", Number: "100",
		District: "Centro", City: "Sao Paulo", State: "SP", PostalCode: "01001000"})
	s.SeedShippingMethod(orders.ShippingMethod{ID: "standard", Name: "PAC", BaseCents: 1990, PerKgCents: 500, EstimatedDays: 7, Active: true})
	s.SeedShippingMethod(orders.ShippingMethod{ID: "express", Name: "SEDEX", BaseCents: 3490, PerKgCents: 900, EstimatedDays: 2, Active: true})
	s.SeedCoupon(orders.Coupon{Code: "BEMVINDO", Type: orders.CouponPercentage, Value: "10", MaxDiscountCents: 2000, Active: true})
	return s
}

// SeedOrder stores an order with its items as-is; no stock moves.
func (s *Store) SeedOrder(o orders.Order, items []orders.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.orders[o.ID] = o
	cp := make([]orders.OrderItem, len(items))
	for i, it := range items {
		it.OrderID = o.ID
		cp[i] = it
	}
	s.st.items[o.ID] = cp
}

// SeedPayment stores a payment as-is; no stock moves.
func (s *Store) SeedPayment(p orders.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Metadata = p.Metadata.Clone()
	s.st.payments[p.ID] = p
}
