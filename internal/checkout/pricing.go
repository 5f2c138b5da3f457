package checkout

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/shopspring/decimal"
)

type Quote struct {
	SubtotalCents int
	ShippingCents int
	DiscountCents int
	TotalCents    int
	WeightGrams   int
}

// Pricing computes order totals. Amounts are integer cents.
type Pricing struct {
	// FreeShippingThresholdCents zeroes shipping from this subtotal on; 0 disables it.
	FreeShippingThresholdCents int
}

// Shipping charges the method's base price for the first kilogram and
// PerKgCents for every started kilogram after it.
func (pr Pricing) Shipping(m orders.ShippingMethod, subtotalCents, weightGrams int) int {
	if pr.FreeShippingThresholdCents > 0 && subtotalCents >= pr.FreeShippingThresholdCents {
		return 0
	}
	kg := (weightGrams + 999) / 1000
	if kg < 1 {
		kg = 1
	}
	return m.BaseCents + (kg-1)*m.PerKgCents
}

// Discount returns the coupon value for subtotal, capped by the coupon's
// max discount and by the subtotal itself.
func (pr Pricing) Discount(c *orders.Coupon, subtotalCents int) (int, error) {
	if c == nil {
		return 0, nil
	}
	v, err := decimal.NewFromString(c.Value)
	if err != nil {
		return 0, fmt.Errorf("coupon %s value %q: %w", c.Code, c.Value, err)
	}
	var d decimal.Decimal
	switch c.Type {
	case orders.CouponPercentage:
		d = decimal.NewFromInt(int64(subtotalCents)).Mul(v).Div(decimal.NewFromInt(100))
	case orders.CouponFixed:
		d = v
	default:
		return 0, fmt.Errorf("coupon %s: unknown type %q", c.Code, c.Type)
	}
	cents := int(d.Round(0).IntPart())
	if cents < 0 {
		cents = 0
	}
	if c.MaxDiscountCents > 0 && cents > c.MaxDiscountCents {
		cents = c.MaxDiscountCents
	}
	if cents > subtotalCents {
		cents = subtotalCents
	}
	return cents, nil
}

func (pr Pricing) Quote(items []orders.OrderItem, weights map[string]int, m orders.ShippingMethod, c *orders.Coupon) (Quote, error) {
	var q Quote
	for _, it := range items {
		q.SubtotalCents += it.PriceCents * it.Qty
		q.WeightGrams += weights[it.ProductID] * it.Qty
	}
	q.ShippingCents = pr.Shipping(m, q.SubtotalCents, q.WeightGrams)
	d, err := pr.Discount(c, q.SubtotalCents)
	if err != nil {
		return Quote{}, err
	}
	q.DiscountCents = d
	q.TotalCents = q.SubtotalCents + q.ShippingCents - q.DiscountCents
	return q, nil
}

// usable reports why a coupon cannot be applied, or "" when it can.
func usable(c *orders.Coupon, subtotalCents int, now time.Time) string {
	switch {
	case !c.Active:
		return "inactive"
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return "expired"
	case c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit:
		return "usage limit reached"
	case subtotalCents < c.MinOrderCents:
		return fmt.Sprintf("minimum order %d cents", c.MinOrderCents)
	}
	return ""
}
