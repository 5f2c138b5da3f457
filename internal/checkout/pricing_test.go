package checkout

import (
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

func TestShippingBands(t *testing.T) {
	pr := Pricing{FreeShippingThresholdCents: 29900}
	m := orders.ShippingMethod{BaseCents: 1990, PerKgCents: 500}

	cases := []struct {
		name     string
		subtotal int
		grams    int
		want     int
	}{
		{"weightless", 1000, 0, 1990},
		{"first kilo", 1000, 1000, 1990},
		{"started second kilo", 1000, 1001, 2490},
		{"five kilos", 1000, 4500, 1990 + 4*500},
		{"free from threshold", 29900, 9000, 0},
	}
	for _, tc := range cases {
		if got := pr.Shipping(m, tc.subtotal, tc.grams); got != tc.want {
			t.Errorf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}

	if got := (Pricing{}).Shipping(m, 1_000_000, 0); got != 1990 {
		t.Fatalf("threshold 0 must disable free shipping, got %d", got)
	}
}

func TestDiscountCaps(t *testing.T) {
	pr := Pricing{}
	cases := []struct {
		name     string
		coupon   orders.Coupon
		subtotal int
		want     int
	}{
		{"half capped at ten reais", orders.Coupon{Type: orders.CouponPercentage, Value: "50", MaxDiscountCents: 1000}, 10000, 1000},
		{"percentage uncapped", orders.Coupon{Type: orders.CouponPercentage, Value: "10"}, 10000, 1000},
		{"fractional percentage rounds half up", orders.Coupon{Type: orders.CouponPercentage, Value: "12.5"}, 999, 125},
		{"fixed", orders.Coupon{Type: orders.CouponFixed, Value: "1500"}, 10000, 1500},
		{"fixed never exceeds subtotal", orders.Coupon{Type: orders.CouponFixed, Value: "5000"}, 3000, 3000},
	}
	for _, tc := range cases {
		got, err := pr.Discount(&tc.coupon, tc.subtotal)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}

	if _, err := pr.Discount(&orders.Coupon{Type: orders.CouponFixed, Value: "abc"}, 100); err == nil {
		t.Fatal("expected error for malformed value")
	}
}

func TestCouponUsable(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	cases := []struct {
		coupon orders.Coupon
		ok     bool
	}{
		{orders.Coupon{Active: true}, true},
		{orders.Coupon{Active: false}, false},
		{orders.Coupon{Active: true, ExpiresAt: &past}, false},
		{orders.Coupon{Active: true, UsageLimit: 2, UsedCount: 2}, false},
		{orders.Coupon{Active: true, MinOrderCents: 5001}, false},
	}
	for i, tc := range cases {
		if got := usable(&tc.coupon, 5000, now) == ""; got != tc.ok {
			t.Errorf("case %d: usable=%v want %v", i, got, tc.ok)
		}
	}
}
