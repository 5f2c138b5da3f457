package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/memory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *memory.Store
	gw    *gateway.Sandbox
	notes *notify.Memory
	clock *clock
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	s := memory.New()
	s.SeedProduct(orders.Product{ID: "p1", Name: "Mug", Stock: 1, PriceCents: 5000, WeightGrams: 400})
	s.SeedProduct(orders.Product{ID: "p2", Name: "Tee", Stock: 10, PriceCents: 2500, WeightGrams: 1500})
	s.SeedCustomer(orders.Customer{ID: "u1", Name: "Ana", Email: "ana@example.com", TaxID: "12345678909", Phone: "11999998888"})
	s.SeedAddress(orders.Address{ID: "a1", UserID: "u1", Street: "Rua A", Number: "1", City: "Recife", State: "PE", PostalCode: "50000000"})
	s.SeedAddress(orders.Address{ID: "a2", UserID: "someone-else"})
	s.SeedShippingMethod(orders.ShippingMethod{ID: "std", BaseCents: 1000, PerKgCents: 500, Active: true})
	s.SeedShippingMethod(orders.ShippingMethod{ID: "old", BaseCents: 1000, Active: false})
	s.SeedCoupon(orders.Coupon{Code: "HALF", Type: orders.CouponPercentage, Value: "50", MaxDiscountCents: 1000, Active: true})
	s.SeedCoupon(orders.Coupon{Code: "ONCE", Type: orders.CouponFixed, Value: "500", UsageLimit: 1, UsedCount: 1, Active: true})
	s.SeedCartItem("u1", "p1", 1)
	s.SeedCartItem("u1", "p2", 3)

	notes := &notify.Memory{}
	ledger := &inventory.Ledger{Now: clk.Now}
	engine := &reconcile.Engine{
		Ledger:        ledger,
		Notify:        notes,
		Now:           clk.Now,
		PaymentWindow: 24 * time.Hour,
		Producer:      "test",
	}
	gw := gateway.NewSandbox()
	return &fixture{
		store: s,
		gw:    gw,
		notes: notes,
		clock: clk,
		svc: &Service{
			Store:          s,
			Ledger:         ledger,
			Gateway:        gw,
			Engine:         engine,
			Notify:         notes,
			Validate:       NewValidator(),
			Pricing:        Pricing{FreeShippingThresholdCents: 29900},
			Now:            clk.Now,
			NumberPrefix:   "NSR",
			PixExpiration:  15 * time.Minute,
			GatewayTimeout: time.Second,
			Producer:       "test",
		},
	}
}

func pixOrder(items ...LineItem) PlaceOrderRequest {
	return PlaceOrderRequest{
		UserID: "u1", AddressID: "a1", ShippingMethodID: "std",
		PaymentMethod: orders.MethodPix, Items: items,
	}
}

func card() *gateway.Card {
	return &gateway.Card{Encrypted: "blob", SecurityCode: "123", HolderName: "ANA"}
}

func TestPlacePixOrderReservesStock(t *testing.T) {
	f := newFixture(t)
	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p1", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}

	if f.store.Stock("p1") != 0 {
		t.Fatalf("stock = %d, want 0", f.store.Stock("p1"))
	}
	p := placed.Payment
	if !p.StockReserved || p.Status != orders.PaymentWaiting || p.GatewayOrderID == "" || p.QRCodeText == "" {
		t.Fatalf("payment: %+v", p)
	}
	if placed.Order.Status != orders.StatusPending || placed.Order.PaymentStatus != orders.PaymentWaiting {
		t.Fatalf("order: %+v", placed.Order)
	}
	if placed.Order.Number != "NSR-2026-0001" {
		t.Fatalf("number = %s", placed.Order.Number)
	}
	if placed.Order.FirstPaymentAttemptAt == nil {
		t.Fatal("first payment attempt not recorded")
	}
	if f.store.CartQty("u1", "p1") != 0 || f.store.CartQty("u1", "p2") != 3 {
		t.Fatal("cart not cleared for ordered products only")
	}
	if got := len(f.notes.OfType(notify.EventOrderConfirmation)); got != 1 {
		t.Fatalf("confirmations = %d", got)
	}

	stored, _ := f.store.GetPayment(context.Background(), p.ID)
	if stored.Status != orders.PaymentWaiting || stored.QRExpiresAt == nil {
		t.Fatalf("stored payment: %+v", stored)
	}
}

func TestPlaceOrderFreezesItems(t *testing.T) {
	f := newFixture(t)
	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p2", Qty: 2}))
	if err != nil {
		t.Fatal(err)
	}
	f.store.SeedProduct(orders.Product{ID: "p2", Name: "Tee v2", Stock: 8, PriceCents: 9999})

	items, _ := f.store.GetOrderItems(context.Background(), placed.Order.ID)
	if len(items) != 1 || items[0].Name != "Tee" || items[0].PriceCents != 2500 || items[0].Qty != 2 {
		t.Fatalf("items: %+v", items)
	}
}

func TestPlaceCardOrderPaidCommits(t *testing.T) {
	f := newFixture(t)
	req := pixOrder(LineItem{ProductID: "p2", Qty: 2})
	req.PaymentMethod = orders.MethodCreditCard
	req.Card = card()

	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	p := placed.Payment
	if p.Status != orders.PaymentPaid || !p.StockReserved || p.StockCommittedAt == nil || p.ChargeID == "" {
		t.Fatalf("payment: %+v", p)
	}
	if placed.Order.Status != orders.StatusConfirmed {
		t.Fatalf("order status = %s", placed.Order.Status)
	}
	if f.store.Stock("p2") != 8 {
		t.Fatalf("stock = %d, want 8", f.store.Stock("p2"))
	}
	if got := len(f.notes.OfType(notify.EventOrderStatusUpdate)); got != 1 {
		t.Fatalf("status updates = %d", got)
	}
}

func TestCouponDiscountIsCapped(t *testing.T) {
	f := newFixture(t)
	req := pixOrder(LineItem{ProductID: "p2", Qty: 4})
	req.CouponCode = "HALF"

	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	o := placed.Order
	if o.SubtotalCents != 10000 || o.DiscountCents != 1000 {
		t.Fatalf("subtotal=%d discount=%d", o.SubtotalCents, o.DiscountCents)
	}
	// 6kg: base + 5 extra kilos
	if o.ShippingCents != 3500 || o.TotalCents != 12500 {
		t.Fatalf("shipping=%d total=%d", o.ShippingCents, o.TotalCents)
	}
	if o.CouponCode != "HALF" {
		t.Fatalf("coupon = %q", o.CouponCode)
	}
}

func TestConcurrentOrdersGetDistinctNumbers(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	numbers := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p2", Qty: 1}))
			errs[i] = err
			if err == nil {
				numbers[i] = placed.Order.Number
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	got := map[string]bool{numbers[0]: true, numbers[1]: true}
	if !got["NSR-2026-0001"] || !got["NSR-2026-0002"] {
		t.Fatalf("numbers = %v", numbers)
	}
}

func TestOrderNumberRestartsEachYear(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p2", Qty: 1})); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(365 * 24 * time.Hour)
	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p2", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if placed.Order.Number != "NSR-2027-0001" {
		t.Fatalf("number = %s", placed.Order.Number)
	}
}

func TestInsufficientStockEnumeratesAndMutatesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.PlaceOrder(context.Background(), pixOrder(
		LineItem{ProductID: "p1", Qty: 2},
		LineItem{ProductID: "p2", Qty: 11},
	))
	var ise *inventory.InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("want InsufficientStockError, got %v", err)
	}
	if len(ise.Details) != 2 {
		t.Fatalf("details: %+v", ise.Details)
	}
	if f.store.Stock("p1") != 1 || f.store.Stock("p2") != 10 || f.store.CartQty("u1", "p1") != 1 {
		t.Fatal("rejected order mutated state")
	}
	if len(f.gw.Requests()) != 0 {
		t.Fatal("gateway called for a rejected order")
	}
}

func TestInvalidReferences(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*PlaceOrderRequest){
		"foreign address":   func(r *PlaceOrderRequest) { r.AddressID = "a2" },
		"unknown address":   func(r *PlaceOrderRequest) { r.AddressID = "nope" },
		"inactive shipping": func(r *PlaceOrderRequest) { r.ShippingMethodID = "old" },
		"unknown coupon":    func(r *PlaceOrderRequest) { r.CouponCode = "NOPE" },
		"used up coupon":    func(r *PlaceOrderRequest) { r.CouponCode = "ONCE" },
		"unknown product":   func(r *PlaceOrderRequest) { r.Items = []LineItem{{ProductID: "ghost", Qty: 1}} },
		"unknown customer":  func(r *PlaceOrderRequest) { r.UserID = "ghost" },
	}
	for name, mutate := range cases {
		req := pixOrder(LineItem{ProductID: "p2", Qty: 1})
		mutate(&req)
		if _, err := f.svc.PlaceOrder(context.Background(), req); !errors.Is(err, ErrInvalidReference) {
			t.Errorf("%s: want ErrInvalidReference, got %v", name, err)
		}
	}
	if f.store.Stock("p2") != 10 {
		t.Fatalf("stock = %d", f.store.Stock("p2"))
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]PlaceOrderRequest{
		"no items":       pixOrder(),
		"zero qty":       pixOrder(LineItem{ProductID: "p1", Qty: 0}),
		"card missing":   {UserID: "u1", AddressID: "a1", ShippingMethodID: "std", PaymentMethod: orders.MethodCreditCard, Items: []LineItem{{ProductID: "p1", Qty: 1}}},
		"unknown method": {UserID: "u1", AddressID: "a1", ShippingMethodID: "std", PaymentMethod: "BOLETO", Items: []LineItem{{ProductID: "p1", Qty: 1}}},
	}
	for name, req := range cases {
		_, err := f.svc.PlaceOrder(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: want ErrInvalidRequest, got %v", name, err)
			continue
		}
		if len(FieldErrors(err)) == 0 {
			t.Errorf("%s: no field errors", name)
		}
	}
}

func TestGatewayFailureDeclinesAndReleases(t *testing.T) {
	f := newFixture(t)
	f.gw.Fail = func(gateway.ChargeRequest) error { return fmt.Errorf("%w: deadline", gateway.ErrTimeout) }

	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p1", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}
	p := placed.Payment
	if p.Status != orders.PaymentDeclined || p.StockReserved || p.StockReleasedAt == nil || p.FailureReason == "" {
		t.Fatalf("payment: %+v", p)
	}
	if placed.Order.Status != orders.StatusPending {
		t.Fatalf("order status = %s", placed.Order.Status)
	}
	if f.store.Stock("p1") != 1 {
		t.Fatalf("stock = %d, want 1", f.store.Stock("p1"))
	}
}

func TestPayRetriesAfterDecline(t *testing.T) {
	f := newFixture(t)
	f.gw.CardStatus = orders.PaymentDeclined
	req := pixOrder(LineItem{ProductID: "p1", Qty: 1})
	req.PaymentMethod = orders.MethodCreditCard
	req.Card = card()

	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if placed.Payment.Status != orders.PaymentDeclined || f.store.Stock("p1") != 1 {
		t.Fatalf("first attempt: %+v stock=%d", placed.Payment, f.store.Stock("p1"))
	}

	retry, err := f.svc.Pay(context.Background(), placed.Order.ID, PayRequest{PaymentMethod: orders.MethodPix})
	if err != nil {
		t.Fatal(err)
	}
	if retry.Payment.ID == placed.Payment.ID || retry.Payment.Status != orders.PaymentWaiting || !retry.Payment.StockReserved {
		t.Fatalf("retry payment: %+v", retry.Payment)
	}
	if f.store.Stock("p1") != 0 {
		t.Fatalf("stock = %d, want 0", f.store.Stock("p1"))
	}
	if !retry.Order.FirstPaymentAttemptAt.Equal(*placed.Order.FirstPaymentAttemptAt) {
		t.Fatal("retry moved the payment window")
	}

	if _, err := f.svc.Pay(context.Background(), placed.Order.ID, PayRequest{PaymentMethod: orders.MethodPix}); !errors.Is(err, ErrPaymentInFlight) {
		t.Fatalf("want ErrPaymentInFlight, got %v", err)
	}
	payments, _ := f.store.ListPayments(context.Background(), placed.Order.ID)
	if len(payments) != 2 {
		t.Fatalf("payments = %d", len(payments))
	}
}

func TestPayRejectsClosedOrder(t *testing.T) {
	f := newFixture(t)
	req := pixOrder(LineItem{ProductID: "p2", Qty: 1})
	req.PaymentMethod = orders.MethodCreditCard
	req.Card = card()
	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Pay(context.Background(), placed.Order.ID, PayRequest{PaymentMethod: orders.MethodPix}); !errors.Is(err, ErrOrderClosed) {
		t.Fatalf("want ErrOrderClosed, got %v", err)
	}
}

func TestCancelOrderReleasesOpenPayment(t *testing.T) {
	f := newFixture(t)
	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p1", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.UpdateStatus(context.Background(), placed.Order.ID, orders.StatusCancelled, "")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusCancelled {
		t.Fatalf("order status = %s", o.Status)
	}
	p, _ := f.store.GetPayment(context.Background(), placed.Payment.ID)
	if p.Status != orders.PaymentCanceled || p.StockReserved {
		t.Fatalf("payment: %+v", p)
	}
	if f.store.Stock("p1") != 1 {
		t.Fatalf("stock = %d, want 1", f.store.Stock("p1"))
	}
}

func TestUpdateStatusFollowsTable(t *testing.T) {
	f := newFixture(t)
	req := pixOrder(LineItem{ProductID: "p2", Qty: 1})
	req.PaymentMethod = orders.MethodCreditCard
	req.Card = card()
	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := f.svc.UpdateStatus(ctx, placed.Order.ID, orders.StatusDelivered, ""); !errors.Is(err, orders.ErrIllegalTransition) {
		t.Fatalf("want ErrIllegalTransition, got %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, placed.Order.ID, orders.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.UpdateStatus(ctx, placed.Order.ID, orders.StatusShipped, "BR123456789")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusShipped || o.TrackingCode != "BR123456789" {
		t.Fatalf("order: %+v", o)
	}

	updates := f.notes.OfType(notify.EventOrderStatusUpdate)
	last := updates[len(updates)-1]
	if last.CorrelationID != placed.Order.ID {
		t.Fatalf("last update for %s", last.CorrelationID)
	}
}

// stalledGateway answers CreateCharge only when its context is done.
type stalledGateway struct{ gateway.Gateway }

func (stalledGateway) CreateCharge(ctx context.Context, _ gateway.ChargeRequest) (*gateway.Result, error) {
	<-ctx.Done()
	err := fmt.Errorf("%w: %v", gateway.ErrTimeout, ctx.Err())
	return &gateway.Result{Status: orders.PaymentDeclined, FailureReason: err.Error()}, err
}

func TestChargeRecordedAfterCallerDeadline(t *testing.T) {
	f := newFixture(t)
	f.svc.Gateway = stalledGateway{}
	f.svc.GatewayTimeout = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	placed, err := f.svc.PlaceOrder(ctx, pixOrder(LineItem{ProductID: "p1", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}

	stored, err := f.store.GetPayment(context.Background(), placed.Payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != orders.PaymentDeclined || stored.StockReserved || stored.FailureReason == "" {
		t.Fatalf("stored payment: status=%s reserved=%v failure=%q", stored.Status, stored.StockReserved, stored.FailureReason)
	}
	if f.store.Stock("p1") != 1 {
		t.Fatalf("stock = %d, want 1", f.store.Stock("p1"))
	}
	o, _ := f.store.GetOrder(context.Background(), placed.Order.ID)
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentDeclined {
		t.Fatalf("order: status=%s payment=%s", o.Status, o.PaymentStatus)
	}
}

func TestExpireOrderReleasesOpenPayment(t *testing.T) {
	f := newFixture(t)
	f.gw.CardStatus = orders.PaymentInAnalysis
	req := pixOrder(LineItem{ProductID: "p1", Qty: 1})
	req.PaymentMethod = orders.MethodCreditCard
	req.Card = card()
	placed, err := f.svc.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if placed.Payment.Status != orders.PaymentInAnalysis || f.store.Stock("p1") != 0 {
		t.Fatalf("placed: %+v stock=%d", placed.Payment, f.store.Stock("p1"))
	}

	o, err := f.svc.UpdateStatus(context.Background(), placed.Order.ID, orders.StatusExpired, "")
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orders.StatusExpired {
		t.Fatalf("order status = %s", o.Status)
	}
	p, _ := f.store.GetPayment(context.Background(), placed.Payment.ID)
	if p.Status != orders.PaymentExpired || p.StockReserved || p.StockReleasedAt == nil {
		t.Fatalf("payment: status=%s reserved=%v", p.Status, p.StockReserved)
	}
	if f.store.Stock("p1") != 1 {
		t.Fatalf("stock = %d, want 1", f.store.Stock("p1"))
	}
	if got := f.gw.Cancelled(); len(got) != 1 || got[0] != placed.Payment.ChargeID {
		t.Fatalf("gateway cancels = %v", got)
	}
}

func TestPendingOrderIsNotConfirmedByHand(t *testing.T) {
	f := newFixture(t)
	placed, err := f.svc.PlaceOrder(context.Background(), pixOrder(LineItem{ProductID: "p1", Qty: 1}))
	if err != nil {
		t.Fatal(err)
	}
	for _, to := range []orders.Status{orders.StatusPaid, orders.StatusConfirmed} {
		if _, err := f.svc.UpdateStatus(context.Background(), placed.Order.ID, to, ""); !errors.Is(err, orders.ErrIllegalTransition) {
			t.Fatalf("%s: want ErrIllegalTransition, got %v", to, err)
		}
	}
	p, _ := f.store.GetPayment(context.Background(), placed.Payment.ID)
	if p.Status != orders.PaymentWaiting || !p.StockReserved || f.store.Stock("p1") != 0 {
		t.Fatalf("payment touched: %+v stock=%d", p, f.store.Stock("p1"))
	}
}
