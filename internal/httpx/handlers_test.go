package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-checkout-reconciler/internal/checkout"
	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/httpx"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/memory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/notify"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
	"github.com/ariefcatur/go-checkout-reconciler/internal/redisx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type server struct {
	store *memory.Store
	gw    *gateway.Sandbox
	mr    *miniredis.Miniredis
	h     http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := memory.Demo()
	gw := gateway.NewSandbox()
	mr := miniredis.RunT(t)
	cache := &redisx.StatusCache{R: redis.NewClient(&redis.Options{Addr: mr.Addr()})}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ledger := &inventory.Ledger{Metrics: m}
	engine := &reconcile.Engine{
		Ledger: ledger, Notify: notify.Nop, Cache: cache, Metrics: m,
		PaymentWindow: 24 * time.Hour, Producer: "test",
	}
	svc := &checkout.Service{
		Store: store, Ledger: ledger, Gateway: gw, Engine: engine, Notify: notify.Nop,
		Validate: checkout.NewValidator(), NumberPrefix: "NSR",
		PixExpiration: 15 * time.Minute, GatewayTimeout: time.Second, Producer: "test",
	}
	rec := &reconcile.Reconciler{Store: store, Engine: engine, Gateway: gw, Metrics: m}

	r := httpx.NewRouter(nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	(&httpx.OrdersHandler{Checkout: svc, Store: store, Cache: cache}).Register(r)
	(&httpx.WebhooksHandler{Reconciler: rec}).Register(r)
	return &server{store: store, gw: gw, mr: mr, h: r}
}

func (s *server) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

const pixOrder = `{"user_id":"u-demo","address_id":"a-demo","shipping_method_id":"standard",
	"payment_method":"PIX","items":[{"product_id":"p-print","qty":1}]}`

func placeOrder(t *testing.T, s *server) (orderID, gatewayOrderID string) {
	t.Helper()
	rec, out := s.do(t, http.MethodPost, "/orders", pixOrder)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	order := out["order"].(map[string]any)
	payment := out["payment"].(map[string]any)
	if payment["status"] != "WAITING" || payment["qr_code_text"] == "" {
		t.Fatalf("payment: %v", payment)
	}
	orderID = order["id"].(string)
	return orderID, lastGatewayOrder(t, s, orderID)
}

func lastGatewayOrder(t *testing.T, s *server, orderID string) string {
	t.Helper()
	ps, err := s.store.ListPayments(context.Background(), orderID)
	if err != nil || len(ps) == 0 {
		t.Fatalf("payments: %v %v", ps, err)
	}
	return ps[len(ps)-1].GatewayOrderID
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	if rec, _ := s.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	placeOrder(t, s)
	rec, _ := s.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "stock_movements_total") {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestPlaceOrderAndReadThroughCache(t *testing.T) {
	s := newServer(t)
	orderID, _ := placeOrder(t, s)

	rec, out := s.do(t, http.MethodGet, "/orders/"+orderID, "")
	if rec.Code != http.StatusOK || out["status"] != "PENDING" || rec.Header().Get("X-Cache") != "" {
		t.Fatalf("first read: %d %v", rec.Code, out)
	}
	if !s.mr.Exists("order_status:" + orderID) {
		t.Fatalf("view not cached; keys=%v", s.mr.Keys())
	}
	rec, _ = s.do(t, http.MethodGet, "/orders/"+orderID, "")
	if rec.Header().Get("X-Cache") != "hit" {
		t.Fatal("second read missed the cache")
	}
}

func TestWebhookInvalidatesCachedView(t *testing.T) {
	s := newServer(t)
	orderID, gatewayOrderID := placeOrder(t, s)
	s.do(t, http.MethodGet, "/orders/"+orderID, "")

	chargeID, err := s.gw.SetStatus(gatewayOrderID, "PAID")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(map[string]any{
		"id":      gatewayOrderID,
		"charges": []map[string]any{{"id": chargeID, "status": "PAID"}},
	})
	rec, out := s.do(t, http.MethodPost, "/webhooks/pagbank", string(body))
	if rec.Code != http.StatusOK || out["received"] != true || out["error"] != nil {
		t.Fatalf("webhook: %d %v", rec.Code, out)
	}

	rec, out = s.do(t, http.MethodGet, "/orders/"+orderID, "")
	if rec.Header().Get("X-Cache") == "hit" || out["status"] != "CONFIRMED" {
		t.Fatalf("after webhook: %v", out)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	s := newServer(t)
	rec, out := s.do(t, http.MethodPost, "/webhooks/pagbank", "{broken")
	if rec.Code != http.StatusOK || out["received"] != true || out["error"] == nil {
		t.Fatalf("webhook: %d %v", rec.Code, out)
	}
	if n := len(s.store.WebhookEvents()); n != 1 {
		t.Fatalf("stored events = %d", n)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"invalid json", http.MethodPost, "/orders", "{", http.StatusBadRequest},
		{"validation", http.MethodPost, "/orders", `{"user_id":"u-demo","payment_method":"PIX"}`, http.StatusBadRequest},
		{"insufficient stock", http.MethodPost, "/orders", strings.Replace(pixOrder, `"qty":1`, `"qty":9`, 1), http.StatusBadRequest},
		{"unknown address", http.MethodPost, "/orders", strings.Replace(pixOrder, "a-demo", "a-nope", 1), http.StatusBadRequest},
		{"unknown order", http.MethodGet, "/orders/nope", "", http.StatusNotFound},
		{"unknown payment", http.MethodPost, "/payments/nope/sync", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec, _ := s.do(t, tc.method, tc.path, tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d want %d body=%s", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}

	rec, out := s.do(t, http.MethodPost, "/orders", strings.Replace(pixOrder, `"qty":1`, `"qty":9`, 1))
	details, _ := out["details"].([]any)
	if rec.Code != http.StatusBadRequest || len(details) != 1 {
		t.Fatalf("stock details: %v", out)
	}
}

func TestStatusUpdateConflicts(t *testing.T) {
	s := newServer(t)
	orderID, _ := placeOrder(t, s)

	rec, _ := s.do(t, http.MethodPatch, "/orders/"+orderID+"/status", `{"status":"SHIPPED"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("illegal move = %d", rec.Code)
	}
	rec, _ = s.do(t, http.MethodPost, "/orders/"+orderID+"/payments", `{"payment_method":"PIX"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second payment = %d", rec.Code)
	}
	rec, out := s.do(t, http.MethodPatch, "/orders/"+orderID+"/status", `{"status":"CANCELLED"}`)
	if rec.Code != http.StatusOK || out["status"] != "CANCELLED" {
		t.Fatalf("cancel: %d %v", rec.Code, out)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s := newServer(t)
	orderID, gatewayOrderID := placeOrder(t, s)
	if _, err := s.gw.SetStatus(gatewayOrderID, "PAID"); err != nil {
		t.Fatal(err)
	}
	ps, _ := s.store.ListPayments(context.Background(), orderID)

	rec, out := s.do(t, http.MethodPost, "/payments/"+ps[0].ID+"/sync", "")
	if rec.Code != http.StatusOK || out["to"] != "PAID" || out["order_status"] != "CONFIRMED" {
		t.Fatalf("sync: %d %v", rec.Code, out)
	}
}

func TestListProducts(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	var out []map[string]any
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0]["sku"] != "MUG-001" {
		t.Fatalf("products: %v", out)
	}
}

// invalidatingCache invalidates right after the generation is read, as a
// transition committing during the store read would.
type invalidatingCache struct{ *redisx.StatusCache }

func (c invalidatingCache) Generation(ctx context.Context, orderID string) (int64, error) {
	gen, err := c.StatusCache.Generation(ctx, orderID)
	if err == nil {
		err = c.Invalidate(ctx, orderID)
	}
	return gen, err
}

func TestViewReadAcrossInvalidationIsNotCached(t *testing.T) {
	s := newServer(t)
	orderID, _ := placeOrder(t, s)

	cache := invalidatingCache{&redisx.StatusCache{R: redis.NewClient(&redis.Options{Addr: s.mr.Addr()})}}
	r := httpx.NewRouter(nil, nil)
	(&httpx.OrdersHandler{Store: s.store, Cache: cache}).Register(r)

	req := httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if s.mr.Exists("order_status:" + orderID) {
		t.Fatal("view rendered before the invalidation was cached")
	}
}
