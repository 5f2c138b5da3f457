package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

func pixRequest() ChargeRequest {
	return ChargeRequest{
		Order:    orders.Order{ID: "o-1", Number: "NSR-2026-0001", TotalCents: 4990},
		Items:    []orders.OrderItem{{ProductID: "p1", Name: "Mug", Qty: 1, PriceCents: 4990}},
		Customer: orders.Customer{Name: "Ana", Email: "ana@example.com", TaxID: "123.456.789-09", Phone: "(11) 99999-8888"},
		Method:   orders.MethodPix,
		PixExpiresAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		NotificationURL: "https://shop.example/webhooks/pagbank",
	}
}

func TestCreatePixCharge(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = io.WriteString(w, `{"id":"ORDE_1","qr_codes":[{"id":"QRCO_1","text":"000201","expiration_date":"2026-01-02T03:04:05-03:00",
			"links":[{"rel":"QRCODE.BASE64","href":"https://x/b64"},{"rel":"QRCODE.PNG","href":"https://x/png"}]}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", time.Second, nil, nil)
	res, err := c.CreateCharge(context.Background(), pixRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.PaymentWaiting || res.GatewayOrderID != "ORDE_1" || res.ChargeID != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.QRCodeText != "000201" || res.QRCodeURL != "https://x/png" || res.QRExpiresAt == nil {
		t.Fatalf("qr fields: %+v", res)
	}
	if _, ok := got["charges"]; ok {
		t.Fatal("pix request must not carry charges")
	}
	qr := got["qr_codes"].([]any)[0].(map[string]any)
	if qr["amount"].(map[string]any)["value"].(float64) != 4990 {
		t.Fatalf("qr amount: %v", qr)
	}
	cust := got["customer"].(map[string]any)
	if cust["tax_id"] != "12345678909" {
		t.Fatalf("tax id not normalised: %v", cust["tax_id"])
	}
	ph := cust["phones"].([]any)[0].(map[string]any)
	if ph["area"] != "11" || ph["number"] != "999998888" {
		t.Fatalf("phone: %v", ph)
	}
}

func TestCreateCardChargeDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), `"installments":3`) || !strings.Contains(string(b), `"capture":true`) {
			t.Errorf("card body: %s", b)
		}
		_, _ = io.WriteString(w, `{"id":"ORDE_2","charges":[{"id":"CHAR_2","status":"DECLINED","payment_response":{"code":"20007","message":"NAO AUTORIZADO"}}]}`)
	}))
	defer srv.Close()

	req := pixRequest()
	req.Method = orders.MethodCreditCard
	req.Card = &Card{Encrypted: "blob", SecurityCode: "123", HolderName: "ANA", Installments: 3}

	res, err := NewClient(srv.URL, "tok", time.Second, nil, nil).CreateCharge(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.PaymentDeclined || res.ChargeID != "CHAR_2" || res.FailureReason != "NAO AUTORIZADO" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreateChargeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error_messages":[{"code":"40002","description":"invalid_parameter"}]}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "tok", time.Second, nil, nil).CreateCharge(context.Background(), pixRequest())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if res == nil || res.Status != orders.PaymentDeclined || !strings.Contains(res.FailureReason, "invalid_parameter") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCreateChargeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res, err := NewClient(srv.URL, "tok", 50*time.Millisecond, nil, nil).CreateCharge(context.Background(), pixRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if res.Status != orders.PaymentDeclined {
		t.Fatalf("timeout result status = %s", res.Status)
	}
}

func TestGetChargeFallsBackToOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/charges/ORDE_3":
			w.WriteHeader(http.StatusNotFound)
		case "/orders/ORDE_3":
			_, _ = io.WriteString(w, `{"id":"ORDE_3","charges":[{"id":"CHAR_3","status":"paid"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL, "tok", time.Second, nil, nil).GetCharge(context.Background(), "ORDE_3")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != orders.PaymentPaid || res.ChargeID != "CHAR_3" || res.GatewayOrderID != "ORDE_3" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]orders.PaymentStatus{
		"PAID":        orders.PaymentPaid,
		"paid":        orders.PaymentPaid,
		" Declined ":  orders.PaymentDeclined,
		"CANCELLED":   orders.PaymentCanceled,
		"IN_ANALYSIS": orders.PaymentInAnalysis,
	}
	for raw, want := range cases {
		if got, ok := MapStatus(raw); !ok || got != want {
			t.Errorf("MapStatus(%q) = %s,%v want %s", raw, got, ok, want)
		}
	}
	if got, ok := MapStatus("CHARGEBACK_DISPUTE"); ok || got != orders.PaymentPending {
		t.Fatalf("unknown status mapped to %s,%v", got, ok)
	}
}

func TestRedact(t *testing.T) {
	in := `{"charges":[{"payment_method":{"card":{"encrypted":"SECRET","security_code":"123","holder":{"name":"ANA"}}}}]}`
	out := Redact([]byte(in))
	if strings.Contains(out, "SECRET") || strings.Contains(out, `"123"`) {
		t.Fatalf("secrets leaked: %s", out)
	}
	if !strings.Contains(out, Redacted) || !strings.Contains(out, "ANA") {
		t.Fatalf("unexpected redaction: %s", out)
	}
	if Redact([]byte("not json")) != Redacted {
		t.Fatal("non-json body must be dropped")
	}
}
