package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/ariefcatur/go-checkout-reconciler/internal/metrics"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"go.uber.org/zap"
)

// Client is the HTTP Gateway.
type Client struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
		Log:     log,
		Metrics: m,
	}
}

var _ Gateway = (*Client)(nil)

func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error) {
	body := buildOrder(req)
	var resp orderResp
	status, err := c.do(ctx, "create", http.MethodPost, "/orders", body, &resp)
	if err != nil {
		return failed(err.Error()), err
	}
	if status == http.StatusNotFound {
		err := fmt.Errorf("%w: create returned 404", ErrRejected)
		return failed(err.Error()), err
	}
	if req.Method == orders.MethodPix {
		return pixResult(&resp), nil
	}
	if len(resp.Charges) == 0 {
		err := fmt.Errorf("%w: no charge in response", ErrRejected)
		return failed(err.Error()), err
	}
	return c.chargeResult(resp.ID, &resp.Charges[0]), nil
}

func (c *Client) GetCharge(ctx context.Context, id string) (*Result, error) {
	var ch chargeResp
	status, err := c.do(ctx, "get_charge", http.MethodGet, "/charges/"+id, nil, &ch)
	if err != nil {
		return nil, err
	}
	if status != http.StatusNotFound {
		return c.chargeResult("", &ch), nil
	}

	var o orderResp
	status, err = c.do(ctx, "get_order", http.MethodGet, "/orders/"+id, nil, &o)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("charge %s: %w", id, orders.ErrNotFound)
	}
	if len(o.Charges) == 0 {
		return pixResult(&o), nil
	}
	return c.chargeResult(o.ID, &o.Charges[len(o.Charges)-1]), nil
}

func (c *Client) CancelCharge(ctx context.Context, chargeID string, amountCents int) error {
	body := map[string]any{"amount": amount{Value: amountCents}}
	status, err := c.do(ctx, "cancel", http.MethodPost, "/charges/"+chargeID+"/cancel", body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("charge %s: %w", chargeID, orders.ErrNotFound)
	}
	return nil
}

// do sends one request. A 404 is returned as a status with no error so the
// caller can fall back; other non-2xx answers become ErrRejected.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", op, err)
		}
		payload = b
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log().Debug("gateway_request",
		zap.String("op", op),
		zap.String("path", path),
		zap.String("body", Redact(payload)),
	)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if isTimeout(err) {
			c.Metrics.Gateway(op, "timeout", elapsed)
			c.log().Warn("gateway_timeout", zap.String("op", op), zap.String("path", path))
			return 0, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		c.Metrics.Gateway(op, "error", elapsed)
		c.log().Warn("gateway_transport_error", zap.String("op", op), zap.Error(err))
		return 0, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.Metrics.Gateway(op, "error", elapsed)
		return 0, fmt.Errorf("%w: read body: %v", ErrRejected, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.Metrics.Gateway(op, "not_found", elapsed)
		return resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.Metrics.Gateway(op, "rejected", elapsed)
		msg := describe(raw)
		c.log().Warn("gateway_rejected",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("reason", msg),
		)
		return resp.StatusCode, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, msg)
	}
	c.Metrics.Gateway(op, "ok", elapsed)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode response: %v", ErrRejected, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) chargeResult(orderID string, ch *chargeResp) *Result {
	st, known := MapStatus(ch.Status)
	if !known {
		c.log().Warn("gateway_unknown_status",
			zap.String("charge_id", ch.ID),
			zap.String("status", ch.Status),
		)
	}
	r := &Result{
		ChargeID:       ch.ID,
		GatewayOrderID: orderID,
		Status:         st,
		RawStatus:      ch.Status,
	}
	if st == orders.PaymentDeclined {
		r.FailureReason = ch.PaymentResponse.Message
	}
	return r
}

func (c *Client) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

func pixResult(o *orderResp) *Result {
	r := &Result{GatewayOrderID: o.ID, Status: orders.PaymentWaiting, RawStatus: "WAITING"}
	if len(o.QRCodes) > 0 {
		qr := o.QRCodes[0]
		r.QRCodeText = qr.Text
		for _, l := range qr.Links {
			if strings.EqualFold(l.Rel, "QRCODE.PNG") || r.QRCodeURL == "" {
				r.QRCodeURL = l.Href
			}
		}
		if t, err := time.Parse(time.RFC3339, qr.ExpirationDate); err == nil {
			t = t.UTC()
			r.QRExpiresAt = &t
		}
	}
	return r
}

func buildOrder(req ChargeRequest) orderReq {
	o := orderReq{
		ReferenceID: req.Order.ID,
		Customer: customer{
			Name:  req.Customer.Name,
			Email: req.Customer.Email,
			TaxID: digits(req.Customer.TaxID),
		},
	}
	if p, ok := splitPhone(req.Customer.Phone); ok {
		o.Customer.Phones = []phone{p}
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, item{
			ReferenceID: it.ProductID,
			Name:        it.Name,
			Quantity:    it.Qty,
			UnitAmount:  it.PriceCents,
		})
	}
	if req.NotificationURL != "" {
		o.NotificationURLs = []string{req.NotificationURL}
	}

	if req.Method == orders.MethodPix {
		qr := qrCodeReq{Amount: amount{Value: req.Order.TotalCents}}
		if !req.PixExpiresAt.IsZero() {
			qr.ExpirationDate = req.PixExpiresAt.Format(time.RFC3339)
		}
		o.QRCodes = []qrCodeReq{qr}
		return o
	}

	o.Shipping = &shipping{Address: address{
		Street:     req.Address.Street,
		Number:     req.Address.Number,
		Complement: req.Address.Complement,
		Locality:   req.Address.District,
		City:       req.Address.City,
		RegionCode: req.Address.State,
		Country:    "BRA",
		PostalCode: digits(req.Address.PostalCode),
	}}
	ch := chargeReq{
		ReferenceID: req.Order.ID,
		Description: "Pedido " + req.Order.Number,
		Amount:      amount{Value: req.Order.TotalCents, Currency: "BRL"},
		PaymentMethod: paymentMethod{
			Type:         string(orders.MethodCreditCard),
			Installments: 1,
			Capture:      true,
		},
	}
	if req.Card != nil {
		if req.Card.Installments > 0 {
			ch.PaymentMethod.Installments = req.Card.Installments
		}
		ch.PaymentMethod.Card = card{
			Encrypted:    req.Card.Encrypted,
			SecurityCode: req.Card.SecurityCode,
			Holder:       holder{Name: req.Card.HolderName},
		}
	}
	o.Charges = []chargeReq{ch}
	return o
}

func splitPhone(raw string) (phone, bool) {
	d := digits(raw)
	if len(d) > 11 && strings.HasPrefix(d, "55") {
		d = d[2:]
	}
	if len(d) < 10 {
		return phone{}, false
	}
	return phone{Country: "55", Area: d[:2], Number: d[2:], Type: "MOBILE"}, true
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

func describe(raw []byte) string {
	var e errorResp
	if err := json.Unmarshal(raw, &e); err == nil && len(e.ErrorMessages) > 0 {
		parts := make([]string, 0, len(e.ErrorMessages))
		for _, m := range e.ErrorMessages {
			parts = append(parts, m.Code+" "+m.Description)
		}
		return strings.Join(parts, "; ")
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
