package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/checkout"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusCache holds rendered order views between transitions. Set only
// writes when no invalidation happened since Generation was read.
type StatusCache interface {
	Get(ctx context.Context, orderID string) ([]byte, bool)
	Generation(ctx context.Context, orderID string) (int64, error)
	Set(ctx context.Context, orderID string, gen int64, b []byte) (bool, error)
}

type OrdersHandler struct {
	Checkout *checkout.Service
	Store    orders.Store
	Cache    StatusCache
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.placeOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/payments", h.pay)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Get("/products", h.listProducts)
}

type itemView struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	ImageURL   string `json:"image_url,omitempty"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type paymentView struct {
	ID            string               `json:"id"`
	Method        orders.PaymentMethod `json:"method"`
	Status        orders.PaymentStatus `json:"status"`
	AmountCents   int                  `json:"amount_cents"`
	Installments  int                  `json:"installments,omitempty"`
	ChargeID      string               `json:"charge_id,omitempty"`
	StockReserved bool                 `json:"stock_reserved"`
	QRCodeText    string               `json:"qr_code_text,omitempty"`
	QRCodeURL     string               `json:"qr_code_url,omitempty"`
	QRExpiresAt   *time.Time           `json:"qr_expires_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

type orderView struct {
	ID            string               `json:"id"`
	Number        string               `json:"number"`
	UserID        string               `json:"user_id"`
	Status        orders.Status        `json:"status"`
	PaymentStatus orders.PaymentStatus `json:"payment_status"`
	PaymentMethod orders.PaymentMethod `json:"payment_method"`
	SubtotalCents int                  `json:"subtotal_cents"`
	ShippingCents int                  `json:"shipping_cents"`
	DiscountCents int                  `json:"discount_cents"`
	TotalCents    int                  `json:"total_cents"`
	CouponCode    string               `json:"coupon_code,omitempty"`
	TrackingCode  string               `json:"tracking_code,omitempty"`
	Items         []itemView           `json:"items,omitempty"`
	Payments      []paymentView        `json:"payments,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func toPaymentView(p orders.Payment) paymentView {
	return paymentView{
		ID: p.ID, Method: p.Method, Status: p.Status, AmountCents: p.AmountCents, Installments: p.Installments,
		ChargeID: p.ChargeID, StockReserved: p.StockReserved,
		QRCodeText: p.QRCodeText, QRCodeURL: p.QRCodeURL, QRExpiresAt: p.QRExpiresAt,
		FailureReason: p.FailureReason, CreatedAt: p.CreatedAt,
	}
}

func toOrderView(o orders.Order, items []orders.OrderItem, payments []orders.Payment) orderView {
	v := orderView{
		ID: o.ID, Number: o.Number, UserID: o.UserID,
		Status: o.Status, PaymentStatus: o.PaymentStatus, PaymentMethod: o.PaymentMethod,
		SubtotalCents: o.SubtotalCents, ShippingCents: o.ShippingCents,
		DiscountCents: o.DiscountCents, TotalCents: o.TotalCents,
		CouponCode: o.CouponCode, TrackingCode: o.TrackingCode,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	for _, it := range items {
		v.Items = append(v.Items, itemView{
			ProductID: it.ProductID, Name: it.Name, ImageURL: it.ImageURL, Qty: it.Qty, PriceCents: it.PriceCents,
		})
	}
	for _, p := range payments {
		v.Payments = append(v.Payments, toPaymentView(p))
	}
	return v
}

type placedResp struct {
	Order   orderView   `json:"order"`
	Payment paymentView `json:"payment"`
}

func placed(p *checkout.Placed) placedResp {
	return placedResp{Order: toOrderView(p.Order, p.Items, nil), Payment: toPaymentView(p.Payment)}
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.PlaceOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	res, err := h.Checkout.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, placed(res))
}

func (h *OrdersHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req checkout.PayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	res, err := h.Checkout.Pay(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, placed(res))
}

type updateStatusReq struct {
	Status       orders.Status `json:"status"`
	TrackingCode string        `json:"tracking_code,omitempty"`
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	o, err := h.Checkout.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.TrackingCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(*o, nil, nil))
}

// getOrder serves the cached view when present; every transition
// invalidates it. A view rendered across an invalidation is not cached.
func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	cacheable := false
	var gen int64
	if h.Cache != nil {
		if b, ok := h.Cache.Get(ctx, orderID); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "hit")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
		var err error
		if gen, err = h.Cache.Generation(ctx, orderID); err == nil {
			cacheable = true
		}
	}

	o, err := h.Store.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.Store.GetOrderItems(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payments, err := h.Store.ListPayments(ctx, orderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := json.Marshal(toOrderView(*o, items, payments))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cacheable {
		if _, err := h.Cache.Set(ctx, orderID, gen, b); err != nil {
			logging.FromContext(ctx, nil).Warn("status_cache_set_failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

type productView struct {
	ID          string `json:"id"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	ImageURL    string `json:"image_url,omitempty"`
	Stock       int    `json:"stock"`
	PriceCents  int    `json:"price_cents"`
	WeightGrams int    `json:"weight_grams"`
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Store.ListProducts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, productView{
			ID: p.ID, SKU: p.SKU, Name: p.Name, ImageURL: p.ImageURL,
			Stock: p.Stock, PriceCents: p.PriceCents, WeightGrams: p.WeightGrams,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
