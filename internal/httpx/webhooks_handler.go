package httpx

import (
	"io"
	"net/http"

	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type WebhooksHandler struct {
	Reconciler *reconcile.Reconciler
}

func (h *WebhooksHandler) Register(r chi.Router) {
	r.Post("/webhooks/{provider}", h.receive)
	r.Post("/payments/{id}/sync", h.sync)
}

type receivedResp struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// receive always answers 200 so the gateway does not retry; problems are
// reported in the body and kept on the stored event.
func (h *WebhooksHandler) receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		logging.FromContext(r.Context(), nil).Warn("webhook_body_unreadable", zap.String("provider", provider), zap.Error(err))
		writeJSON(w, http.StatusOK, receivedResp{Received: true, Error: "unreadable body"})
		return
	}

	res, err := h.Reconciler.Handle(r.Context(), provider, body)
	resp := receivedResp{Received: true}
	if res != nil {
		resp.EventID = res.EventID
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type syncResp struct {
	PaymentID   string `json:"payment_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Noop        bool   `json:"noop"`
	OrderStatus string `json:"order_status"`
}

func (h *WebhooksHandler) sync(w http.ResponseWriter, r *http.Request) {
	out, err := h.Reconciler.Sync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResp{
		PaymentID:   out.PaymentID,
		From:        string(out.From),
		To:          string(out.To),
		Noop:        out.Noop,
		OrderStatus: string(out.OrderTo),
	})
}
