package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-checkout-reconciler/internal/checkout"
	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/inventory"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logging"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"go.uber.org/zap"
)

type errorResp struct {
	Error   string                          `json:"error"`
	Fields  map[string]string               `json:"fields,omitempty"`
	Details []inventory.StockRejectedDetail `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Unexpected errors are
// logged and answered with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var short *inventory.InsufficientStockError
	switch {
	case errors.As(err, &short):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "insufficient stock", Details: short.Details})
	case errors.Is(err, checkout.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request", Fields: checkout.FieldErrors(err)})
	case errors.Is(err, checkout.ErrInvalidReference):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not found"})
	case errors.Is(err, orders.ErrIllegalTransition),
		errors.Is(err, checkout.ErrOrderClosed),
		errors.Is(err, checkout.ErrPaymentInFlight):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, gateway.ErrRejected):
		writeJSON(w, http.StatusBadGateway, errorResp{Error: err.Error()})
	default:
		logging.FromContext(r.Context(), nil).Error("request_failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	return dec.Decode(v)
}

const maxBody = 1 << 20
