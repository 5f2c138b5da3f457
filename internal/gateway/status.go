package gateway

import (
	"strings"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

var statusTable = map[string]orders.PaymentStatus{
	"PENDING":     orders.PaymentPending,
	"WAITING":     orders.PaymentWaiting,
	"IN_ANALYSIS": orders.PaymentInAnalysis,
	"AUTHORIZED":  orders.PaymentAuthorized,
	"PAID":        orders.PaymentPaid,
	"DECLINED":    orders.PaymentDeclined,
	"CANCELED":    orders.PaymentCanceled,
	"CANCELLED":   orders.PaymentCanceled,
	"EXPIRED":     orders.PaymentExpired,
}

// MapStatus normalises a gateway status. Unknown values map to PENDING with
// known=false so the caller can log them.
func MapStatus(raw string) (orders.PaymentStatus, bool) {
	s, ok := statusTable[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return orders.PaymentPending, false
	}
	return s, true
}
