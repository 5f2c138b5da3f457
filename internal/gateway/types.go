// Package gateway talks to the external payment gateway (a PagBank-style
// orders/charges API) and maps its answers onto orders.PaymentStatus.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
)

var (
	ErrTimeout  = errors.New("gateway: timeout")
	ErrRejected = errors.New("gateway: rejected")
)

// Gateway is what the core needs from a payment provider. CreateCharge never
// returns a nil Result: on error the result carries Status DECLINED and the
// failure reason.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error)
	// GetCharge looks the id up as a charge first, then as a gateway order.
	GetCharge(ctx context.Context, id string) (*Result, error)
	// CancelCharge voids an open charge or refunds a paid one.
	CancelCharge(ctx context.Context, chargeID string, amountCents int) error
}

type Card struct {
	Encrypted    string `json:"encrypted" validate:"required"`
	SecurityCode string `json:"security_code"`
	HolderName   string `json:"holder_name" validate:"required"`
	Installments int    `json:"installments" validate:"omitempty,min=1,max=12"`
}

type ChargeRequest struct {
	Order    orders.Order
	Items    []orders.OrderItem
	Customer orders.Customer
	Address  orders.Address
	Method   orders.PaymentMethod
	Card     *Card
	// PixExpiresAt bounds the QR code validity.
	PixExpiresAt    time.Time
	NotificationURL string
}

type Result struct {
	ChargeID       string
	GatewayOrderID string
	Status         orders.PaymentStatus
	RawStatus      string
	QRCodeText     string
	QRCodeURL      string
	QRExpiresAt    *time.Time
	FailureReason  string
}

func failed(reason string) *Result {
	return &Result{Status: orders.PaymentDeclined, FailureReason: reason}
}

// wire types

type amount struct {
	Value    int    `json:"value"`
	Currency string `json:"currency,omitempty"`
}

type phone struct {
	Country string `json:"country"`
	Area    string `json:"area"`
	Number  string `json:"number"`
	Type    string `json:"type"`
}

type customer struct {
	Name   string  `json:"name"`
	Email  string  `json:"email"`
	TaxID  string  `json:"tax_id"`
	Phones []phone `json:"phones,omitempty"`
}

type item struct {
	ReferenceID string `json:"reference_id"`
	Name        string `json:"name"`
	Quantity    int    `json:"quantity"`
	UnitAmount  int    `json:"unit_amount"`
}

type address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	Locality   string `json:"locality"`
	City       string `json:"city"`
	RegionCode string `json:"region_code"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

type shipping struct {
	Address address `json:"address"`
}

type qrCodeReq struct {
	Amount         amount `json:"amount"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

type holder struct {
	Name string `json:"name"`
}

type card struct {
	Encrypted    string `json:"encrypted"`
	SecurityCode string `json:"security_code,omitempty"`
	Holder       holder `json:"holder"`
	Store        bool   `json:"store"`
}

type paymentMethod struct {
	Type         string `json:"type"`
	Installments int    `json:"installments"`
	Capture      bool   `json:"capture"`
	Card         card   `json:"card"`
}

type chargeReq struct {
	ReferenceID   string        `json:"reference_id"`
	Description   string        `json:"description"`
	Amount        amount        `json:"amount"`
	PaymentMethod paymentMethod `json:"payment_method"`
}

type orderReq struct {
	ReferenceID      string      `json:"reference_id"`
	Customer         customer    `json:"customer"`
	Items            []item      `json:"items"`
	Shipping         *shipping   `json:"shipping,omitempty"`
	QRCodes          []qrCodeReq `json:"qr_codes,omitempty"`
	NotificationURLs []string    `json:"notification_urls,omitempty"`
	Charges          []chargeReq `json:"charges,omitempty"`
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type qrCodeResp struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	ExpirationDate string `json:"expiration_date"`
	Links          []link `json:"links"`
}

type chargeResp struct {
	ID              string `json:"id"`
	ReferenceID     string `json:"reference_id"`
	Status          string `json:"status"`
	Amount          amount `json:"amount"`
	PaymentResponse struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"payment_response"`
}

type orderResp struct {
	ID          string       `json:"id"`
	ReferenceID string       `json:"reference_id"`
	Charges     []chargeResp `json:"charges"`
	QRCodes     []qrCodeResp `json:"qr_codes"`
}

type errorResp struct {
	ErrorMessages []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error_messages"`
}
