package checkout

import (
	"errors"

	"github.com/ariefcatur/go-checkout-reconciler/internal/gateway"
	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	validatorv10 "github.com/go-playground/validator/v10"
)

var (
	ErrInvalidRequest   = errors.New("checkout: invalid request")
	ErrInvalidReference = errors.New("checkout: invalid reference")
	ErrOrderClosed      = errors.New("checkout: order no longer accepts payments")
	ErrPaymentInFlight  = errors.New("checkout: order has a payment in progress")
)

type LineItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"required,min=1,max=99"`
}

// PlaceOrderRequest is the payload for POST /orders.
type PlaceOrderRequest struct {
	UserID           string               `json:"user_id" validate:"required"`
	AddressID        string               `json:"address_id" validate:"required"`
	ShippingMethodID string               `json:"shipping_method_id" validate:"required"`
	CouponCode       string               `json:"coupon_code,omitempty" validate:"omitempty,max=32"`
	PaymentMethod    orders.PaymentMethod `json:"payment_method" validate:"required,oneof=PIX CREDIT_CARD"`
	Items            []LineItem           `json:"items" validate:"required,min=1,dive"`
	Card             *gateway.Card        `json:"card,omitempty"`
}

// PayRequest is the payload for POST /orders/{id}/payments.
type PayRequest struct {
	PaymentMethod orders.PaymentMethod `json:"payment_method" validate:"required,oneof=PIX CREDIT_CARD"`
	Card          *gateway.Card        `json:"card,omitempty"`
}

// NewValidator returns a validator with the checkout struct rules registered.
func NewValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterStructValidation(placeOrderStructValidation, PlaceOrderRequest{})
	v.RegisterStructValidation(payStructValidation, PayRequest{})
	return v
}

// card payments need card data; PIX must not carry any.
func cardRule(sl validatorv10.StructLevel, m orders.PaymentMethod, c *gateway.Card) {
	switch {
	case m == orders.MethodCreditCard && c == nil:
		sl.ReportError(c, "card", "Card", "required_for_card", "")
	case m == orders.MethodPix && c != nil:
		sl.ReportError(c, "card", "Card", "excluded_for_pix", "")
	}
}

func placeOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PlaceOrderRequest)
	cardRule(sl, req.PaymentMethod, req.Card)
}

func payStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(PayRequest)
	cardRule(sl, req.PaymentMethod, req.Card)
}

// FieldErrors flattens validation errors for API responses.
func FieldErrors(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Tag()
		}
		return out
	}
	out["error"] = err.Error()
	return out
}
