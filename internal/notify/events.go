// Package notify carries order notifications out of the core. Events are
// queued after the owning transaction commits and delivered asynchronously;
// delivery problems are logged and never reach the caller.
package notify

import (
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/google/uuid"
)

const (
	EventOrderConfirmation = "OrderConfirmation"
	EventOrderStatusUpdate = "OrderStatusUpdate"

	TopicNotifications = "order.notifications"
)

// PartitionKey keeps every event of one order on one partition.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type ItemLine struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	ImageURL   string `json:"image_url,omitempty"`
	Qty        int    `json:"qty"`
	PriceCents int    `json:"price_cents"`
}

type AddressLine struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
}

type ConfirmationPayload struct {
	OrderID       string      `json:"order_id"`
	OrderNumber   string      `json:"order_number"`
	UserID        string      `json:"user_id"`
	PaymentMethod string      `json:"payment_method"`
	SubtotalCents int         `json:"subtotal_cents"`
	ShippingCents int         `json:"shipping_cents"`
	DiscountCents int         `json:"discount_cents"`
	TotalCents    int         `json:"total_cents"`
	Items         []ItemLine  `json:"items"`
	Address       AddressLine `json:"address"`
}

type StatusUpdatePayload struct {
	OrderID      string `json:"order_id"`
	OrderNumber  string `json:"order_number"`
	OldStatus    string `json:"old_status"`
	NewStatus    string `json:"new_status"`
	TrackingCode string `json:"tracking_code,omitempty"`
}

func envelope(eventType, producer, orderID string, payload any) Envelope {
	b, _ := json.Marshal(payload)
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       b,
	}
}

func OrderConfirmation(producer string, o orders.Order, items []orders.OrderItem, addr orders.Address) Envelope {
	p := ConfirmationPayload{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		UserID:        o.UserID,
		PaymentMethod: string(o.PaymentMethod),
		SubtotalCents: o.SubtotalCents,
		ShippingCents: o.ShippingCents,
		DiscountCents: o.DiscountCents,
		TotalCents:    o.TotalCents,
		Address: AddressLine{
			Street: addr.Street, Number: addr.Number, Complement: addr.Complement,
			District: addr.District, City: addr.City, State: addr.State, PostalCode: addr.PostalCode,
		},
	}
	for _, it := range items {
		p.Items = append(p.Items, ItemLine{
			ProductID: it.ProductID, Name: it.Name, ImageURL: it.ImageURL, Qty: it.Qty, PriceCents: it.PriceCents,
		})
	}
	return envelope(EventOrderConfirmation, producer, o.ID, p)
}

func OrderStatusUpdate(producer string, o orders.Order, old orders.Status) Envelope {
	return envelope(EventOrderStatusUpdate, producer, o.ID, StatusUpdatePayload{
		OrderID:      o.ID,
		OrderNumber:  o.Number,
		OldStatus:    string(old),
		NewStatus:    string(o.Status),
		TrackingCode: o.TrackingCode,
	})
}
