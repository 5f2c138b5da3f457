package orders

import "time"

type Product struct {
	ID          string
	SKU         string
	Name        string
	ImageURL    string
	Stock       int
	PriceCents  int
	WeightGrams int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Customer struct {
	ID    string
	Name  string
	Email string
	TaxID string
	Phone string
}

type Address struct {
	ID         string
	UserID     string
	Street     string
	Number     string
	Complement string
	District   string
	City       string
	State      string
	PostalCode string
}

type ShippingMethod struct {
	ID            string
	Name          string
	BaseCents     int
	PerKgCents    int
	EstimatedDays int
	Active        bool
}

type CouponType string

const (
	CouponPercentage CouponType = "PERCENTAGE"
	CouponFixed      CouponType = "FIXED"
)

type Coupon struct {
	Code string
	Type CouponType
	// Value is a percentage (e.g. "12.5") for PERCENTAGE coupons and cents for FIXED ones.
	Value            string
	MaxDiscountCents int // 0 = no cap
	MinOrderCents    int
	UsageLimit       int // 0 = unlimited
	UsedCount        int
	ExpiresAt        *time.Time
	Active           bool
}

type Order struct {
	ID               string
	Number           string
	UserID           string
	AddressID        string
	ShippingMethodID string
	CouponCode       string
	Status           Status
	PaymentStatus    PaymentStatus
	PaymentMethod    PaymentMethod

	SubtotalCents int
	ShippingCents int
	DiscountCents int
	TotalCents    int

	FirstPaymentAttemptAt *time.Time
	TrackingCode          string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// OrderItem is frozen at purchase time; it is never re-read from the live product.
type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string
	Name       string
	ImageURL   string
	Qty        int
	PriceCents int
}

type Payment struct {
	ID             string
	OrderID        string
	Method         PaymentMethod
	Status         PaymentStatus
	ChargeID       string
	GatewayOrderID string
	AmountCents    int
	Installments   int

	// StockReserved is true while this payment owns a stock decrement.
	// It stays true after commit; StockCommittedAt seals it.
	StockReserved    bool
	StockCommittedAt *time.Time
	StockReleasedAt  *time.Time

	QRCodeText    string
	QRCodeURL     string
	QRExpiresAt   *time.Time
	FailureReason string
	Metadata      Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HoldsReservation reports whether a release would return stock.
func (p *Payment) HoldsReservation() bool {
	return p.StockReserved && p.StockCommittedAt == nil
}

type WebhookEvent struct {
	ID          string
	Provider    string
	Payload     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}

// ItemQty is one reservation line.
type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

func QtyOf(items []OrderItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, Qty: it.Qty})
	}
	return out
}
