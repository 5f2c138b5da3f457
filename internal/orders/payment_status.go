package orders

import "fmt"

type PaymentMethod string

const (
	MethodPix        PaymentMethod = "PIX"
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodPix || m == MethodCreditCard
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentWaiting    PaymentStatus = "WAITING"
	PaymentInAnalysis PaymentStatus = "IN_ANALYSIS"
	PaymentAuthorized PaymentStatus = "AUTHORIZED"
	PaymentPaid       PaymentStatus = "PAID"
	PaymentDeclined   PaymentStatus = "DECLINED"
	PaymentCanceled   PaymentStatus = "CANCELED"
	PaymentExpired    PaymentStatus = "EXPIRED"
)

// Open statuses may still move; the rest are sealed (see paymentTransitions).
func (s PaymentStatus) Open() bool {
	switch s {
	case PaymentPending, PaymentWaiting, PaymentInAnalysis, PaymentAuthorized:
		return true
	}
	return false
}

// Effect is a side effect attached to a payment transition.
type Effect string

const (
	EffectConfirmOrder     Effect = "confirm_order"
	EffectCommitStock      Effect = "commit_stock"
	EffectReleaseStock     Effect = "release_stock"
	EffectCancelStaleOrder Effect = "cancel_stale_order"
	EffectCancelOrder      Effect = "cancel_order"
)

type Transition struct {
	From    PaymentStatus
	To      PaymentStatus
	Effects []Effect
}

func (t Transition) Has(e Effect) bool {
	for _, x := range t.Effects {
		if x == e {
			return true
		}
	}
	return false
}

var (
	paid     = []Effect{EffectConfirmOrder, EffectCommitStock}
	failed   = []Effect{EffectReleaseStock, EffectCancelStaleOrder}
	expired  = []Effect{EffectReleaseStock}
	progress = []Effect(nil)
)

func openRow(self PaymentStatus) map[PaymentStatus][]Effect {
	row := map[PaymentStatus][]Effect{
		PaymentPending:    progress,
		PaymentWaiting:    progress,
		PaymentInAnalysis: progress,
		PaymentAuthorized: progress,
		PaymentPaid:       paid,
		PaymentDeclined:   failed,
		PaymentCanceled:   failed,
		PaymentExpired:    expired,
	}
	delete(row, self)
	return row
}

// paymentTransitions is (current, next) -> side effects. DECLINED, CANCELED
// and EXPIRED accept nothing. PAID only accepts CANCELED, which is a refund
// of an already committed sale and moves no stock.
var paymentTransitions = map[PaymentStatus]map[PaymentStatus][]Effect{
	PaymentPending:    openRow(PaymentPending),
	PaymentWaiting:    openRow(PaymentWaiting),
	PaymentInAnalysis: openRow(PaymentInAnalysis),
	PaymentAuthorized: openRow(PaymentAuthorized),
	PaymentPaid:       {PaymentCanceled: {EffectCancelOrder}},
	PaymentDeclined:   {},
	PaymentCanceled:   {},
	PaymentExpired:    {},
}

// LookupTransition returns the transition from -> to, or ErrIllegalTransition.
func LookupTransition(from, to PaymentStatus) (Transition, error) {
	row, ok := paymentTransitions[from]
	if !ok {
		return Transition{}, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, from)
	}
	effects, ok := row[to]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return Transition{From: from, To: to, Effects: effects}, nil
}
