package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ariefcatur/go-checkout-reconciler/internal/orders"
	"github.com/google/uuid"
)

// Sandbox is an in-process Gateway for local runs and tests. Card charges
// settle immediately with CardStatus; PIX charges wait for SetStatus.
type Sandbox struct {
	CardStatus orders.PaymentStatus
	// Fail, when set, makes CreateCharge fail with the returned error.
	Fail func(req ChargeRequest) error

	mu        sync.Mutex
	charges   map[string]*Result
	requests  []ChargeRequest
	cancelled []string
}

func NewSandbox() *Sandbox {
	return &Sandbox{CardStatus: orders.PaymentPaid, charges: map[string]*Result{}}
}

var _ Gateway = (*Sandbox)(nil)

func (s *Sandbox) CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
		return failed(err.Error()), err
	}
	if s.Fail != nil {
		if err := s.Fail(req); err != nil {
			return failed(err.Error()), err
		}
	}

	orderID := "ORDE_" + strings.ToUpper(uuid.NewString())
	if req.Method == orders.MethodPix {
		exp := req.PixExpiresAt.UTC()
		r := &Result{
			GatewayOrderID: orderID,
			Status:         orders.PaymentWaiting,
			RawStatus:      "WAITING",
			QRCodeText:     "00020101021226830014br.gov.bcb.pix" + req.Order.ID,
			QRCodeURL:      "https://sandbox.invalid/qrcode/" + orderID + "/png",
			QRExpiresAt:    &exp,
		}
		s.charges[orderID] = r
		cp := *r
		return &cp, nil
	}

	r := &Result{
		ChargeID:       "CHAR_" + strings.ToUpper(uuid.NewString()),
		GatewayOrderID: orderID,
		Status:         s.CardStatus,
		RawStatus:      string(s.CardStatus),
	}
	if r.Status == orders.PaymentDeclined {
		r.FailureReason = "NAO AUTORIZADO"
	}
	s.charges[r.ChargeID] = r
	s.charges[orderID] = r
	cp := *r
	return &cp, nil
}

func (s *Sandbox) GetCharge(_ context.Context, id string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.charges[id]
	if !ok {
		return nil, fmt.Errorf("charge %s: %w", id, orders.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *Sandbox) CancelCharge(_ context.Context, chargeID string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.charges[chargeID]
	if !ok {
		return fmt.Errorf("charge %s: %w", chargeID, orders.ErrNotFound)
	}
	r.Status = orders.PaymentCanceled
	r.RawStatus = "CANCELED"
	s.cancelled = append(s.cancelled, chargeID)
	return nil
}

// SetStatus moves a known charge, as a settlement on the provider side would.
// The returned charge id is the one a webhook would carry.
func (s *Sandbox) SetStatus(id string, st orders.PaymentStatus) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.charges[id]
	if !ok {
		return "", fmt.Errorf("charge %s: %w", id, orders.ErrNotFound)
	}
	if r.ChargeID == "" {
		r.ChargeID = "CHAR_" + strings.ToUpper(uuid.NewString())
		s.charges[r.ChargeID] = r
	}
	r.Status = st
	r.RawStatus = string(st)
	return r.ChargeID, nil
}

func (s *Sandbox) Requests() []ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChargeRequest(nil), s.requests...)
}

func (s *Sandbox) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}
