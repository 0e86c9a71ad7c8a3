// Package mock provides a test double for the payments.Provider interface.
//
// The mock keeps an in-memory intent table so capture/release calls observe
// holds created earlier in the same test, mirroring provider-side state.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/accordlabs/accord/pkg/provider/payments"
)

// intentState tracks a mock payment intent's lifecycle.
type intentState string

const (
	intentHeld      intentState = "requires_capture"
	intentCaptured  intentState = "succeeded"
	intentCancelled intentState = "canceled"
)

// intent is one record in the mock provider's intent table.
type intent struct {
	id     string
	amount int64
	state  intentState
}

// Provider is a mock payments.Provider.
// Zero value is usable; set Err fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// --- Configurable behaviour ---

	// CreatePaymentErr, if non-nil, fails CreatePayment.
	CreatePaymentErr error

	// CreateHoldErr, if non-nil, fails CreateHold.
	CreateHoldErr error

	// CaptureErr, if non-nil, fails CaptureHold.
	CaptureErr error

	// ReleaseErr, if non-nil, fails ReleaseHold.
	ReleaseErr error

	// BalanceResult is returned by AccountBalance.
	BalanceResult *payments.Balance

	// Transactions is returned by SearchTransactions (unfiltered).
	Transactions []payments.Transaction

	// --- Call records (read after test) ---

	// PaymentRequests records every CreatePayment request in order.
	PaymentRequests []payments.PaymentRequest

	// HoldRequests records every CreateHold request in order.
	HoldRequests []payments.HoldRequest

	// Captures records (paymentIntentID, amount) for every CaptureHold call.
	Captures []CaptureCall

	// Releases records the paymentIntentID of every ReleaseHold call.
	Releases []string

	seq     int
	intents map[string]*intent
}

// CaptureCall records a single CaptureHold invocation.
type CaptureCall struct {
	PaymentIntentID string
	Amount          int64
}

// CreatePayment records the request and returns a fresh intent ID.
func (p *Provider) CreatePayment(_ context.Context, req payments.PaymentRequest) (*payments.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PaymentRequests = append(p.PaymentRequests, req)
	if p.CreatePaymentErr != nil {
		return nil, p.CreatePaymentErr
	}
	p.seq++
	return &payments.PaymentResult{
		PaymentIntentID: fmt.Sprintf("pi_mock_%d", p.seq),
		TransferID:      fmt.Sprintf("tr_mock_%d", p.seq),
	}, nil
}

// CreateHold records the request and registers an uncaptured intent.
func (p *Provider) CreateHold(_ context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HoldRequests = append(p.HoldRequests, req)
	if p.CreateHoldErr != nil {
		return nil, p.CreateHoldErr
	}
	p.seq++
	id := fmt.Sprintf("pi_mock_%d", p.seq)
	if p.intents == nil {
		p.intents = make(map[string]*intent)
	}
	p.intents[id] = &intent{id: id, amount: req.Amount, state: intentHeld}
	return &payments.Hold{
		PaymentIntentID: id,
		Amount:          req.Amount,
		Currency:        req.Currency,
	}, nil
}

// CaptureHold captures a registered intent. Unknown or non-held intents error.
func (p *Provider) CaptureHold(_ context.Context, paymentIntentID string, amount int64) (*payments.CaptureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Captures = append(p.Captures, CaptureCall{PaymentIntentID: paymentIntentID, Amount: amount})
	if p.CaptureErr != nil {
		return nil, p.CaptureErr
	}
	in, ok := p.intents[paymentIntentID]
	if !ok {
		return nil, fmt.Errorf("mock: no such intent %q", paymentIntentID)
	}
	if in.state != intentHeld {
		return nil, fmt.Errorf("mock: intent %q is %s, not capturable", paymentIntentID, in.state)
	}
	captured := amount
	if captured == 0 || captured > in.amount {
		captured = in.amount
	}
	in.state = intentCaptured
	return &payments.CaptureResult{PaymentIntentID: paymentIntentID, AmountCaptured: captured}, nil
}

// ReleaseHold cancels a registered intent. Unknown or non-held intents error.
func (p *Provider) ReleaseHold(_ context.Context, paymentIntentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Releases = append(p.Releases, paymentIntentID)
	if p.ReleaseErr != nil {
		return p.ReleaseErr
	}
	in, ok := p.intents[paymentIntentID]
	if !ok {
		return fmt.Errorf("mock: no such intent %q", paymentIntentID)
	}
	if in.state != intentHeld {
		return fmt.Errorf("mock: intent %q is %s, not cancellable", paymentIntentID, in.state)
	}
	in.state = intentCancelled
	return nil
}

// AccountBalance returns BalanceResult, or a zero balance when unset.
func (p *Provider) AccountBalance(context.Context) (*payments.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BalanceResult != nil {
		b := *p.BalanceResult
		return &b, nil
	}
	return &payments.Balance{}, nil
}

// SearchTransactions returns the configured Transactions list.
func (p *Provider) SearchTransactions(context.Context, string, time.Time) ([]payments.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]payments.Transaction, len(p.Transactions))
	copy(out, p.Transactions)
	return out, nil
}

// Compile-time interface check.
var _ payments.Provider = (*Provider)(nil)
