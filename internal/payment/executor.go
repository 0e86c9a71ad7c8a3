// Package payment executes real money movement for agreed contracts:
// direct payments, escrow holds, and hold capture/release. It validates
// before touching the provider and tracks holds in process memory; there is
// no durable ledger, the payment provider's records are the source of truth.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accordlabs/accord/pkg/provider/payments"
)

// Executor errors.
var (
	ErrInvalidAmount     = errors.New("payment: amount must be positive")
	ErrInvalidCurrency   = errors.New("payment: currency must be a 3-letter code")
	ErrNoRecipient       = errors.New("payment: recipient account required")
	ErrHoldNotFound      = errors.New("payment: hold not found")
	ErrHoldNotHeld       = errors.New("payment: hold is not in held state")
	ErrAmountExceedsHold = errors.New("payment: capture amount exceeds held amount")
)

// HoldStatus is an escrow hold's lifecycle state. Captured and released are
// terminal.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldCaptured HoldStatus = "captured"
	HoldReleased HoldStatus = "released"
)

// EscrowHold is one tracked escrow authorization.
type EscrowHold struct {
	HoldID             string     `json:"holdId"`
	PaymentIntentID    string     `json:"paymentIntentId"`
	RecipientAccountID string     `json:"recipientAccountId"`
	Amount             int64      `json:"amount"`
	CapturedAmount     int64      `json:"capturedAmount,omitempty"`
	Currency           string     `json:"currency"`
	Description        string     `json:"description,omitempty"`
	Status             HoldStatus `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Request describes a direct payment or a new escrow hold.
type Request struct {
	Amount             int64
	Currency           string
	RecipientAccountID string
	Description        string
}

func (r Request) validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, r.Amount)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, r.Currency)
	}
	if r.RecipientAccountID == "" {
		return ErrNoRecipient
	}
	return nil
}

// Result is a completed direct payment.
type Result struct {
	PaymentIntentID string `json:"paymentIntentId"`
	TransferID      string `json:"transferId,omitempty"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// Executor fronts the payment provider with validation and hold tracking.
//
// All methods are safe for concurrent use.
type Executor struct {
	provider payments.Provider
	logger   *slog.Logger

	mu    sync.Mutex
	holds map[string]*EscrowHold
}

// NewExecutor creates an Executor over the given provider.
func NewExecutor(provider payments.Provider, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider: provider,
		logger:   logger,
		holds:    make(map[string]*EscrowHold),
	}
}

// Execute performs an immediate payment to the recipient account.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	res, err := e.provider.CreatePayment(ctx, payments.PaymentRequest{
		Amount:             req.Amount,
		Currency:           req.Currency,
		RecipientAccountID: req.RecipientAccountID,
		Description:        req.Description,
		IdempotencyKey:     uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: execute: %w", err)
	}

	e.logger.Info("payment executed",
		"payment_intent", res.PaymentIntentID,
		"amount", req.Amount, "currency", req.Currency,
		"recipient", req.RecipientAccountID)
	return &Result{
		PaymentIntentID: res.PaymentIntentID,
		TransferID:      res.TransferID,
		Amount:          req.Amount,
		Currency:        req.Currency,
	}, nil
}

// CreateHold authorizes req.Amount without capturing it and tracks the
// resulting hold.
func (e *Executor) CreateHold(ctx context.Context, req Request) (*EscrowHold, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	h, err := e.provider.CreateHold(ctx, payments.HoldRequest{
		Amount:             req.Amount,
		Currency:           req.Currency,
		RecipientAccountID: req.RecipientAccountID,
		Description:        req.Description,
		IdempotencyKey:     uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("payment: create hold: %w", err)
	}

	hold := &EscrowHold{
		HoldID:             uuid.NewString(),
		PaymentIntentID:    h.PaymentIntentID,
		RecipientAccountID: req.RecipientAccountID,
		Amount:             req.Amount,
		Currency:           req.Currency,
		Description:        req.Description,
		Status:             HoldHeld,
		CreatedAt:          time.Now().UTC(),
	}

	e.mu.Lock()
	e.holds[hold.HoldID] = hold
	e.mu.Unlock()

	e.logger.Info("escrow hold created",
		"hold_id", hold.HoldID, "payment_intent", hold.PaymentIntentID,
		"amount", req.Amount, "currency", req.Currency)
	out := *hold
	return &out, nil
}

// Capture settles amount from the hold to the recipient. Amount 0 captures
// the full held amount; amounts above the hold fail with
// [ErrAmountExceedsHold]. Capture and release are one-shot: a hold that is
// already captured or released fails with [ErrHoldNotHeld].
func (e *Executor) Capture(ctx context.Context, holdID string, amount int64) (*EscrowHold, error) {
	e.mu.Lock()
	hold, ok := e.holds[holdID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	if hold.Status != HoldHeld {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrHoldNotHeld, holdID, hold.Status)
	}
	if amount < 0 || amount > hold.Amount {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d", ErrAmountExceedsHold, amount, hold.Amount)
	}
	if amount == 0 {
		amount = hold.Amount
	}
	intentID := hold.PaymentIntentID
	e.mu.Unlock()

	res, err := e.provider.CaptureHold(ctx, intentID, amount)
	if err != nil {
		return nil, fmt.Errorf("payment: capture hold %s: %w", holdID, err)
	}

	e.mu.Lock()
	hold.Status = HoldCaptured
	hold.CapturedAmount = res.AmountCaptured
	out := *hold
	e.mu.Unlock()

	e.logger.Info("escrow hold captured",
		"hold_id", holdID, "captured", res.AmountCaptured, "currency", out.Currency)
	return &out, nil
}

// Release cancels the hold and returns the authorization to the payer.
func (e *Executor) Release(ctx context.Context, holdID string) (*EscrowHold, error) {
	e.mu.Lock()
	hold, ok := e.holds[holdID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHoldNotFound, holdID)
	}
	if hold.Status != HoldHeld {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrHoldNotHeld, holdID, hold.Status)
	}
	intentID := hold.PaymentIntentID
	e.mu.Unlock()

	if err := e.provider.ReleaseHold(ctx, intentID); err != nil {
		return nil, fmt.Errorf("payment: release hold %s: %w", holdID, err)
	}

	e.mu.Lock()
	hold.Status = HoldReleased
	out := *hold
	e.mu.Unlock()

	e.logger.Info("escrow hold released", "hold_id", holdID, "amount", out.Amount)
	return &out, nil
}

// Hold returns a copy of the tracked hold with the given ID.
func (e *Executor) Hold(holdID string) (EscrowHold, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hold, ok := e.holds[holdID]
	if !ok {
		return EscrowHold{}, false
	}
	return *hold, true
}

// Balance returns the available balance via the provider.
func (e *Executor) Balance(ctx context.Context) (*payments.Balance, error) {
	b, err := e.provider.AccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("payment: balance: %w", err)
	}
	return b, nil
}

// SearchTransactions looks up past transactions matching query since the
// given time. Used by verification to check payment history.
func (e *Executor) SearchTransactions(ctx context.Context, query string, since time.Time) ([]payments.Transaction, error) {
	txs, err := e.provider.SearchTransactions(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("payment: search transactions: %w", err)
	}
	return txs, nil
}
