// Package stripe provides a Stripe-backed payment provider using the
// official stripe-go SDK. It implements the payments.Provider interface.
//
// Immediate transfers and escrow holds are modelled as PaymentIntents with a
// transfer destination: automatic capture for transfers, manual capture for
// holds. Capture and release map to the PaymentIntent capture and cancel
// endpoints, so the provider remains the authoritative record of hold state.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/accordlabs/accord/pkg/provider/payments"
)

// defaultPaymentMethod is the test-mode payment method attached to intents
// when the caller has not configured one.
const defaultPaymentMethod = "pm_card_visa"

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithPaymentMethod sets the payment method attached to every intent
// (e.g., a tokenized customer card).
func WithPaymentMethod(pm string) Option {
	return func(p *Provider) {
		p.paymentMethod = pm
	}
}

// WithPlatformAccount sets the platform account identifier recorded on
// intents via the on_behalf_of field.
func WithPlatformAccount(accountID string) Option {
	return func(p *Provider) {
		p.platformAccount = accountID
	}
}

// Provider implements payments.Provider backed by the Stripe API.
type Provider struct {
	sc              *client.API
	paymentMethod   string
	platformAccount string
}

// New creates a Stripe Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("stripe: apiKey must not be empty")
	}

	sc := &client.API{}
	sc.Init(apiKey, nil)

	p := &Provider{
		sc:            sc,
		paymentMethod: defaultPaymentMethod,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// CreatePayment implements payments.Provider. It creates a confirmed
// automatic-capture PaymentIntent with a transfer destination.
func (p *Provider) CreatePayment(ctx context.Context, req payments.PaymentRequest) (*payments.PaymentResult, error) {
	params := &stripelib.PaymentIntentParams{
		Amount:        stripelib.Int64(req.Amount),
		Currency:      stripelib.String(strings.ToLower(req.Currency)),
		Description:   stripelib.String(req.Description),
		PaymentMethod: stripelib.String(p.paymentMethod),
		Confirm:       stripelib.Bool(true),
		TransferData: &stripelib.PaymentIntentTransferDataParams{
			Destination: stripelib.String(req.RecipientAccountID),
		},
	}
	if p.platformAccount != "" {
		params.OnBehalfOf = stripelib.String(p.platformAccount)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripelib.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	result := &payments.PaymentResult{PaymentIntentID: pi.ID}
	if pi.LatestCharge != nil && pi.LatestCharge.Transfer != nil {
		result.TransferID = pi.LatestCharge.Transfer.ID
	}
	return result, nil
}

// CreateHold implements payments.Provider. It creates a confirmed
// manual-capture PaymentIntent authorized at the worst-case amount.
func (p *Provider) CreateHold(ctx context.Context, req payments.HoldRequest) (*payments.Hold, error) {
	params := &stripelib.PaymentIntentParams{
		Amount:        stripelib.Int64(req.Amount),
		Currency:      stripelib.String(strings.ToLower(req.Currency)),
		Description:   stripelib.String(req.Description),
		PaymentMethod: stripelib.String(p.paymentMethod),
		Confirm:       stripelib.Bool(true),
		CaptureMethod: stripelib.String(string(stripelib.PaymentIntentCaptureMethodManual)),
		TransferData: &stripelib.PaymentIntentTransferDataParams{
			Destination: stripelib.String(req.RecipientAccountID),
		},
	}
	if p.platformAccount != "" {
		params.OnBehalfOf = stripelib.String(p.platformAccount)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripelib.String(req.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create hold intent: %w", err)
	}

	return &payments.Hold{
		PaymentIntentID: pi.ID,
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
	}, nil
}

// CaptureHold implements payments.Provider. amount == 0 captures the full
// authorized amount.
func (p *Provider) CaptureHold(ctx context.Context, paymentIntentID string, amount int64) (*payments.CaptureResult, error) {
	params := &stripelib.PaymentIntentCaptureParams{}
	if amount > 0 {
		params.AmountToCapture = stripelib.Int64(amount)
	}
	params.Context = ctx

	pi, err := p.sc.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: capture %s: %w", paymentIntentID, err)
	}

	return &payments.CaptureResult{
		PaymentIntentID: pi.ID,
		AmountCaptured:  pi.AmountReceived,
	}, nil
}

// ReleaseHold implements payments.Provider by cancelling the uncaptured intent.
func (p *Provider) ReleaseHold(ctx context.Context, paymentIntentID string) error {
	params := &stripelib.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := p.sc.PaymentIntents.Cancel(paymentIntentID, params); err != nil {
		return fmt.Errorf("stripe: cancel %s: %w", paymentIntentID, err)
	}
	return nil
}

// AccountBalance implements payments.Provider.
func (p *Provider) AccountBalance(ctx context.Context) (*payments.Balance, error) {
	params := &stripelib.BalanceParams{}
	params.Context = ctx

	bal, err := p.sc.Balance.Get(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get balance: %w", err)
	}

	out := &payments.Balance{}
	if len(bal.Available) > 0 {
		out.Available = bal.Available[0].Amount
		out.Currency = string(bal.Available[0].Currency)
	}
	if len(bal.Pending) > 0 {
		out.Pending = bal.Pending[0].Amount
	}
	return out, nil
}

// SearchTransactions implements payments.Provider. Matching is a
// case-insensitive substring test against the transaction description.
func (p *Provider) SearchTransactions(ctx context.Context, query string, since time.Time) ([]payments.Transaction, error) {
	params := &stripelib.BalanceTransactionListParams{}
	params.Context = ctx
	params.Limit = stripelib.Int64(100)
	if !since.IsZero() {
		params.CreatedRange = &stripelib.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		}
	}

	needle := strings.ToLower(query)
	var out []payments.Transaction

	it := p.sc.BalanceTransactions.List(params)
	for it.Next() {
		bt := it.BalanceTransaction()
		if needle != "" && !strings.Contains(strings.ToLower(bt.Description), needle) {
			continue
		}
		out = append(out, payments.Transaction{
			ID:          bt.ID,
			Description: bt.Description,
			Amount:      bt.Amount,
			Currency:    string(bt.Currency),
			CreatedAt:   time.Unix(bt.Created, 0),
		})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list transactions: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ payments.Provider = (*Provider)(nil)
