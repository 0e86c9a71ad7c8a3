// Package payments defines the payment processor interface used by the
// Accord payment executor.
//
// The provider is the authoritative record of money movement: immediate
// transfers are confirmed payment intents, escrow holds are manual-capture
// authorizations, and capture/release operate on the provider-side intent.
// All amounts are integer minor units (e.g., pence).
//
// Implementations must be safe for concurrent use; one provider instance is
// shared process-wide.
package payments

import (
	"context"
	"time"
)

// PaymentRequest describes an immediate transfer to a recipient account.
type PaymentRequest struct {
	// Amount in minor units. Must be positive.
	Amount int64

	// Currency is the 3-letter ISO code (lowercase accepted).
	Currency string

	// RecipientAccountID is the connected account receiving the funds.
	RecipientAccountID string

	// Description appears on the payment intent and receipts.
	Description string

	// IdempotencyKey deduplicates retries of the same logical payment.
	IdempotencyKey string
}

// PaymentResult is the provider's record of a completed immediate transfer.
type PaymentResult struct {
	// PaymentIntentID identifies the confirmed intent at the provider.
	PaymentIntentID string

	// TransferID identifies the transfer leg, when the provider reports one.
	TransferID string
}

// HoldRequest describes a manual-capture authorization (escrow hold).
type HoldRequest struct {
	// Amount is the authorized maximum in minor units. Must be positive.
	Amount int64

	// Currency is the 3-letter ISO code.
	Currency string

	// RecipientAccountID is the connected account funds will flow to on capture.
	RecipientAccountID string

	// Description appears on the payment intent.
	Description string

	// IdempotencyKey deduplicates retries of the same logical hold.
	IdempotencyKey string
}

// Hold is the provider's record of an uncaptured authorization.
type Hold struct {
	// PaymentIntentID identifies the manual-capture intent at the provider.
	PaymentIntentID string

	// Amount is the authorized maximum in minor units.
	Amount int64

	// Currency is the 3-letter ISO code.
	Currency string
}

// CaptureResult reports a (possibly partial) capture of a hold.
type CaptureResult struct {
	// PaymentIntentID identifies the captured intent.
	PaymentIntentID string

	// AmountCaptured is the amount actually captured in minor units.
	AmountCaptured int64
}

// Balance is a point-in-time account balance.
type Balance struct {
	// Available is the spendable amount in minor units.
	Available int64

	// Pending is the amount not yet settled in minor units.
	Pending int64

	// Currency is the 3-letter ISO code of the amounts above.
	Currency string
}

// Transaction is one entry in the account's transaction history.
type Transaction struct {
	// ID is the provider-assigned transaction identifier.
	ID string

	// Description is the free-text transaction description.
	Description string

	// Amount in minor units; negative for outgoing funds.
	Amount int64

	// Currency is the 3-letter ISO code.
	Currency string

	// CreatedAt is when the provider recorded the transaction.
	CreatedAt time.Time
}

// Provider is the abstraction over the external payment processor.
type Provider interface {
	// CreatePayment creates and confirms an immediate transfer.
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)

	// CreateHold creates a manual-capture authorization for req.Amount.
	// Funds are not moved until CaptureHold.
	CreateHold(ctx context.Context, req HoldRequest) (*Hold, error)

	// CaptureHold captures up to the authorized amount of the identified
	// intent. amount == 0 captures the full authorization.
	CaptureHold(ctx context.Context, paymentIntentID string, amount int64) (*CaptureResult, error)

	// ReleaseHold cancels an uncaptured authorization, returning the funds.
	ReleaseHold(ctx context.Context, paymentIntentID string) error

	// AccountBalance returns the platform account balance.
	AccountBalance(ctx context.Context) (*Balance, error)

	// SearchTransactions returns transactions since the given time whose
	// description matches the query (provider-defined matching).
	SearchTransactions(ctx context.Context, query string, since time.Time) ([]Transaction, error)
}
