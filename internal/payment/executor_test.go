package payment

import (
	"context"
	"errors"
	"testing"

	paymentsmock "github.com/accordlabs/accord/pkg/provider/payments/mock"
)

func TestExecuteValidatesBeforeProvider(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"zero amount", Request{Amount: 0, Currency: "GBP", RecipientAccountID: "acct_1"}, ErrInvalidAmount},
		{"negative amount", Request{Amount: -5, Currency: "GBP", RecipientAccountID: "acct_1"}, ErrInvalidAmount},
		{"bad currency", Request{Amount: 100, Currency: "pounds", RecipientAccountID: "acct_1"}, ErrInvalidCurrency},
		{"no recipient", Request{Amount: 100, Currency: "GBP"}, ErrNoRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Execute(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if len(prov.PaymentRequests) != 0 {
		t.Fatalf("provider was called %d times for invalid requests", len(prov.PaymentRequests))
	}
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)

	res, err := e.Execute(context.Background(), Request{
		Amount: 4500, Currency: "GBP", RecipientAccountID: "acct_provider", Description: "boiler repair",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.PaymentIntentID == "" {
		t.Fatal("empty payment intent ID")
	}
	if len(prov.PaymentRequests) != 1 || prov.PaymentRequests[0].Amount != 4500 {
		t.Fatalf("provider saw %+v", prov.PaymentRequests)
	}
	if prov.PaymentRequests[0].IdempotencyKey == "" {
		t.Fatal("no idempotency key passed to provider")
	}
}

func TestHoldLifecycle(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)
	ctx := context.Background()

	hold, err := e.CreateHold(ctx, Request{
		Amount: 2000, Currency: "GBP", RecipientAccountID: "acct_provider", Description: "escrow: parts",
	})
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}
	if hold.Status != HoldHeld {
		t.Fatalf("status = %s, want held", hold.Status)
	}

	// Partial capture.
	captured, err := e.Capture(ctx, hold.HoldID, 1500)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if captured.Status != HoldCaptured || captured.CapturedAmount != 1500 {
		t.Fatalf("captured = %+v", captured)
	}

	// Terminal states are sticky.
	if _, err := e.Capture(ctx, hold.HoldID, 100); !errors.Is(err, ErrHoldNotHeld) {
		t.Fatalf("double capture err = %v, want ErrHoldNotHeld", err)
	}
	if _, err := e.Release(ctx, hold.HoldID); !errors.Is(err, ErrHoldNotHeld) {
		t.Fatalf("release after capture err = %v, want ErrHoldNotHeld", err)
	}
}

func TestCaptureFullWhenAmountZero(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)
	ctx := context.Background()

	hold, err := e.CreateHold(ctx, Request{Amount: 2000, Currency: "GBP", RecipientAccountID: "acct_1"})
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}

	captured, err := e.Capture(ctx, hold.HoldID, 0)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if captured.CapturedAmount != 2000 {
		t.Fatalf("CapturedAmount = %d, want full 2000", captured.CapturedAmount)
	}
}

func TestCaptureAboveHoldFails(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)
	ctx := context.Background()

	hold, err := e.CreateHold(ctx, Request{Amount: 2000, Currency: "GBP", RecipientAccountID: "acct_1"})
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}

	if _, err := e.Capture(ctx, hold.HoldID, 2500); !errors.Is(err, ErrAmountExceedsHold) {
		t.Fatalf("over-capture err = %v, want ErrAmountExceedsHold", err)
	}

	// The failed capture must not have consumed the hold.
	got, ok := e.Hold(hold.HoldID)
	if !ok || got.Status != HoldHeld {
		t.Fatalf("hold after failed capture = %+v", got)
	}
}

func TestReleaseReturnsAuthorization(t *testing.T) {
	t.Parallel()

	prov := &paymentsmock.Provider{}
	e := NewExecutor(prov, nil)
	ctx := context.Background()

	hold, err := e.CreateHold(ctx, Request{Amount: 2000, Currency: "GBP", RecipientAccountID: "acct_1"})
	if err != nil {
		t.Fatalf("CreateHold: %v", err)
	}

	released, err := e.Release(ctx, hold.HoldID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != HoldReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
	if len(prov.Releases) != 1 {
		t.Fatalf("provider releases = %d, want 1", len(prov.Releases))
	}
}

func TestUnknownHold(t *testing.T) {
	t.Parallel()

	e := NewExecutor(&paymentsmock.Provider{}, nil)
	if _, err := e.Capture(context.Background(), "nope", 0); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("err = %v, want ErrHoldNotFound", err)
	}
	if _, err := e.Release(context.Background(), "nope"); !errors.Is(err, ErrHoldNotFound) {
		t.Fatalf("err = %v, want ErrHoldNotFound", err)
	}
}
