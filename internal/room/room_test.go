package room

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/accordlabs/accord/internal/document"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/pkg/provider/llm"
	llmmock "github.com/accordlabs/accord/pkg/provider/llm/mock"
	paymock "github.com/accordlabs/accord/pkg/provider/payments/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory panel.Conn recording everything written to it.
type fakeConn struct {
	mu   sync.Mutex
	msgs []any
}

func (c *fakeConn) WriteJSON(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *fakeConn) Close(int, string) error { return nil }

// msgsOf filters a connection's recorded messages by panel message type.
func msgsOf[T any](c *fakeConn) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []T
	for _, m := range c.msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	t     *testing.T
	orc   *Orchestrator
	llm   *llmmock.Provider
	pay   *paymock.Provider
	em    *panel.Emitter
	conns map[string]*fakeConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "SERVICE AGREEMENT"},
	}
	pay := &paymock.Provider{}
	em := panel.NewEmitter(testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	orc := NewOrchestrator(ctx, Config{
		LLM:         prov,
		Payments:    payment.NewExecutor(pay, testLogger()),
		Profiles:    profile.NewStore(),
		Panel:       em,
		Logger:      testLogger(),
		Negotiation: negotiation.DefaultConfig(),
	})
	t.Cleanup(func() {
		orc.Close()
		cancel()
	})

	return &fixture{t: t, orc: orc, llm: prov, pay: pay, em: em, conns: make(map[string]*fakeConn)}
}

func (f *fixture) connect(roomID, userID string) *fakeConn {
	c := &fakeConn{}
	f.em.Register(roomID, userID, c)
	f.conns[userID] = c
	return c
}

// joinPair sets up alice (provider) and bob (client) with panel sockets and
// joins them both, pairing the agents.
func (f *fixture) joinPair(roomID string) *Room {
	f.t.Helper()

	if err := f.orc.SetProfile("alice", profile.Profile{
		DisplayName:     "Alice",
		Role:            "plumber",
		PayoutAccountID: "acct_alice",
	}); err != nil {
		f.t.Fatalf("SetProfile alice: %v", err)
	}
	if err := f.orc.SetProfile("bob", profile.Profile{
		DisplayName: "Bob",
		Role:        "customer",
	}); err != nil {
		f.t.Fatalf("SetProfile bob: %v", err)
	}

	f.connect(roomID, "alice")
	f.connect(roomID, "bob")

	if _, err := f.orc.Join(roomID, "alice"); err != nil {
		f.t.Fatalf("Join alice: %v", err)
	}
	r, err := f.orc.Join(roomID, "bob")
	if err != nil {
		f.t.Fatalf("Join bob: %v", err)
	}
	return r
}

// boilerProposal is an immediate labour item plus an escrowed parts item.
func boilerProposal() negotiation.Proposal {
	return negotiation.Proposal{
		Summary:  "Boiler repair",
		Currency: "GBP",
		LineItems: []negotiation.LineItem{
			{Description: "Labour", Amount: 15000, PaymentType: negotiation.PaymentImmediate},
			{
				Description: "Parts",
				Amount:      5000,
				PaymentType: negotiation.PaymentEscrow,
				Condition:   "parts installed and boiler working",
			},
		},
	}
}

// conditionalProposal swaps the escrow item for a range-priced conditional one.
func conditionalProposal() negotiation.Proposal {
	p := boilerProposal()
	p.LineItems[1] = negotiation.LineItem{
		Description: "Parts",
		Amount:      5000,
		PaymentType: negotiation.PaymentConditional,
		MinAmount:   2000,
		MaxAmount:   5000,
		Condition:   "actual parts cost, receipts provided",
	}
	return p
}

// agree runs a minimal negotiation to agreement and waits for the generated
// contract document.
func (f *fixture) agree(r *Room, prop negotiation.Proposal) *document.Document {
	f.t.Helper()

	n, err := r.engine.Create("alice", "bob", prop)
	if err != nil {
		f.t.Fatalf("Create: %v", err)
	}
	if err := r.engine.Accept(n.ID, "bob"); err != nil {
		f.t.Fatalf("Accept: %v", err)
	}

	var doc *document.Document
	waitFor(f.t, "generated document", func() bool {
		for _, d := range msgsOf[panel.Document](f.conns["bob"]) {
			if d.Event == "generated" {
				doc = d.Document.(*document.Document)
				return true
			}
		}
		return false
	})
	return doc
}

// signAndExecute has both parties sign and waits for execution to finish,
// returning the document with its escrow holds recorded.
func (f *fixture) signAndExecute(r *Room, docID string) *document.Document {
	f.t.Helper()

	r.Dispatch("alice", Inbound{Type: "sign_document", DocumentID: docID})
	r.Dispatch("bob", Inbound{Type: "sign_document", DocumentID: docID})

	waitFor(f.t, "execution completed", func() bool {
		for _, e := range msgsOf[panel.Execution](f.conns["bob"]) {
			if e.Step == "completed" {
				return true
			}
		}
		return false
	})

	doc, ok := r.docs.Get(docID)
	if !ok {
		f.t.Fatalf("document %s vanished after execution", docID)
	}
	return doc
}

func verdictResponse(status string, amount int64) *llm.CompletionResponse {
	args, _ := json.Marshal(map[string]any{
		"status":            status,
		"reasoning":         "checked with the client",
		"recommendedAmount": amount,
	})
	return &llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{ID: "v1", Name: "submit_verdict", Arguments: string(args)}},
	}
}

func verdictResponseNoAmount(status string) *llm.CompletionResponse {
	args, _ := json.Marshal(map[string]any{"status": status, "reasoning": "checked with the client"})
	return &llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{ID: "v1", Name: "submit_verdict", Arguments: string(args)}},
	}
}

func TestFinalTranscriptReachesPanelsAndWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")

	r.HandleFinalTranscript("alice", "I can take a look at the boiler tomorrow")

	lines := msgsOf[panel.Transcript](f.conns["bob"])
	if len(lines) != 1 {
		t.Fatalf("transcripts on bob's panel = %d, want 1", len(lines))
	}
	got := lines[0]
	if !got.IsFinal || got.Speaker != "Alice" || got.SpeakerID != "alice" {
		t.Errorf("transcript = %+v, want final line from Alice", got)
	}

	w := r.detector.Window()
	if len(w) != 1 || w[0].Text != "I can take a look at the boiler tomorrow" {
		t.Errorf("detector window = %+v, want the spoken line", w)
	}
}

func TestKeywordTriggerFiresOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")

	r.HandleFinalTranscript("bob", "sounds good, let's handshake on that")

	waitFor(t, "trigger_fired status", func() bool {
		for _, s := range msgsOf[panel.Status](f.conns["alice"]) {
			if s.Event == "trigger_fired" {
				return true
			}
		}
		return false
	})
	if !r.detector.Latched() {
		t.Error("detector should be latched after the keyword")
	}

	// A second mention must not fire again.
	r.HandleFinalTranscript("bob", "handshake, I said")
	fired := 0
	for _, s := range msgsOf[panel.Status](f.conns["alice"]) {
		if s.Event == "trigger_fired" {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("trigger fired %d times, want 1", fired)
	}
}

func TestSetTriggerKeyword(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")

	r.Dispatch("bob", Inbound{Type: "set_trigger_keyword", Keyword: "dealtime"})
	if got := r.detector.Keyword(); got != "dealtime" {
		t.Fatalf("keyword = %q, want dealtime", got)
	}

	r.Dispatch("bob", Inbound{Type: "set_trigger_keyword"})
	errs := msgsOf[panel.Error](f.conns["bob"])
	if len(errs) == 0 || errs[0].Code != "bad_request" {
		t.Errorf("empty keyword should answer bad_request, got %+v", errs)
	}
	if got := r.detector.Keyword(); got != "dealtime" {
		t.Errorf("keyword = %q, want unchanged dealtime", got)
	}
}

func TestDispatchRejectsNonMembersAndUnknownTypes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	f.connect("room1", "mallory")

	r.Dispatch("mallory", Inbound{Type: "sign_document", DocumentID: "doc-1"})
	errs := msgsOf[panel.Error](f.conns["mallory"])
	if len(errs) != 1 || errs[0].Code != "not_member" {
		t.Fatalf("non-member dispatch errors = %+v, want one not_member", errs)
	}

	r.Dispatch("bob", Inbound{Type: "dance"})
	errs = msgsOf[panel.Error](f.conns["bob"])
	if len(errs) != 1 || errs[0].Code != "unknown_type" {
		t.Fatalf("unknown type errors = %+v, want one unknown_type", errs)
	}
}

func TestAgreementGeneratesDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")

	doc := f.agree(r, boilerProposal())

	if doc.Status != document.StatusPendingSignatures {
		t.Errorf("status = %s, want pending_signatures", doc.Status)
	}
	if doc.Content != "SERVICE AGREEMENT" {
		t.Errorf("content = %q, want the drafted text", doc.Content)
	}
	if len(doc.Parties) != 2 || doc.Parties[0].Role != "provider" || doc.Parties[0].UserID != "alice" {
		t.Errorf("parties = %+v, want alice as provider first", doc.Parties)
	}
	// One milestone for the escrowed parts item, none for the immediate labour.
	if len(doc.Milestones) != 1 {
		t.Fatalf("milestones = %d, want 1", len(doc.Milestones))
	}
	if m := doc.Milestones[0]; m.Amount != 5000 || m.Status != document.MilestonePending {
		t.Errorf("milestone = %+v, want pending 5000", m)
	}
}

func TestSignAndExecuteMovesMoney(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)

	if doc.Status != document.StatusFullySigned {
		t.Errorf("status = %s, want fully_signed", doc.Status)
	}

	// Immediate labour paid up front.
	if len(f.pay.PaymentRequests) != 1 {
		t.Fatalf("payments = %d, want 1", len(f.pay.PaymentRequests))
	}
	if req := f.pay.PaymentRequests[0]; req.Amount != 15000 || req.RecipientAccountID != "acct_alice" {
		t.Errorf("payment = %+v, want 15000 to acct_alice", req)
	}

	// Escrowed parts held, not captured.
	if len(f.pay.HoldRequests) != 1 {
		t.Fatalf("holds = %d, want 1", len(f.pay.HoldRequests))
	}
	if req := f.pay.HoldRequests[0]; req.Amount != 5000 {
		t.Errorf("hold amount = %d, want 5000", req.Amount)
	}
	if len(f.pay.Captures) != 0 {
		t.Errorf("captures = %d, want 0 before verification", len(f.pay.Captures))
	}
	if doc.Milestones[0].HoldID == "" {
		t.Error("milestone should record its escrow hold")
	}

	// Receipts for both movements reached the panels.
	var kinds []string
	for _, rc := range msgsOf[panel.PaymentReceipt](f.conns["alice"]) {
		kinds = append(kinds, rc.Kind)
	}
	if len(kinds) != 2 || kinds[0] != "payment" || kinds[1] != "escrow_hold" {
		t.Errorf("receipt kinds = %v, want [payment escrow_hold]", kinds)
	}
}

func TestProposeAndApproveMilestoneAmount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	r.Dispatch("alice", Inbound{
		Type: "propose_milestone_amount", DocumentID: doc.ID, MilestoneID: msID, Amount: 5000,
	})

	// The proposer cannot approve their own amount.
	r.Dispatch("alice", Inbound{
		Type: "approve_milestone_amount", DocumentID: doc.ID, MilestoneID: msID,
	})
	if len(f.pay.Captures) != 0 {
		t.Fatal("self-approval must not capture")
	}

	r.Dispatch("bob", Inbound{
		Type: "approve_milestone_amount", DocumentID: doc.ID, MilestoneID: msID,
	})
	if len(f.pay.Captures) != 1 || f.pay.Captures[0].Amount != 5000 {
		t.Fatalf("captures = %+v, want one of 5000", f.pay.Captures)
	}

	got, _ := r.docs.Get(doc.ID)
	m := got.Milestones[0]
	if m.Status != document.MilestoneCompleted || m.VerifiedAmount != 5000 {
		t.Errorf("milestone = %+v, want completed with 5000", m)
	}
}

func TestProposeAmountOutsideRangeRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, conditionalProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	r.Dispatch("alice", Inbound{
		Type: "propose_milestone_amount", DocumentID: doc.ID, MilestoneID: msID, Amount: 1000,
	})
	errs := msgsOf[panel.Error](f.conns["alice"])
	if len(errs) == 0 || errs[len(errs)-1].Code != "bad_amount" {
		t.Fatalf("errors = %+v, want bad_amount for below-range proposal", errs)
	}
}

func TestReleaseEscrowFailsMilestone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	r.Dispatch("alice", Inbound{Type: "release_escrow", DocumentID: doc.ID, MilestoneID: msID})

	if len(f.pay.Releases) != 1 {
		t.Fatalf("releases = %d, want 1", len(f.pay.Releases))
	}
	got, _ := r.docs.Get(doc.ID)
	if got.Milestones[0].Status != document.MilestoneFailed {
		t.Errorf("milestone status = %s, want failed", got.Milestones[0].Status)
	}

	var kinds []string
	for _, rc := range msgsOf[panel.PaymentReceipt](f.conns["bob"]) {
		kinds = append(kinds, rc.Kind)
	}
	if kinds[len(kinds)-1] != "escrow_release" {
		t.Errorf("last receipt = %v, want escrow_release", kinds)
	}
}

func TestVerifyMilestonePassedCapturesRecommended(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, conditionalProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	f.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return verdictResponse("passed", 3000), nil
	}

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})

	waitFor(t, "milestone completed", func() bool {
		got, _ := r.docs.Get(doc.ID)
		return got.Milestones[0].Status == document.MilestoneCompleted
	})

	got, _ := r.docs.Get(doc.ID)
	if got.Milestones[0].VerifiedAmount != 3000 {
		t.Errorf("verified amount = %d, want 3000", got.Milestones[0].VerifiedAmount)
	}
	if len(f.pay.Captures) != 1 || f.pay.Captures[0].Amount != 3000 {
		t.Errorf("captures = %+v, want one partial capture of 3000", f.pay.Captures)
	}
}

func TestVerifyMilestoneZeroPayoutReleasesEscrow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	prop := conditionalProposal()
	prop.LineItems[1].MinAmount = 0
	doc := f.agree(r, prop)
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	// A passed verdict recommending a zero payout must return the hold, not
	// capture it in full.
	f.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return verdictResponse("passed", 0), nil
	}

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})

	waitFor(t, "milestone completed", func() bool {
		got, _ := r.docs.Get(doc.ID)
		return got.Milestones[0].Status == document.MilestoneCompleted
	})

	if len(f.pay.Captures) != 0 {
		t.Errorf("captures = %+v, want none for a zero payout", f.pay.Captures)
	}
	if len(f.pay.Releases) != 1 {
		t.Errorf("releases = %d, want 1", len(f.pay.Releases))
	}
	got, _ := r.docs.Get(doc.ID)
	if got.Milestones[0].VerifiedAmount != 0 {
		t.Errorf("verified amount = %d, want 0", got.Milestones[0].VerifiedAmount)
	}
}

func TestVerifyMilestoneNoRecommendationCapturesFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, conditionalProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	f.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return verdictResponseNoAmount("passed"), nil
	}

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})

	waitFor(t, "milestone completed", func() bool {
		got, _ := r.docs.Get(doc.ID)
		return got.Milestones[0].Status == document.MilestoneCompleted
	})

	// Without a recommendation the capture takes the whole authorization.
	if len(f.pay.Captures) != 1 || f.pay.Captures[0].Amount != 5000 {
		t.Fatalf("captures = %+v, want one full capture of 5000", f.pay.Captures)
	}
	got, _ := r.docs.Get(doc.ID)
	if got.Milestones[0].VerifiedAmount != 5000 {
		t.Errorf("verified amount = %d, want the full 5000", got.Milestones[0].VerifiedAmount)
	}
}

func TestVerifyMilestoneFailedReleasesEscrow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	f.llm.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return verdictResponse("failed", 0), nil
	}

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})

	waitFor(t, "milestone failed", func() bool {
		got, _ := r.docs.Get(doc.ID)
		return got.Milestones[0].Status == document.MilestoneFailed
	})

	if len(f.pay.Releases) != 1 {
		t.Errorf("releases = %d, want 1", len(f.pay.Releases))
	}
	if len(f.pay.Captures) != 0 {
		t.Errorf("captures = %d, want 0", len(f.pay.Captures))
	}
}

func TestVerifyMilestoneRejectsConcurrentSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	// Hold the first session open until released.
	release := make(chan struct{})
	f.llm.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return verdictResponse("passed", 0), nil
	}

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})
	waitFor(t, "first session started", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.verifying[msID]
	})

	r.Dispatch("bob", Inbound{Type: "verify_milestone", DocumentID: doc.ID, MilestoneID: msID})
	errs := msgsOf[panel.Error](f.conns["bob"])
	if len(errs) == 0 || errs[len(errs)-1].Code != "bad_state" {
		t.Fatalf("errors = %+v, want bad_state for the second session", errs)
	}

	close(release)
	waitFor(t, "milestone resolved", func() bool {
		got, _ := r.docs.Get(doc.ID)
		return got.Milestones[0].Status.Terminal()
	})
}

func TestMilestoneActionsOnUnknownDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")

	r.Dispatch("bob", Inbound{Type: "confirm_milestone", DocumentID: "nope", MilestoneID: "ms"})
	errs := msgsOf[panel.Error](f.conns["bob"])
	if len(errs) != 1 || errs[0].Code != "not_found" {
		t.Fatalf("errors = %+v, want one not_found", errs)
	}
}

func TestConfirmMilestoneBroadcasts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	r := f.joinPair("room1")
	doc := f.agree(r, boilerProposal())
	doc = f.signAndExecute(r, doc.ID)
	msID := doc.Milestones[0].ID

	r.Dispatch("alice", Inbound{Type: "confirm_milestone", DocumentID: doc.ID, MilestoneID: msID})
	r.Dispatch("bob", Inbound{Type: "confirm_milestone", DocumentID: doc.ID, MilestoneID: msID})

	var details []string
	for _, m := range msgsOf[panel.Milestone](f.conns["alice"]) {
		details = append(details, m.Detail)
	}
	if len(details) < 2 || details[len(details)-1] != "confirmed by both parties" {
		t.Errorf("milestone details = %v, want both-parties confirmation last", details)
	}

	// Confirmation alone moves no money.
	if len(f.pay.Captures)+len(f.pay.Releases) != 0 {
		t.Error("confirmation must not touch the escrow hold")
	}
}
