package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/accordlabs/accord/internal/agent/bus"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/internal/trigger"
	"github.com/accordlabs/accord/pkg/provider/llm"
	llmmock "github.com/accordlabs/accord/pkg/provider/llm/mock"
	paymentsmock "github.com/accordlabs/accord/pkg/provider/payments/mock"
)

type fakePanel struct {
	mu       sync.Mutex
	sent     []any
	bcast    []any
	sentCh   chan any
	bcastCh  chan any
}

func newFakePanel() *fakePanel {
	return &fakePanel{sentCh: make(chan any, 16), bcastCh: make(chan any, 16)}
}

func (f *fakePanel) Send(_ string, msg any) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	f.sentCh <- msg
}

func (f *fakePanel) Broadcast(_ string, msg any) {
	f.mu.Lock()
	f.bcast = append(f.bcast, msg)
	f.mu.Unlock()
	f.bcastCh <- msg
}

func proposeCall(id string) llm.ToolCall {
	args := `{"summary":"fix the boiler","currency":"GBP","lineItems":[{"description":"labour","amount":4500,"paymentType":"immediate"}]}`
	return llm.ToolCall{ID: id, Name: "analyze_and_propose", Arguments: args}
}

func newTestDriver(t *testing.T, prov llm.Provider, b *bus.Bus, eng *negotiation.Engine, p profile.Profile, peer profile.Profile) (*Driver, *fakePanel) {
	t.Helper()
	pan := newFakePanel()
	exec := payment.NewExecutor(&paymentsmock.Provider{}, nil)
	d := NewDriver(Config{
		RoomID:      "room1",
		Profile:     p,
		PeerProfile: peer,
		LLM:         prov,
		Negotiator:  eng,
		Bus:         b,
		Payments:    exec,
		Panel:       pan,
	})
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d, pan
}

func aliceProfile() profile.Profile {
	p, _ := profile.Normalize(profile.Profile{
		UserID: "alice", DisplayName: "Alice", Role: "plumber",
		PayoutAccountID: "acct_alice",
	})
	p.UserID = "alice"
	return p
}

func bobProfile() profile.Profile {
	p, _ := profile.Normalize(profile.Profile{
		UserID: "bob", DisplayName: "Bob", Role: "customer",
		PayoutAccountID: "acct_bob",
	})
	p.UserID = "bob"
	return p
}

func TestDeriveRole(t *testing.T) {
	t.Parallel()

	cases := map[string]Role{
		"plumber":                  RoleProposer,
		"independent contractor":   RoleProposer,
		"Customer looking for help": RoleResponder,
		"":                         RoleResponder,
		"mysterious stranger":      RoleResponder,
	}
	for text, want := range cases {
		if got := DeriveRole(text); got != want {
			t.Errorf("DeriveRole(%q) = %s, want %s", text, got, want)
		}
	}
}

func TestProposerOpensNegotiationOnTrigger(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	// Wire the engine to the bus the way the room does.
	received := make(chan bus.Message, 4)
	b.Subscribe("bob", func(m bus.Message) { received <- m })

	prov := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{proposeCall("call_1")}},
			{Content: "I have opened the negotiation."},
		},
	}
	d, pan := newTestDriver(t, prov, b, eng, aliceProfile(), bobProfile())

	d.HandleTranscript("alice", "I can fix it for forty five quid")
	d.OnTrigger(trigger.Event{Type: trigger.TypeKeyword, SpeakerID: "bob", MatchedText: "handshake"})

	select {
	case m := <-received:
		if m.Type != bus.TypeProposal || m.FromAgent != "alice" {
			t.Fatalf("bus message = %+v", m)
		}
		if m.Proposal == nil || m.Proposal.LineItems[0].Amount != 4500 {
			t.Fatalf("proposal = %+v", m.Proposal)
		}
		if _, ok := eng.Get(m.NegotiationID); !ok {
			t.Fatal("engine does not know the proposed negotiation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no proposal reached the bus")
	}

	// The final text response surfaces on the user's agent panel.
	select {
	case <-pan.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no agent panel message")
	}

	// The trigger context message must contain the conversation.
	first := prov.CompleteCalls[0].Req
	if !strings.Contains(first.Messages[0].Content, "forty five quid") {
		t.Fatal("trigger turn is missing the conversation context")
	}
	if len(first.Tools) == 0 {
		t.Fatal("no tools offered to the model")
	}
}

func TestResponderEvaluatesProposal(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	n, err := eng.Create("alice", "bob", negotiation.Proposal{
		Summary:  "fix the boiler",
		Currency: "GBP",
		LineItems: []negotiation.LineItem{
			{Description: "labour", Amount: 4500, PaymentType: negotiation.PaymentImmediate},
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	acceptArgs, _ := json.Marshal(map[string]any{"negotiationId": n.ID, "decision": "accept"})
	prov := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "evaluate_proposal", Arguments: string(acceptArgs)}}},
			{Content: "Accepted the offer."},
		},
	}
	d, _ := newTestDriver(t, prov, b, eng, bobProfile(), aliceProfile())
	if d.Role() != RoleResponder {
		t.Fatalf("role = %s, want responder", d.Role())
	}

	toAlice := make(chan bus.Message, 4)
	b.Subscribe("alice", func(m bus.Message) { toAlice <- m })

	prop := n.CurrentProposal()
	b.Send(bus.Message{
		Type: bus.TypeProposal, NegotiationID: n.ID,
		FromAgent: "alice", ToAgent: "bob", Proposal: prop,
	})

	select {
	case m := <-toAlice:
		if m.Type != bus.TypeAccept || m.NegotiationID != n.ID {
			t.Fatalf("bus message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no accept reached the bus")
	}
}

func TestToolErrorsReturnedAsText(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	// Occupy the engine so analyze_and_propose fails.
	if _, err := eng.Create("x", "y", negotiation.Proposal{
		Summary: "other deal", Currency: "GBP",
		LineItems: []negotiation.LineItem{{Description: "z", Amount: 1, PaymentType: negotiation.PaymentImmediate}},
	}); err != nil {
		t.Fatalf("setup Create: %v", err)
	}

	sawErrorText := make(chan string, 1)
	prov := &llmmock.Provider{}
	prov.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == llm.RoleTool {
			select {
			case sawErrorText <- last.Content:
			default:
			}
			return &llm.CompletionResponse{Content: "Understood, waiting."}, nil
		}
		return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{proposeCall("call_1")}}, nil
	}

	d, _ := newTestDriver(t, prov, b, eng, aliceProfile(), bobProfile())
	d.OnTrigger(trigger.Event{Type: trigger.TypeKeyword, SpeakerID: "alice"})

	select {
	case text := <-sawErrorText:
		if !strings.Contains(text, "error:") || !strings.Contains(text, "already active") {
			t.Fatalf("tool result = %q, want error text about an active negotiation", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("model never saw the tool error")
	}
}

func TestToolDepthLimit(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	var calls int
	var mu sync.Mutex
	prov := &llmmock.Provider{}
	prov.CompleteFunc = func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		// Always ask for another balance check; the loop must cut this off.
		return &llm.CompletionResponse{
			ToolCalls: []llm.ToolCall{{ID: "c", Name: "check_balance", Arguments: "{}"}},
		}, nil
	}

	d, pan := newTestDriver(t, prov, b, eng, aliceProfile(), bobProfile())
	d.OnTrigger(trigger.Event{Type: trigger.TypeKeyword, SpeakerID: "alice"})

	select {
	case <-pan.sentCh: // depth-limit error notice
	case <-time.After(5 * time.Second):
		t.Fatal("no depth-limit notice")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 20 {
		t.Fatalf("model calls = %d, want exactly the depth limit of 20", calls)
	}
}

func TestTranscriptBatchFlush(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "noted"},
	}
	d, _ := newTestDriver(t, prov, b, eng, bobProfile(), aliceProfile())

	// Pre-trigger transcripts accumulate without driving the model.
	d.HandleTranscript("alice", "hello there")
	if len(prov.CompleteCalls) != 0 {
		t.Fatal("model ran before the trigger")
	}

	d.OnTrigger(trigger.Event{Type: trigger.TypeSmart, SpeakerID: "alice", Role: trigger.RoleProposer})

	d.HandleTranscript("alice", "actually make it tuesday")
	d.HandleTranscript("bob", "tuesday works")
	// flushBatch runs the turn synchronously; the 2s timer path exercises
	// the same code.
	d.flushBatch()

	if len(prov.CompleteCalls) == 0 {
		t.Fatal("batch never flushed into a model turn")
	}
	req := prov.CompleteCalls[len(prov.CompleteCalls)-1].Req
	batch := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(batch, "tuesday works") || !strings.Contains(batch, "make it tuesday") {
		t.Fatalf("batch message = %q", batch)
	}
}

// newMeteredDriver builds an alice-side driver with a manually readable
// instrument set injected through the config.
func newMeteredDriver(t *testing.T, prov llm.Provider, b *bus.Bus, eng *negotiation.Engine) (*Driver, *fakePanel, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	pan := newFakePanel()
	exec := payment.NewExecutor(&paymentsmock.Provider{}, nil)
	d := NewDriver(Config{
		RoomID:      "room1",
		Profile:     aliceProfile(),
		PeerProfile: bobProfile(),
		LLM:         prov,
		Negotiator:  eng,
		Bus:         b,
		Payments:    exec,
		Panel:       pan,
		Metrics:     m,
	})
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d, pan, reader
}

// histogramCount sums data-point counts of the named float64 histogram.
func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			h, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s is not a float64 histogram", name)
			}
			var n uint64
			for _, dp := range h.DataPoints {
				n += dp.Count
			}
			return n
		}
	}
	return 0
}

// counterSum sums data-point values of the named int64 counter.
func counterSum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			var n int64
			for _, dp := range sum.DataPoints {
				n += dp.Value
			}
			return n
		}
	}
	return 0
}

func TestTurnRecordsModelAndToolMetrics(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	prov := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []llm.ToolCall{proposeCall("call_1")}},
			{Content: "Negotiation opened."},
		},
	}
	d, pan, reader := newMeteredDriver(t, prov, b, eng)

	d.OnTrigger(trigger.Event{Type: trigger.TypeKeyword, SpeakerID: "alice", MatchedText: "handshake"})

	select {
	case <-pan.sentCh:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// Two model round trips: the tool call and the closing text.
	if got := histogramCount(t, rm, "accord.llm.duration"); got != 2 {
		t.Fatalf("llm duration samples = %d, want 2", got)
	}
	if got := histogramCount(t, rm, "accord.tool_execution.duration"); got != 1 {
		t.Fatalf("tool duration samples = %d, want 1", got)
	}
	if got := counterSum(t, rm, "accord.tool.calls"); got != 1 {
		t.Fatalf("tool calls = %d, want 1", got)
	}
}

func TestRoleConcurrentWithTrigger(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "noted"},
	}
	d, _ := newTestDriver(t, prov, b, eng, bobProfile(), aliceProfile())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = d.Role()
		}
	}()

	// The classifier names the peer the proposer, which rewrites this
	// driver's role while Role() is being read.
	d.OnTrigger(trigger.Event{
		Type: trigger.TypeSmart, SpeakerID: "alice",
		Role: trigger.RoleProposer, Confidence: 0.9,
	})
	<-done

	if d.Role() != RoleResponder {
		t.Fatalf("role = %s, want responder", d.Role())
	}
}

func TestPaymentToolRespectsAutoApproveLimit(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()
	eng := negotiation.NewEngine("room1", negotiation.DefaultConfig(), nil, nil)
	defer eng.Close()

	p := bobProfile()
	p.Preferences.MaxAutoApproveAmount = 1000
	d, _ := newTestDriver(t, &llmmock.Provider{}, b, eng, p, aliceProfile())

	out := d.tools.Dispatch(context.Background(), llm.ToolCall{
		Name:      "execute_payment",
		Arguments: `{"amount": 5000, "currency": "GBP", "description": "too much"}`,
	})
	if !strings.Contains(out, "error:") || !strings.Contains(out, "auto-approve") {
		t.Fatalf("dispatch result = %q, want auto-approve error text", out)
	}
}
