// Package agent runs one LLM-backed negotiation agent per room member. A
// driver stays dormant while the humans talk, accumulating conversation
// context, and takes over once the room's trigger fires: the proposing
// agent opens a structured negotiation, the responding agent evaluates, and
// both act through tools (negotiation, payments, escrow, user messaging).
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/accordlabs/accord/internal/agent/bus"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/internal/trigger"
	"github.com/accordlabs/accord/pkg/provider/llm"
	"github.com/accordlabs/accord/pkg/provider/payments"
)

const (
	// batchWindow is how long final transcripts accumulate before being
	// flushed into one model turn.
	batchWindow = 2 * time.Second

	// maxToolDepth bounds tool iterations within a single turn.
	maxToolDepth = 20

	// turnTimeout bounds one full model turn including tool calls.
	turnTimeout = 120 * time.Second
)

// Negotiator is the slice of the negotiation engine a driver needs.
type Negotiator interface {
	Create(initiator, responder string, p negotiation.Proposal) (*negotiation.Negotiation, error)
	Get(id string) (*negotiation.Negotiation, bool)
}

// Payments is the slice of the payment executor a driver needs.
type Payments interface {
	Execute(ctx context.Context, req payment.Request) (*payment.Result, error)
	CreateHold(ctx context.Context, req payment.Request) (*payment.EscrowHold, error)
	Capture(ctx context.Context, holdID string, amount int64) (*payment.EscrowHold, error)
	Release(ctx context.Context, holdID string) (*payment.EscrowHold, error)
	Balance(ctx context.Context) (*payments.Balance, error)
}

// Emitter is the slice of the panel emitter a driver needs.
type Emitter interface {
	Send(userID string, msg any)
	Broadcast(roomID string, msg any)
}

// Config wires one driver.
type Config struct {
	RoomID      string
	Profile     profile.Profile
	PeerProfile profile.Profile
	LLM         llm.Provider
	Negotiator  Negotiator
	Bus         *bus.Bus
	Payments    Payments
	Panel       Emitter
	Logger      *slog.Logger

	// Metrics receives model and tool latency. Nil falls back to the
	// default set.
	Metrics *observe.Metrics
}

// Driver is one member's agent.
type Driver struct {
	cfg     Config
	userID  string
	peerID  string
	role    Role
	tools   *Registry
	logger  *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// turnMu serialises model turns; transcripts, bus messages and timers
	// all funnel through it.
	turnMu sync.Mutex

	mu         sync.Mutex
	messages   []llm.Message
	transcript []string // full conversation, pre- and post-trigger
	pending    []string // post-trigger batch awaiting flush
	batchTimer *time.Timer
	triggered  bool
}

// NewDriver creates a dormant driver. Call Start to subscribe it to the bus.
func NewDriver(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	d := &Driver{
		cfg:     cfg,
		userID:  cfg.Profile.UserID,
		peerID:  cfg.PeerProfile.UserID,
		role:    DeriveRole(cfg.Profile.Role),
		tools:   NewRegistry(),
		logger:  logger.With("agent", cfg.Profile.UserID, "room_id", cfg.RoomID),
		metrics: metrics,
	}
	d.registerTools()
	return d
}

// Role returns the derived negotiation role.
func (d *Driver) Role() Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.role
}

// Start subscribes the driver to the agent bus. The context bounds all
// model calls; cancelling it (or calling Close) stops the driver.
func (d *Driver) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.cfg.Bus.Subscribe(d.userID, d.onBusMessage)
}

// Close detaches the driver from the bus and cancels in-flight turns.
func (d *Driver) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.cfg.Bus.Unsubscribe(d.userID)
	d.mu.Lock()
	if d.batchTimer != nil {
		d.batchTimer.Stop()
		d.batchTimer = nil
	}
	d.mu.Unlock()
}

// HandleTranscript feeds one final transcript line (from either speaker)
// into the driver. Before the trigger it only extends the conversation
// context; after, it batches toward a model turn.
func (d *Driver) HandleTranscript(speakerID, text string) {
	line := fmt.Sprintf("[%s] %s", speakerID, text)

	d.mu.Lock()
	d.transcript = append(d.transcript, line)
	if !d.triggered {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, line)
	if d.batchTimer == nil {
		d.batchTimer = time.AfterFunc(batchWindow, d.flushBatch)
	}
	d.mu.Unlock()
}

// OnTrigger moves the driver from dormant to active. Any pending batch is
// discarded in favour of one synthetic message carrying the trigger metadata
// and the conversation so far. The proposing agent immediately runs a turn.
func (d *Driver) OnTrigger(ev trigger.Event) {
	d.mu.Lock()
	if d.triggered {
		d.mu.Unlock()
		return
	}
	d.triggered = true
	d.pending = nil
	if d.batchTimer != nil {
		d.batchTimer.Stop()
		d.batchTimer = nil
	}
	conversation := strings.Join(d.transcript, "\n")

	// The classifier can override the keyword-derived role for the speaker.
	if ev.SpeakerID == d.userID {
		switch ev.Role {
		case trigger.RoleProposer:
			d.role = RoleProposer
		case trigger.RoleResponder:
			d.role = RoleResponder
		}
	} else if ev.SpeakerID == d.peerID {
		switch ev.Role {
		case trigger.RoleProposer:
			d.role = RoleResponder
		case trigger.RoleResponder:
			d.role = RoleProposer
		}
	}
	role := d.role
	d.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Negotiation mode has been triggered (%s", ev.Type)
	if ev.MatchedText != "" {
		fmt.Fprintf(&b, ", matched on %q", ev.MatchedText)
	}
	b.WriteString(").\n")
	if ev.Summary != "" {
		fmt.Fprintf(&b, "Detected intent: %s\n", ev.Summary)
	}
	if len(ev.Terms) > 0 {
		fmt.Fprintf(&b, "Terms already mentioned: %s\n", strings.Join(ev.Terms, "; "))
	}
	fmt.Fprintf(&b, "\nConversation so far:\n%s\n", conversation)
	if role == RoleProposer {
		b.WriteString("\nAnalyze the conversation and open the negotiation with analyze_and_propose now.")
	} else {
		b.WriteString("\nThe other side will propose shortly. Wait for their proposal and evaluate it.")
	}

	d.appendMessage(llm.Message{Role: llm.RoleUser, Content: b.String()})
	d.logger.Info("agent activated", "role", string(role), "trigger", string(ev.Type))

	if role == RoleProposer {
		go d.runTurn()
	}
}

// flushBatch turns the pending transcript batch into one user message and
// runs a turn.
func (d *Driver) flushBatch() {
	d.mu.Lock()
	d.batchTimer = nil
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := strings.Join(d.pending, "\n")
	d.pending = nil
	d.mu.Unlock()

	d.appendMessage(llm.Message{Role: llm.RoleUser, Content: "The humans said:\n" + batch})
	d.runTurn()
}

// onBusMessage handles a message from the peer agent. Runs on the bus
// delivery goroutine.
func (d *Driver) onBusMessage(msg bus.Message) {
	var b strings.Builder
	switch msg.Type {
	case bus.TypeProposal, bus.TypeCounter:
		verb := "proposed"
		if msg.Type == bus.TypeCounter {
			verb = "counter-proposed"
		}
		fmt.Fprintf(&b, "The other agent %s (negotiation %s):\n%s\n", verb, msg.NegotiationID, renderProposal(msg.Proposal))
		if msg.Reason != "" {
			fmt.Fprintf(&b, "Their reasoning: %s\n", msg.Reason)
		}
		fmt.Fprintf(&b, "\nEvaluate it with evaluate_proposal (negotiationId %q): accept, counter, or reject per your user's interests.", msg.NegotiationID)
	case bus.TypeAccept:
		fmt.Fprintf(&b, "The other agent ACCEPTED your proposal in negotiation %s. The agreement moves to contract drafting; no further negotiation action is needed.", msg.NegotiationID)
	case bus.TypeReject:
		fmt.Fprintf(&b, "The other agent REJECTED negotiation %s", msg.NegotiationID)
		if msg.Reason != "" {
			fmt.Fprintf(&b, " with reason: %s", msg.Reason)
		}
		b.WriteString(". Briefly inform your user via send_message_to_user; do not open a new negotiation unless the humans restart.")
	default:
		return
	}

	d.appendMessage(llm.Message{Role: llm.RoleUser, Content: b.String()})
	if msg.Type == bus.TypeProposal || msg.Type == bus.TypeCounter || msg.Type == bus.TypeReject {
		d.runTurn()
	}
}

func (d *Driver) appendMessage(msg llm.Message) {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	d.mu.Unlock()
}

// runTurn drives the model until it stops calling tools or the depth limit
// is hit. One turn at a time; later triggers queue on turnMu.
func (d *Driver) runTurn() {
	d.turnMu.Lock()
	defer d.turnMu.Unlock()

	if d.ctx == nil || d.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, turnTimeout)
	defer cancel()

	system := systemPrompt(d.cfg.Profile, d.cfg.PeerProfile, d.Role())
	tools := d.tools.Definitions()

	for depth := 0; depth < maxToolDepth; depth++ {
		d.mu.Lock()
		msgs := append([]llm.Message(nil), d.messages...)
		d.mu.Unlock()

		start := time.Now()
		resp, err := d.cfg.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     msgs,
			Tools:        tools,
		})
		d.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			d.logger.Error("agent turn failed", "error", err)
			d.cfg.Panel.Send(d.userID, panel.NewError("agent_error", "agent is temporarily unavailable"))
			return
		}

		d.appendMessage(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			if text := strings.TrimSpace(resp.Content); text != "" {
				d.cfg.Panel.Send(d.userID, panel.NewAgent(d.userID, text))
			}
			return
		}

		for _, call := range resp.ToolCalls {
			toolStart := time.Now()
			result := d.tools.Dispatch(ctx, call)
			d.metrics.ToolExecutionDuration.Record(ctx, time.Since(toolStart).Seconds())
			status := "ok"
			if strings.HasPrefix(result, "error:") {
				status = "error"
			}
			d.metrics.RecordToolCall(ctx, call.Name, status)
			d.logger.Debug("tool call", "tool", call.Name, "result_len", len(result))
			d.appendMessage(llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	d.logger.Warn("agent hit tool depth limit", "depth", maxToolDepth)
	d.cfg.Panel.Send(d.userID, panel.NewError("agent_depth", "agent stopped after too many tool calls"))
}

// renderProposal formats a proposal for the model.
func renderProposal(p *negotiation.Proposal) string {
	if p == nil {
		return "(no proposal attached)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\nCurrency: %s\nLine items:\n", p.Summary, p.Currency)
	for i, li := range p.LineItems {
		fmt.Fprintf(&b, "  %d. %s, amount %d (%s)", i+1, li.Description, li.Amount, li.PaymentType)
		if li.PaymentType == negotiation.PaymentConditional && li.MaxAmount > 0 {
			fmt.Fprintf(&b, ", range %d..%d", li.MinAmount, li.MaxAmount)
		}
		if li.Condition != "" {
			fmt.Fprintf(&b, ", condition: %s", li.Condition)
		}
		b.WriteString("\n")
	}
	for _, c := range p.Conditions {
		fmt.Fprintf(&b, "Condition: %s\n", c)
	}
	fmt.Fprintf(&b, "Total (worst case): %d %s", p.TotalAmount(), p.Currency)
	return b.String()
}
