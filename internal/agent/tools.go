package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/accordlabs/accord/internal/agent/bus"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/pkg/provider/llm"
)

// Tool argument payloads. All amounts are integer minor units.

type lineItemArgs struct {
	Description  string   `json:"description"`
	Amount       int64    `json:"amount"`
	PaymentType  string   `json:"paymentType"`
	MinAmount    int64    `json:"minAmount,omitempty"`
	MaxAmount    int64    `json:"maxAmount,omitempty"`
	Condition    string   `json:"condition,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
}

type factorArgs struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
	Weight string `json:"weight,omitempty"`
}

type milestoneArgs struct {
	LineItemIndex      int      `json:"lineItemIndex"`
	Description        string   `json:"description,omitempty"`
	Deliverables       []string `json:"deliverables,omitempty"`
	VerificationMethod string   `json:"verificationMethod,omitempty"`
	CompletionCriteria []string `json:"completionCriteria,omitempty"`
}

type proposalArgs struct {
	Summary    string          `json:"summary"`
	Currency   string          `json:"currency"`
	LineItems  []lineItemArgs  `json:"lineItems"`
	Conditions []string        `json:"conditions,omitempty"`
	Factors    []factorArgs    `json:"factors,omitempty"`
	Milestones []milestoneArgs `json:"milestones,omitempty"`
}

func (a proposalArgs) toProposal() negotiation.Proposal {
	p := negotiation.Proposal{
		Summary:    a.Summary,
		Currency:   strings.ToUpper(a.Currency),
		Conditions: a.Conditions,
	}
	for _, li := range a.LineItems {
		p.LineItems = append(p.LineItems, negotiation.LineItem{
			Description:  li.Description,
			Amount:       li.Amount,
			PaymentType:  negotiation.PaymentType(li.PaymentType),
			MinAmount:    li.MinAmount,
			MaxAmount:    li.MaxAmount,
			Condition:    li.Condition,
			Deliverables: li.Deliverables,
		})
	}
	for _, f := range a.Factors {
		p.Factors = append(p.Factors, negotiation.Factor{Name: f.Name, Detail: f.Detail, Weight: f.Weight})
	}
	for _, m := range a.Milestones {
		p.MilestoneSpecs = append(p.MilestoneSpecs, negotiation.MilestoneSpec{
			LineItemIndex:      m.LineItemIndex,
			Description:        m.Description,
			Deliverables:       m.Deliverables,
			VerificationMethod: m.VerificationMethod,
			CompletionCriteria: m.CompletionCriteria,
		})
	}
	return p
}

var lineItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"description":  map[string]any{"type": "string"},
		"amount":       map[string]any{"type": "integer", "description": "amount in minor units"},
		"paymentType":  map[string]any{"type": "string", "enum": []string{"immediate", "escrow", "conditional"}},
		"minAmount":    map[string]any{"type": "integer"},
		"maxAmount":    map[string]any{"type": "integer"},
		"condition":    map[string]any{"type": "string"},
		"deliverables": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"description", "amount", "paymentType"},
}

var proposalSchema = map[string]any{
	"summary":   map[string]any{"type": "string"},
	"currency":  map[string]any{"type": "string", "description": "3-letter ISO code"},
	"lineItems": map[string]any{"type": "array", "items": lineItemSchema},
	"conditions": map[string]any{
		"type": "array", "items": map[string]any{"type": "string"},
	},
	"factors": map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":   map[string]any{"type": "string"},
				"detail": map[string]any{"type": "string"},
				"weight": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
			},
		},
	},
	"milestones": map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"lineItemIndex":      map[string]any{"type": "integer"},
				"description":        map[string]any{"type": "string"},
				"deliverables":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"verificationMethod": map[string]any{"type": "string"},
				"completionCriteria": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	},
}

// registerTools installs the negotiation and payment tools on the driver's
// registry.
func (d *Driver) registerTools() {
	d.tools.Register(Tool{
		Def: d.defAnalyzeAndPropose(),
		Run: d.toolAnalyzeAndPropose,
	})
	d.tools.Register(Tool{
		Def: d.defEvaluateProposal(),
		Run: d.toolEvaluateProposal,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("execute_payment",
			"Pay the other party immediately. Use only for amounts already agreed.",
			map[string]any{
				"amount":      map[string]any{"type": "integer", "description": "minor units"},
				"currency":    map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
			}, []string{"amount", "currency", "description"}),
		Run: d.toolExecutePayment,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("create_escrow_hold",
			"Place an agreed amount on hold in escrow; it is captured or released later based on milestone verification.",
			map[string]any{
				"amount":      map[string]any{"type": "integer", "description": "minor units"},
				"currency":    map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
			}, []string{"amount", "currency", "description"}),
		Run: d.toolCreateEscrowHold,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("capture_escrow",
			"Capture funds from an escrow hold to the other party. Omit amount (or pass 0) to capture in full.",
			map[string]any{
				"holdId": map[string]any{"type": "string"},
				"amount": map[string]any{"type": "integer", "description": "minor units, 0 for full"},
			}, []string{"holdId"}),
		Run: d.toolCaptureEscrow,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("release_escrow",
			"Release an escrow hold back to the payer without paying out.",
			map[string]any{
				"holdId": map[string]any{"type": "string"},
			}, []string{"holdId"}),
		Run: d.toolReleaseEscrow,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("check_balance",
			"Check the available balance of your user's payment account.",
			map[string]any{}, nil),
		Run: d.toolCheckBalance,
	})
	d.tools.Register(Tool{
		Def: llmToolDef("send_message_to_user",
			"Show a short status message to your own user. Use for significant negotiation moves and payment actions.",
			map[string]any{
				"text": map[string]any{"type": "string"},
			}, []string{"text"}),
		Run: d.toolSendMessageToUser,
	})
}

func llmToolDef(name, description string, props map[string]any, required []string) llm.ToolDefinition {
	params := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		params["required"] = required
	}
	return llm.ToolDefinition{Name: name, Description: description, Parameters: params}
}

func (d *Driver) defAnalyzeAndPropose() llm.ToolDefinition {
	return llmToolDef("analyze_and_propose",
		"Open a structured negotiation with the other agent based on what the humans discussed. Only one negotiation can be active at a time.",
		proposalSchema, []string{"summary", "currency", "lineItems"})
}

func (d *Driver) defEvaluateProposal() llm.ToolDefinition {
	props := map[string]any{
		"negotiationId":   map[string]any{"type": "string"},
		"decision":        map[string]any{"type": "string", "enum": []string{"accept", "counter", "reject"}},
		"reason":          map[string]any{"type": "string"},
		"counterProposal": map[string]any{"type": "object", "properties": proposalSchema},
	}
	return llmToolDef("evaluate_proposal",
		"Answer the proposal currently on the table: accept it, reject it with a reason, or counter with revised terms.",
		props, []string{"negotiationId", "decision"})
}

func (d *Driver) toolAnalyzeAndPropose(_ context.Context, args json.RawMessage) (string, error) {
	var a proposalArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	p := a.toProposal()

	n, err := d.cfg.Negotiator.Create(d.userID, d.peerID, p)
	if err != nil {
		if errors.Is(err, negotiation.ErrActiveExists) {
			return "", errors.New("another negotiation is already active; wait for it to close before proposing again")
		}
		return "", err
	}

	sent := n.CurrentProposal()
	d.cfg.Bus.Send(bus.Message{
		Type:          bus.TypeProposal,
		NegotiationID: n.ID,
		FromAgent:     d.userID,
		ToAgent:       d.peerID,
		Proposal:      sent,
	})
	return fmt.Sprintf("proposal sent; negotiation %s opened with a total of %d %s", n.ID, sent.TotalAmount(), sent.Currency), nil
}

func (d *Driver) toolEvaluateProposal(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		NegotiationID   string        `json:"negotiationId"`
		Decision        string        `json:"decision"`
		Reason          string        `json:"reason"`
		CounterProposal *proposalArgs `json:"counterProposal"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if _, ok := d.cfg.Negotiator.Get(a.NegotiationID); !ok {
		return "", fmt.Errorf("unknown negotiation %q", a.NegotiationID)
	}

	msg := bus.Message{
		NegotiationID: a.NegotiationID,
		FromAgent:     d.userID,
		ToAgent:       d.peerID,
		Reason:        a.Reason,
	}
	switch a.Decision {
	case "accept":
		msg.Type = bus.TypeAccept
	case "reject":
		msg.Type = bus.TypeReject
		if a.Reason == "" {
			return "", errors.New("a reject decision requires a reason")
		}
	case "counter":
		if a.CounterProposal == nil {
			return "", errors.New("a counter decision requires counterProposal")
		}
		p := a.CounterProposal.toProposal()
		if err := p.Validate(); err != nil {
			return "", err
		}
		msg.Type = bus.TypeCounter
		msg.Proposal = &p
	default:
		return "", fmt.Errorf("unknown decision %q", a.Decision)
	}

	d.cfg.Bus.Send(msg)
	return fmt.Sprintf("decision %q sent for negotiation %s", a.Decision, a.NegotiationID), nil
}

func (d *Driver) toolExecutePayment(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if limit := d.cfg.Profile.Preferences.MaxAutoApproveAmount; limit > 0 && a.Amount > limit {
		return "", fmt.Errorf("amount %d exceeds your user's auto-approve limit of %d; tell your user instead of paying", a.Amount, limit)
	}
	recipient := d.cfg.PeerProfile.PayoutAccountID
	if recipient == "" {
		return "", errors.New("the other party has no payout account configured")
	}

	res, err := d.cfg.Payments.Execute(ctx, payment.Request{
		Amount:             a.Amount,
		Currency:           strings.ToUpper(a.Currency),
		RecipientAccountID: recipient,
		Description:        a.Description,
	})
	if err != nil {
		return "", err
	}

	d.cfg.Panel.Broadcast(d.cfg.RoomID, panel.NewPaymentReceipt(res.PaymentIntentID, "payment", res.Amount, res.Currency, a.Description))
	return fmt.Sprintf("payment of %d %s completed (intent %s)", res.Amount, res.Currency, res.PaymentIntentID), nil
}

func (d *Driver) toolCreateEscrowHold(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	recipient := d.cfg.PeerProfile.PayoutAccountID
	if recipient == "" {
		return "", errors.New("the other party has no payout account configured")
	}

	hold, err := d.cfg.Payments.CreateHold(ctx, payment.Request{
		Amount:             a.Amount,
		Currency:           strings.ToUpper(a.Currency),
		RecipientAccountID: recipient,
		Description:        a.Description,
	})
	if err != nil {
		return "", err
	}

	d.cfg.Panel.Broadcast(d.cfg.RoomID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_hold", hold.Amount, hold.Currency, a.Description))
	return fmt.Sprintf("escrow hold %s created for %d %s", hold.HoldID, hold.Amount, hold.Currency), nil
}

func (d *Driver) toolCaptureEscrow(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		HoldID string `json:"holdId"`
		Amount int64  `json:"amount"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}

	hold, err := d.cfg.Payments.Capture(ctx, a.HoldID, a.Amount)
	if err != nil {
		return "", err
	}

	d.cfg.Panel.Broadcast(d.cfg.RoomID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_capture", hold.CapturedAmount, hold.Currency, hold.Description))
	return fmt.Sprintf("captured %d %s from hold %s", hold.CapturedAmount, hold.Currency, hold.HoldID), nil
}

func (d *Driver) toolReleaseEscrow(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		HoldID string `json:"holdId"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}

	hold, err := d.cfg.Payments.Release(ctx, a.HoldID)
	if err != nil {
		return "", err
	}

	d.cfg.Panel.Broadcast(d.cfg.RoomID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_release", hold.Amount, hold.Currency, hold.Description))
	return fmt.Sprintf("hold %s released back to the payer", hold.HoldID), nil
}

func (d *Driver) toolCheckBalance(ctx context.Context, _ json.RawMessage) (string, error) {
	b, err := d.cfg.Payments.Balance(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("available balance: %d %s (pending %d)", b.Available, b.Currency, b.Pending), nil
}

func (d *Driver) toolSendMessageToUser(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("bad arguments: %w", err)
	}
	if strings.TrimSpace(a.Text) == "" {
		return "", errors.New("empty message")
	}
	d.cfg.Panel.Send(d.userID, panel.NewAgent(d.userID, a.Text))
	return "message shown to your user", nil
}
