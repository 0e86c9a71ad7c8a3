// Package negotiation implements the structured bargaining state machine
// between the two agents of a room: one active negotiation at a time, an
// appended round history with a hard round limit, and per-round and overall
// deadlines. The engine does not police whose turn it is; round alternation
// is a property of the bus and agent contract, and any ordering of rounds is
// accepted and recorded.
package negotiation

import (
	"errors"
	"fmt"
	"time"
)

// PaymentType classifies how a line item's money moves.
type PaymentType string

const (
	// PaymentImmediate is paid up front on contract execution.
	PaymentImmediate PaymentType = "immediate"

	// PaymentEscrow is held in escrow and captured on milestone completion.
	PaymentEscrow PaymentType = "escrow"

	// PaymentConditional is held in escrow with a payout amount decided by
	// verification, between MinAmount and MaxAmount.
	PaymentConditional PaymentType = "conditional"
)

// IsValid reports whether t is a recognised payment type.
func (t PaymentType) IsValid() bool {
	switch t {
	case PaymentImmediate, PaymentEscrow, PaymentConditional:
		return true
	}
	return false
}

// LineItem is one priced element of a proposal. Amounts are integer minor
// units of the proposal currency.
type LineItem struct {
	Description string      `json:"description"`
	Amount      int64       `json:"amount"`
	PaymentType PaymentType `json:"paymentType"`

	// MinAmount and MaxAmount bound the payout of a conditional item.
	// Zero MaxAmount means unbounded above by anything but Amount.
	MinAmount int64 `json:"minAmount,omitempty"`
	MaxAmount int64 `json:"maxAmount,omitempty"`

	// Condition states what must hold before an escrow or conditional item
	// pays out.
	Condition string `json:"condition,omitempty"`

	// Deliverables itemise what the provider hands over for this item.
	Deliverables []string `json:"deliverables,omitempty"`
}

// Validate checks the line item's internal consistency.
func (li LineItem) Validate() error {
	if li.Description == "" {
		return errors.New("line item: empty description")
	}
	if li.Amount < 0 {
		return fmt.Errorf("line item %q: negative amount %d", li.Description, li.Amount)
	}
	if !li.PaymentType.IsValid() {
		return fmt.Errorf("line item %q: unknown payment type %q", li.Description, li.PaymentType)
	}
	if li.PaymentType == PaymentConditional {
		if li.MinAmount < 0 || li.MaxAmount < 0 {
			return fmt.Errorf("line item %q: negative bound", li.Description)
		}
		if li.MaxAmount > 0 && li.MinAmount > li.MaxAmount {
			return fmt.Errorf("line item %q: minAmount %d above maxAmount %d", li.Description, li.MinAmount, li.MaxAmount)
		}
		if li.MaxAmount > 0 && (li.Amount < li.MinAmount || li.Amount > li.MaxAmount) {
			return fmt.Errorf("line item %q: amount %d outside [%d, %d]", li.Description, li.Amount, li.MinAmount, li.MaxAmount)
		}
	}
	if (li.PaymentType == PaymentEscrow || li.PaymentType == PaymentConditional) && li.Condition == "" {
		return fmt.Errorf("line item %q: %s item requires a condition", li.Description, li.PaymentType)
	}
	return nil
}

// WorstCaseAmount is the amount reserved for this item: MaxAmount for a
// bounded conditional item, Amount otherwise.
func (li LineItem) WorstCaseAmount() int64 {
	if li.PaymentType == PaymentConditional && li.MaxAmount > li.Amount {
		return li.MaxAmount
	}
	return li.Amount
}

// Factor is one consideration the proposing agent weighed, kept for the
// document and for verification context.
type Factor struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
	Weight string `json:"weight,omitempty"` // low, medium, high
}

// MilestoneSpec lets the proposing agent pre-shape the milestone derived
// from a line item.
type MilestoneSpec struct {
	LineItemIndex      int      `json:"lineItemIndex"`
	Description        string   `json:"description,omitempty"`
	Deliverables       []string `json:"deliverables,omitempty"`
	VerificationMethod string   `json:"verificationMethod,omitempty"`
	CompletionCriteria []string `json:"completionCriteria,omitempty"`
}

// Proposal is the structured offer exchanged between agents.
type Proposal struct {
	ID             string          `json:"id"`
	Summary        string          `json:"summary"`
	LineItems      []LineItem      `json:"lineItems"`
	Currency       string          `json:"currency"`
	Conditions     []string        `json:"conditions,omitempty"`
	Factors        []Factor        `json:"factors,omitempty"`
	MilestoneSpecs []MilestoneSpec `json:"milestoneSpecs,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`

	// ExpiresAt is when this proposal stops being answerable: the round
	// deadline at the time it was put on the table.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Validate checks the proposal's internal consistency.
func (p Proposal) Validate() error {
	if p.Summary == "" {
		return errors.New("proposal: empty summary")
	}
	if len(p.LineItems) == 0 {
		return errors.New("proposal: no line items")
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("proposal: currency %q is not a 3-letter code", p.Currency)
	}
	for _, li := range p.LineItems {
		if err := li.Validate(); err != nil {
			return fmt.Errorf("proposal: %w", err)
		}
	}
	for _, ms := range p.MilestoneSpecs {
		if ms.LineItemIndex < 0 || ms.LineItemIndex >= len(p.LineItems) {
			return fmt.Errorf("proposal: milestone spec references line item %d of %d", ms.LineItemIndex, len(p.LineItems))
		}
	}
	return nil
}

// TotalAmount sums the worst-case amounts of all line items.
func (p Proposal) TotalAmount() int64 {
	var total int64
	for _, li := range p.LineItems {
		total += li.WorstCaseAmount()
	}
	return total
}

// Clone returns a deep copy of p.
func (p Proposal) Clone() Proposal {
	out := p
	out.LineItems = make([]LineItem, len(p.LineItems))
	copy(out.LineItems, p.LineItems)
	for i, li := range p.LineItems {
		if li.Deliverables != nil {
			out.LineItems[i].Deliverables = append([]string(nil), li.Deliverables...)
		}
	}
	if p.Conditions != nil {
		out.Conditions = append([]string(nil), p.Conditions...)
	}
	if p.Factors != nil {
		out.Factors = append([]Factor(nil), p.Factors...)
	}
	if p.MilestoneSpecs != nil {
		out.MilestoneSpecs = make([]MilestoneSpec, len(p.MilestoneSpecs))
		copy(out.MilestoneSpecs, p.MilestoneSpecs)
		for i, ms := range p.MilestoneSpecs {
			if ms.Deliverables != nil {
				out.MilestoneSpecs[i].Deliverables = append([]string(nil), ms.Deliverables...)
			}
			if ms.CompletionCriteria != nil {
				out.MilestoneSpecs[i].CompletionCriteria = append([]string(nil), ms.CompletionCriteria...)
			}
		}
	}
	return out
}

// Action names a negotiation round kind.
type Action string

const (
	ActionPropose Action = "propose"
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
)

// Round is one entry of the negotiation history.
type Round struct {
	Action    Action    `json:"action"`
	FromAgent string    `json:"fromAgent"`
	Proposal  *Proposal `json:"proposal,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Status is the negotiation lifecycle state.
type Status string

const (
	// StatusProposed holds from the opening proposal until the first counter.
	StatusProposed Status = "proposed"

	// StatusCountering holds while counter-proposals are being exchanged.
	StatusCountering Status = "countering"

	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusProposed && s != StatusCountering
}

// Negotiation is one bargaining exchange between two agents.
type Negotiation struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Initiator string    `json:"initiator"`
	Responder string    `json:"responder"`
	Status    Status    `json:"status"`
	Rounds    []Round   `json:"rounds"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
}

// CurrentProposal returns the latest proposal on the table (from the most
// recent propose or counter round).
func (n *Negotiation) CurrentProposal() *Proposal {
	for i := len(n.Rounds) - 1; i >= 0; i-- {
		if p := n.Rounds[i].Proposal; p != nil {
			return p
		}
	}
	return nil
}

// Clone returns a deep copy of n.
func (n *Negotiation) Clone() *Negotiation {
	out := *n
	out.Rounds = make([]Round, len(n.Rounds))
	copy(out.Rounds, n.Rounds)
	for i, r := range n.Rounds {
		if r.Proposal != nil {
			p := r.Proposal.Clone()
			out.Rounds[i].Proposal = &p
		}
	}
	return &out
}
