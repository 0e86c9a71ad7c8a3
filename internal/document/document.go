// Package document turns an agreed negotiation into a formal contract
// document, collects signatures from both parties, and tracks the payment
// milestones derived from escrow and conditional line items.
package document

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/accordlabs/accord/internal/negotiation"
)

// Status is the document lifecycle state.
type Status string

const (
	StatusPendingSignatures Status = "pending_signatures"
	StatusFullySigned       Status = "fully_signed"
)

// MilestoneStatus tracks one milestone's progress after signing.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneFailed    MilestoneStatus = "failed"
	MilestoneDisputed  MilestoneStatus = "disputed"
)

// Terminal reports whether s admits no further transitions.
func (s MilestoneStatus) Terminal() bool { return s != MilestonePending }

// Party is one signatory of a document.
type Party struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Signature records one party signing.
type Signature struct {
	UserID   string    `json:"userId"`
	SignedAt time.Time `json:"signedAt"`
}

// Milestone is a payment checkpoint derived from an escrow or conditional
// line item. Its Amount is the worst-case amount reserved in escrow; the
// verified payout may be lower for conditional items.
type Milestone struct {
	ID                 string          `json:"id"`
	LineItemIndex      int             `json:"lineItemIndex"`
	Description        string          `json:"description"`
	Amount             int64           `json:"amount"`
	MinAmount          int64           `json:"minAmount,omitempty"`
	MaxAmount          int64           `json:"maxAmount,omitempty"`
	Currency           string          `json:"currency"`
	Conditional        bool            `json:"conditional"`
	Condition          string          `json:"condition"`
	Deliverables       []string        `json:"deliverables,omitempty"`
	VerificationMethod string          `json:"verificationMethod,omitempty"`
	CompletionCriteria []string        `json:"completionCriteria,omitempty"`
	Status             MilestoneStatus `json:"status"`

	// HoldID is the escrow hold backing this milestone, set at execution.
	HoldID string `json:"holdId,omitempty"`

	// VerifiedAmount is the payout decided by verification, if any.
	VerifiedAmount int64 `json:"verifiedAmount,omitempty"`

	// VerificationNote summarises the verification outcome.
	VerificationNote string `json:"verificationNote,omitempty"`
}

// Document is a generated contract awaiting or holding signatures.
type Document struct {
	ID            string      `json:"id"`
	RoomID        string      `json:"roomId"`
	NegotiationID string      `json:"negotiationId"`
	Title         string      `json:"title"`
	Content       string      `json:"content"`
	Parties       []Party     `json:"parties"`
	Proposal      negotiation.Proposal `json:"proposal"`
	Milestones    []Milestone `json:"milestones,omitempty"`
	Signatures    []Signature `json:"signatures"`
	Status        Status      `json:"status"`
	CreatedAt     time.Time   `json:"createdAt"`
	SignedAt      time.Time   `json:"signedAt,omitempty"`
}

// SignedBy reports whether userID has already signed.
func (d *Document) SignedBy(userID string) bool {
	for _, s := range d.Signatures {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// party returns the Party entry for userID.
func (d *Document) party(userID string) (Party, bool) {
	for _, p := range d.Parties {
		if p.UserID == userID {
			return p, true
		}
	}
	return Party{}, false
}

// MilestoneByID returns the milestone with the given ID.
func (d *Document) MilestoneByID(id string) (*Milestone, bool) {
	for i := range d.Milestones {
		if d.Milestones[i].ID == id {
			return &d.Milestones[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	out := *d
	out.Parties = append([]Party(nil), d.Parties...)
	out.Signatures = append([]Signature(nil), d.Signatures...)
	out.Proposal = d.Proposal.Clone()
	out.Milestones = make([]Milestone, len(d.Milestones))
	copy(out.Milestones, d.Milestones)
	for i, m := range d.Milestones {
		if m.Deliverables != nil {
			out.Milestones[i].Deliverables = append([]string(nil), m.Deliverables...)
		}
		if m.CompletionCriteria != nil {
			out.Milestones[i].CompletionCriteria = append([]string(nil), m.CompletionCriteria...)
		}
	}
	return &out
}

// deriveMilestones builds one milestone per escrow or conditional line item
// of the agreed proposal. Immediate items carry no milestone; they are paid up
// front at execution.
func deriveMilestones(p negotiation.Proposal) []Milestone {
	specs := make(map[int]negotiation.MilestoneSpec, len(p.MilestoneSpecs))
	for _, ms := range p.MilestoneSpecs {
		specs[ms.LineItemIndex] = ms
	}

	var out []Milestone
	for i, li := range p.LineItems {
		if li.PaymentType == negotiation.PaymentImmediate {
			continue
		}
		m := Milestone{
			ID:            uuid.NewString(),
			LineItemIndex: i,
			Description:   li.Description,
			Amount:        li.WorstCaseAmount(),
			Currency:      p.Currency,
			Conditional:   li.PaymentType == negotiation.PaymentConditional,
			Condition:     li.Condition,
			Deliverables:  append([]string(nil), li.Deliverables...),
			Status:        MilestonePending,
		}
		if m.Conditional {
			m.MinAmount = li.MinAmount
			m.MaxAmount = li.WorstCaseAmount()
		}
		if spec, ok := specs[i]; ok {
			if spec.Description != "" {
				m.Description = spec.Description
			}
			if len(spec.Deliverables) > 0 {
				m.Deliverables = append([]string(nil), spec.Deliverables...)
			}
			m.VerificationMethod = spec.VerificationMethod
			m.CompletionCriteria = append([]string(nil), spec.CompletionCriteria...)
		}
		if len(m.CompletionCriteria) == 0 && m.Condition != "" {
			m.CompletionCriteria = []string{m.Condition}
		}
		out = append(out, m)
	}
	return out
}

// Signing errors.
var (
	ErrNotFound      = errors.New("document: not found")
	ErrNotParty      = errors.New("document: user is not a party")
	ErrUnknownStatus = errors.New("document: not open for signing")
)

// sign appends userID's signature. Duplicate signatures are idempotent and
// return the document unchanged.
func (d *Document) sign(userID string) (fullySigned bool, err error) {
	if _, ok := d.party(userID); !ok {
		return false, fmt.Errorf("%w: %s", ErrNotParty, userID)
	}
	if d.SignedBy(userID) {
		return d.Status == StatusFullySigned, nil
	}
	if d.Status != StatusPendingSignatures {
		return false, fmt.Errorf("%w: %s", ErrUnknownStatus, d.Status)
	}

	now := time.Now().UTC()
	d.Signatures = append(d.Signatures, Signature{UserID: userID, SignedAt: now})
	if len(d.Signatures) == len(d.Parties) {
		d.Status = StatusFullySigned
		d.SignedAt = now
		return true, nil
	}
	return false, nil
}
