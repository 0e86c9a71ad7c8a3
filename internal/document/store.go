package document

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/pkg/provider/llm"
)

// conversationTail is how much trailing conversation context the generation
// prompt includes.
const conversationTail = 2000

// Store generates and tracks the documents of one room.
//
// All methods are safe for concurrent use.
type Store struct {
	llm    llm.Provider
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*Document
}

// NewStore creates a Store generating document text with the given LLM.
func NewStore(provider llm.Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{llm: provider, logger: logger, docs: make(map[string]*Document)}
}

// Generate drafts a contract document for the agreed negotiation. The
// conversation transcript grounds the wording; only its tail is included.
// The returned document is a deep copy in pending_signatures state.
func (s *Store) Generate(ctx context.Context, n *negotiation.Negotiation, parties []Party, conversation string) (*Document, error) {
	prop := n.CurrentProposal()
	if prop == nil {
		return nil, fmt.Errorf("document: negotiation %s has no proposal", n.ID)
	}

	content, err := s.draft(ctx, prop, parties, conversation)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		ID:            uuid.NewString(),
		RoomID:        n.RoomID,
		NegotiationID: n.ID,
		Title:         prop.Summary,
		Content:       content,
		Parties:       append([]Party(nil), parties...),
		Proposal:      prop.Clone(),
		Milestones:    deriveMilestones(*prop),
		Status:        StatusPendingSignatures,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.docs[doc.ID] = doc
	out := doc.Clone()
	s.mu.Unlock()

	s.logger.Info("document generated",
		"room_id", n.RoomID, "document_id", doc.ID,
		"negotiation_id", n.ID, "milestones", len(doc.Milestones))
	return out, nil
}

// Sign records userID's signature on the document. Re-signing is a silent
// no-op. The returned flag reports whether this call completed the
// signature set.
func (s *Store) Sign(docID, userID string) (*Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[docID]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}

	alreadyFull := doc.Status == StatusFullySigned
	full, err := doc.sign(userID)
	if err != nil {
		return nil, false, err
	}

	if full && !alreadyFull {
		s.logger.Info("document fully signed", "document_id", docID, "room_id", doc.RoomID)
		return doc.Clone(), true, nil
	}
	return doc.Clone(), false, nil
}

// Get returns a deep copy of the document with the given ID.
func (s *Store) Get(docID string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// SetMilestoneHold records the escrow hold backing a milestone.
func (s *Store) SetMilestoneHold(docID, milestoneID, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.milestoneLocked(docID, milestoneID)
	if err != nil {
		return err
	}
	m.HoldID = holdID
	return nil
}

// ResolveMilestone moves a milestone to a terminal status and records the
// verification outcome. Terminal milestones stay as they are.
func (s *Store) ResolveMilestone(docID, milestoneID string, status MilestoneStatus, verifiedAmount int64, note string) (Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.milestoneLocked(docID, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status.Terminal() {
		return *m, fmt.Errorf("document: milestone %s already %s", milestoneID, m.Status)
	}
	m.Status = status
	m.VerifiedAmount = verifiedAmount
	m.VerificationNote = note
	return *m, nil
}

func (s *Store) milestoneLocked(docID, milestoneID string) (*Milestone, error) {
	doc, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	m, ok := doc.MilestoneByID(milestoneID)
	if !ok {
		return nil, fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	return m, nil
}

// draft asks the LLM for the contract text. A provider failure falls back
// to a plain rendering of the structured terms so signing can proceed.
func (s *Store) draft(ctx context.Context, prop *negotiation.Proposal, parties []Party, conversation string) (string, error) {
	if len(conversation) > conversationTail {
		conversation = conversation[len(conversation)-conversationTail:]
	}

	var b strings.Builder
	b.WriteString("Draft a short, plain-language service agreement from these agreed terms.\n")
	b.WriteString("Use headings, name both parties, and itemise every line item with its amount and payment type. ")
	b.WriteString("For escrow and conditional items, state the condition under which funds are released.\n\n")
	b.WriteString("Parties:\n")
	for _, p := range parties {
		fmt.Fprintf(&b, "- %s (%s)\n", p.DisplayName, p.Role)
	}
	fmt.Fprintf(&b, "\nAgreement summary: %s\nCurrency: %s\n\nLine items:\n", prop.Summary, prop.Currency)
	for i, li := range prop.LineItems {
		fmt.Fprintf(&b, "%d. %s, amount %d (%s)", i+1, li.Description, li.Amount, li.PaymentType)
		if li.PaymentType == negotiation.PaymentConditional && li.MaxAmount > 0 {
			fmt.Fprintf(&b, ", payout between %d and %d", li.MinAmount, li.MaxAmount)
		}
		if li.Condition != "" {
			fmt.Fprintf(&b, ", condition: %s", li.Condition)
		}
		b.WriteString("\n")
	}
	if len(prop.Conditions) > 0 {
		b.WriteString("\nGeneral conditions:\n")
		for _, c := range prop.Conditions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(prop.Factors) > 0 {
		b.WriteString("\nFactors considered during negotiation:\n")
		for _, f := range prop.Factors {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Detail)
		}
	}
	if conversation != "" {
		fmt.Fprintf(&b, "\nRecent conversation for tone and context:\n%s\n", conversation)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You draft concise service agreements. Output only the agreement text.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		s.logger.Warn("document drafting LLM failed, using structured fallback", "error", err)
		return fallbackContent(prop, parties), nil
	}
	return resp.Content, nil
}

// fallbackContent renders the structured terms directly when the LLM is
// unavailable.
func fallbackContent(prop *negotiation.Proposal, parties []Party) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Service Agreement: %s\n\n## Parties\n", prop.Summary)
	for _, p := range parties {
		fmt.Fprintf(&b, "- %s (%s)\n", p.DisplayName, p.Role)
	}
	fmt.Fprintf(&b, "\n## Terms (%s)\n", prop.Currency)
	for i, li := range prop.LineItems {
		fmt.Fprintf(&b, "%d. %s: %d (%s)", i+1, li.Description, li.Amount, li.PaymentType)
		if li.Condition != "" {
			fmt.Fprintf(&b, ", released when: %s", li.Condition)
		}
		b.WriteString("\n")
	}
	for _, c := range prop.Conditions {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}
