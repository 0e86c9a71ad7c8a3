package room

import (
	"fmt"
	"time"

	"github.com/accordlabs/accord/internal/document"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/verification"
)

// amountProposal is a provider-proposed capture amount awaiting the client.
type amountProposal struct {
	amount int64
	by     string
}

// signDocument records userID's signature and kicks off contract execution
// when the signature set completes.
func (r *Room) signDocument(userID, docID string) {
	doc, completed, err := r.docs.Sign(docID, userID)
	if err != nil {
		r.orc.cfg.Panel.Send(userID, panel.NewError("sign_failed", err.Error()))
		return
	}

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewDocument(doc.ID, string(doc.Status), "signed", doc))
	if completed {
		r.orc.cfg.Panel.Broadcast(r.ID, panel.NewDocument(doc.ID, string(doc.Status), "completed", doc))
		go r.executeContract(doc)
	}
}

// executeContract moves the money a fully signed contract calls for:
// immediate line items are paid right away, escrow and conditional items are
// held at their worst-case amount pending milestone verification.
func (r *Room) executeContract(doc *document.Document) {
	emit := r.orc.cfg.Panel
	emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "started", "executing agreed terms", ""))

	recipient := r.providerPayoutAccount(doc)
	if recipient == "" {
		r.logger.Error("contract execution blocked: provider has no payout account", "document_id", doc.ID)
		emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "failed", "", "provider has no payout account configured"))
		return
	}
	currency := doc.Proposal.Currency

	for i, li := range doc.Proposal.LineItems {
		if li.PaymentType != negotiation.PaymentImmediate {
			continue
		}
		start := time.Now()
		res, err := r.orc.cfg.Payments.Execute(r.ctx, payment.Request{
			Amount:             li.Amount,
			Currency:           currency,
			RecipientAccountID: recipient,
			Description:        li.Description,
		})
		r.orc.metrics.PaymentDuration.Record(r.ctx, time.Since(start).Seconds())
		if err != nil {
			r.logger.Error("contract payment failed", "document_id", doc.ID, "line_item", i, "error", err)
			emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "payment_failed", li.Description, err.Error()))
			continue
		}
		emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "payment", fmt.Sprintf("paid %d %s for %s", li.Amount, currency, li.Description), ""))
		emit.Broadcast(r.ID, panel.NewPaymentReceipt(res.PaymentIntentID, "payment", li.Amount, currency, li.Description))
	}

	for _, ms := range doc.Milestones {
		start := time.Now()
		hold, err := r.orc.cfg.Payments.CreateHold(r.ctx, payment.Request{
			Amount:             ms.Amount,
			Currency:           currency,
			RecipientAccountID: recipient,
			Description:        ms.Description,
		})
		r.orc.metrics.PaymentDuration.Record(r.ctx, time.Since(start).Seconds())
		if err != nil {
			r.logger.Error("escrow hold failed", "document_id", doc.ID, "milestone_id", ms.ID, "error", err)
			emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "escrow_failed", ms.Description, err.Error()))
			continue
		}
		if err := r.docs.SetMilestoneHold(doc.ID, ms.ID, hold.HoldID); err != nil {
			r.logger.Error("recording escrow hold failed", "milestone_id", ms.ID, "error", err)
		}
		emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "escrow_held", fmt.Sprintf("held %d %s for %s", ms.Amount, currency, ms.Description), ""))
		emit.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_hold", hold.Amount, currency, ms.Description))
	}

	emit.Broadcast(r.ID, panel.NewExecution(doc.ID, "completed", "all agreed payments initiated", ""))
	r.logger.Info("contract executed", "document_id", doc.ID)
}

// providerPayoutAccount resolves the payout account of the document's
// provider party from the live member profiles.
func (r *Room) providerPayoutAccount(doc *document.Document) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range doc.Parties {
		if p.Role != "provider" {
			continue
		}
		if m, ok := r.members[p.UserID]; ok {
			return m.profile.PayoutAccountID
		}
	}
	return ""
}

// confirmMilestone records one party's confirmation that a milestone's work
// is done. Confirmation is informational; money only moves through
// verification, amount approval, or voluntary release.
func (r *Room) confirmMilestone(userID, docID, milestoneID string) {
	doc, m, ok := r.lookupMilestone(userID, docID, milestoneID)
	if !ok {
		return
	}

	r.mu.Lock()
	set := r.confirmations[milestoneID]
	if set == nil {
		set = make(map[string]bool)
		r.confirmations[milestoneID] = set
	}
	set[userID] = true
	both := len(set) >= len(doc.Parties)
	r.mu.Unlock()

	detail := fmt.Sprintf("confirmed by %s", userID)
	if both {
		detail = "confirmed by both parties"
	}
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewMilestone(docID, m.ID, string(m.Status), detail))
}

// proposeMilestoneAmount lets the provider suggest the final capture amount
// for a conditional milestone, subject to the agreed range.
func (r *Room) proposeMilestoneAmount(userID, docID, milestoneID string, amount int64) {
	_, m, ok := r.lookupMilestone(userID, docID, milestoneID)
	if !ok {
		return
	}
	if m.Status != document.MilestonePending || m.HoldID == "" {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "milestone is not awaiting payout"))
		return
	}
	if amount <= 0 || amount > m.Amount || (m.Conditional && amount < m.MinAmount) {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_amount",
			fmt.Sprintf("amount %d is outside the agreed range for this milestone", amount)))
		return
	}

	r.mu.Lock()
	r.proposedAmounts[milestoneID] = amount
	r.amountProposers[milestoneID] = userID
	r.mu.Unlock()

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewMilestone(docID, m.ID, string(m.Status),
		fmt.Sprintf("payout of %d %s proposed, awaiting approval", amount, m.Currency)))
}

// approveMilestoneAmount captures the proposed amount once the other party
// approves it, completing the milestone.
func (r *Room) approveMilestoneAmount(userID, docID, milestoneID string) {
	_, m, ok := r.lookupMilestone(userID, docID, milestoneID)
	if !ok {
		return
	}

	r.mu.Lock()
	amount, proposed := r.proposedAmounts[milestoneID]
	proposer := r.amountProposers[milestoneID]
	r.mu.Unlock()

	if !proposed {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "no payout amount has been proposed"))
		return
	}
	if proposer == userID {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_request", "the proposing party cannot approve its own amount"))
		return
	}
	if m.Status != document.MilestonePending || m.HoldID == "" {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "milestone is not awaiting payout"))
		return
	}

	hold, err := r.orc.cfg.Payments.Capture(r.ctx, m.HoldID, amount)
	if err != nil {
		r.orc.cfg.Panel.Send(userID, panel.NewError("capture_failed", err.Error()))
		return
	}

	r.mu.Lock()
	delete(r.proposedAmounts, milestoneID)
	delete(r.amountProposers, milestoneID)
	r.mu.Unlock()

	if _, err := r.docs.ResolveMilestone(docID, milestoneID, document.MilestoneCompleted, hold.CapturedAmount,
		fmt.Sprintf("payout approved by %s", userID)); err != nil {
		r.logger.Error("milestone resolution failed", "milestone_id", milestoneID, "error", err)
	}

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_capture", hold.CapturedAmount, hold.Currency, m.Description))
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewMilestone(docID, m.ID, string(document.MilestoneCompleted),
		fmt.Sprintf("captured %d %s", hold.CapturedAmount, hold.Currency)))
}

// releaseEscrow lets the provider voluntarily return a milestone's held
// funds to the client. No verification is required.
func (r *Room) releaseEscrow(userID, docID, milestoneID string) {
	_, m, ok := r.lookupMilestone(userID, docID, milestoneID)
	if !ok {
		return
	}
	if m.Status != document.MilestonePending || m.HoldID == "" {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "milestone has no held funds"))
		return
	}

	hold, err := r.orc.cfg.Payments.Release(r.ctx, m.HoldID)
	if err != nil {
		r.orc.cfg.Panel.Send(userID, panel.NewError("release_failed", err.Error()))
		return
	}

	if _, err := r.docs.ResolveMilestone(docID, milestoneID, document.MilestoneFailed, 0,
		fmt.Sprintf("escrow voluntarily released by %s", userID)); err != nil {
		r.logger.Error("milestone resolution failed", "milestone_id", milestoneID, "error", err)
	}

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_release", hold.Amount, hold.Currency, m.Description))
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewMilestone(docID, m.ID, string(document.MilestoneFailed),
		"escrow released back to the client"))
}

// verifyMilestone starts an AI verification session for one pending
// milestone. At most one session per milestone runs at a time.
func (r *Room) verifyMilestone(userID, docID, milestoneID, phoneNumber, contactName string) {
	_, m, ok := r.lookupMilestone(userID, docID, milestoneID)
	if !ok {
		return
	}
	if m.Status != document.MilestonePending {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "milestone is already "+string(m.Status)))
		return
	}

	r.mu.Lock()
	if r.verifying[milestoneID] {
		r.mu.Unlock()
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_state", "verification already in progress"))
		return
	}
	r.verifying[milestoneID] = true
	r.mu.Unlock()

	go r.runVerification(docID, *m, phoneNumber, contactName)
}

// runVerification drives one verification session to a verdict and settles
// the milestone's escrow accordingly.
func (r *Room) runVerification(docID string, m document.Milestone, phoneNumber, contactName string) {
	defer func() {
		r.mu.Lock()
		delete(r.verifying, m.ID)
		r.mu.Unlock()
	}()

	start := time.Now()
	sess := verification.New(verification.Config{
		RoomID:      r.ID,
		DocumentID:  docID,
		Milestone:   m,
		LLM:         r.orc.cfg.LLM,
		Phone:       r.orc.cfg.Phone,
		Payments:    r.orc.cfg.Payments,
		Panel:       r.orc.cfg.Panel,
		Logger:      r.orc.logger,
		Metrics:     r.orc.metrics,
		PhoneNumber: phoneNumber,
		ContactName: contactName,
	})
	res := sess.Run(r.ctx)
	r.orc.metrics.VerificationDuration.Record(r.ctx, time.Since(start).Seconds())

	r.settleVerdict(docID, m, res)
}

// settleVerdict applies a verification result: capture on passed, release on
// failed, nothing on disputed. A capture failure downgrades the verdict to
// disputed so funds stay put rather than silently vanishing.
func (r *Room) settleVerdict(docID string, m document.Milestone, res verification.Result) {
	emit := r.orc.cfg.Panel

	if m.HoldID != "" {
		switch res.Status {
		case verification.StatusPassed:
			if res.RecommendedAmount != nil && *res.RecommendedAmount == 0 {
				// A recommended payout of zero returns the whole hold; a
				// zero-amount capture would take it in full instead.
				hold, err := r.orc.cfg.Payments.Release(r.ctx, m.HoldID)
				if err != nil {
					r.logger.Error("verified release failed", "milestone_id", m.ID, "error", err)
					res.Status = verification.StatusDisputed
					res.Reasoning += "; escrow release failed: " + err.Error()
				} else {
					emit.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_release", hold.Amount, hold.Currency, m.Description))
				}
				break
			}
			var payout int64 // zero captures the full hold
			if res.RecommendedAmount != nil {
				payout = *res.RecommendedAmount
			}
			hold, err := r.orc.cfg.Payments.Capture(r.ctx, m.HoldID, payout)
			if err != nil {
				r.logger.Error("verified capture failed", "milestone_id", m.ID, "error", err)
				res.Status = verification.StatusDisputed
				res.Reasoning += "; escrow capture failed: " + err.Error()
			} else {
				captured := hold.CapturedAmount
				res.RecommendedAmount = &captured
				emit.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_capture", hold.CapturedAmount, hold.Currency, m.Description))
			}
		case verification.StatusFailed:
			hold, err := r.orc.cfg.Payments.Release(r.ctx, m.HoldID)
			if err != nil {
				r.logger.Error("verified release failed", "milestone_id", m.ID, "error", err)
				res.Reasoning += "; escrow release failed: " + err.Error()
			} else {
				emit.Broadcast(r.ID, panel.NewPaymentReceipt(hold.PaymentIntentID, "escrow_release", hold.Amount, hold.Currency, m.Description))
			}
		}
	}

	status := document.MilestoneDisputed
	switch res.Status {
	case verification.StatusPassed:
		status = document.MilestoneCompleted
	case verification.StatusFailed:
		status = document.MilestoneFailed
	}

	var amount int64
	if status == document.MilestoneCompleted && res.RecommendedAmount != nil {
		amount = *res.RecommendedAmount
	}
	if _, err := r.docs.ResolveMilestone(docID, m.ID, status, amount, res.Reasoning); err != nil {
		r.logger.Error("milestone resolution failed", "milestone_id", m.ID, "error", err)
	}

	emit.Broadcast(r.ID, panel.NewMilestone(docID, m.ID, string(status), res.Reasoning))
	r.logger.Info("milestone verified",
		"document_id", docID, "milestone_id", m.ID,
		"status", string(status), "amount", amount)
}

// lookupMilestone resolves a document and milestone, checking the caller is
// a party. Failures are reported to the caller's panel.
func (r *Room) lookupMilestone(userID, docID, milestoneID string) (*document.Document, *document.Milestone, bool) {
	doc, ok := r.docs.Get(docID)
	if !ok {
		r.orc.cfg.Panel.Send(userID, panel.NewError("not_found", "unknown document: "+docID))
		return nil, nil, false
	}
	isParty := false
	for _, p := range doc.Parties {
		if p.UserID == userID {
			isParty = true
			break
		}
	}
	if !isParty {
		r.orc.cfg.Panel.Send(userID, panel.NewError("not_party", "you are not a party to this document"))
		return nil, nil, false
	}
	m, ok := doc.MilestoneByID(milestoneID)
	if !ok {
		r.orc.cfg.Panel.Send(userID, panel.NewError("not_found", "unknown milestone: "+milestoneID))
		return nil, nil, false
	}
	return doc, m, true
}
