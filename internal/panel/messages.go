// Package panel delivers server-to-client UI updates over the panel
// websocket. Every message carries a "panel" discriminator naming the UI
// surface it targets; payloads are typed per surface.
//
// Delivery is best-effort: a user without an open panel socket simply misses
// the update, and there is no replay on reconnect.
package panel

import "time"

// Panel discriminator values.
const (
	PanelTranscript     = "transcript"
	PanelAgent          = "agent"
	PanelNegotiation    = "negotiation"
	PanelDocument       = "document"
	PanelMilestone      = "milestone"
	PanelExecution      = "execution"
	PanelPaymentReceipt = "payment_receipt"
	PanelVerification   = "verification"
	PanelStatus         = "status"
	PanelError          = "error"
)

// Transcript is a live transcription line, partial or final. Partials for
// the same utterance reuse the ID so clients can replace in place.
type Transcript struct {
	Panel     string    `json:"panel"`
	ID        string    `json:"id"`
	SpeakerID string    `json:"speakerId"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	IsFinal   bool      `json:"isFinal"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTranscript builds a transcript update.
func NewTranscript(id, speakerID, speaker, text string, isFinal bool) Transcript {
	return Transcript{
		Panel:     PanelTranscript,
		ID:        id,
		SpeakerID: speakerID,
		Speaker:   speaker,
		Text:      text,
		IsFinal:   isFinal,
		Timestamp: time.Now().UTC(),
	}
}

// Agent is a visible message from the user's own agent (commentary, status
// of its reasoning, or a send_message_to_user call).
type Agent struct {
	Panel     string    `json:"panel"`
	AgentID   string    `json:"agentId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAgent builds an agent commentary update.
func NewAgent(agentID, text string) Agent {
	return Agent{Panel: PanelAgent, AgentID: agentID, Text: text, Timestamp: time.Now().UTC()}
}

// Negotiation mirrors the negotiation state for the UI. State is the full
// negotiation snapshot serialised by the caller.
type Negotiation struct {
	Panel         string    `json:"panel"`
	NegotiationID string    `json:"negotiationId"`
	Status        string    `json:"status"`
	Event         string    `json:"event,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	State         any       `json:"state,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewNegotiation builds a negotiation state update.
func NewNegotiation(negotiationID, status, event, reason string, state any) Negotiation {
	return Negotiation{
		Panel:         PanelNegotiation,
		NegotiationID: negotiationID,
		Status:        status,
		Event:         event,
		Reason:        reason,
		State:         state,
		Timestamp:     time.Now().UTC(),
	}
}

// Document carries a generated contract document, or a signing update for
// one.
type Document struct {
	Panel      string    `json:"panel"`
	DocumentID string    `json:"documentId"`
	Status     string    `json:"status"`
	Event      string    `json:"event,omitempty"`
	Document   any       `json:"document,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDocument builds a document update.
func NewDocument(documentID, status, event string, doc any) Document {
	return Document{
		Panel:      PanelDocument,
		DocumentID: documentID,
		Status:     status,
		Event:      event,
		Document:   doc,
		Timestamp:  time.Now().UTC(),
	}
}

// Milestone reports a milestone status change on a signed document.
type Milestone struct {
	Panel       string    `json:"panel"`
	DocumentID  string    `json:"documentId"`
	MilestoneID string    `json:"milestoneId"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewMilestone builds a milestone update.
func NewMilestone(documentID, milestoneID, status, detail string) Milestone {
	return Milestone{
		Panel:       PanelMilestone,
		DocumentID:  documentID,
		MilestoneID: milestoneID,
		Status:      status,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
}

// Execution reports progress of contract execution (payments and escrow
// setup) after full signing.
type Execution struct {
	Panel      string    `json:"panel"`
	DocumentID string    `json:"documentId"`
	Step       string    `json:"step"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewExecution builds an execution progress update.
func NewExecution(documentID, step, detail, errText string) Execution {
	return Execution{
		Panel:      PanelExecution,
		DocumentID: documentID,
		Step:       step,
		Detail:     detail,
		Error:      errText,
		Timestamp:  time.Now().UTC(),
	}
}

// PaymentReceipt reports a completed money movement.
type PaymentReceipt struct {
	Panel           string    `json:"panel"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Kind            string    `json:"kind"` // payment, escrow_hold, escrow_capture, escrow_release
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Description     string    `json:"description,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewPaymentReceipt builds a payment receipt.
func NewPaymentReceipt(intentID, kind string, amount int64, currency, description string) PaymentReceipt {
	return PaymentReceipt{
		Panel:           PanelPaymentReceipt,
		PaymentIntentID: intentID,
		Kind:            kind,
		Amount:          amount,
		Currency:        currency,
		Description:     description,
		Timestamp:       time.Now().UTC(),
	}
}

// Verification streams progress and the verdict of a milestone verification
// session.
type Verification struct {
	Panel       string    `json:"panel"`
	DocumentID  string    `json:"documentId"`
	MilestoneID string    `json:"milestoneId"`
	Stage       string    `json:"stage"` // started, update, verdict
	Text        string    `json:"text,omitempty"`
	Status      string    `json:"status,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewVerification builds a verification progress update.
func NewVerification(documentID, milestoneID, stage, text, status string) Verification {
	return Verification{
		Panel:       PanelVerification,
		DocumentID:  documentID,
		MilestoneID: milestoneID,
		Stage:       stage,
		Text:        text,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	}
}

// Status is a room-level lifecycle notice (joins, leaves, trigger fired).
type Status struct {
	Panel     string    `json:"panel"`
	Event     string    `json:"event"`
	UserID    string    `json:"userId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatus builds a room status notice.
func NewStatus(event, userID, detail string) Status {
	return Status{Panel: PanelStatus, Event: event, UserID: userID, Detail: detail, Timestamp: time.Now().UTC()}
}

// Error reports a request-scoped failure back to one user.
type Error struct {
	Panel     string    `json:"panel"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewError builds an error notice.
func NewError(code, message string) Error {
	return Error{Panel: PanelError, Code: code, Message: message, Timestamp: time.Now().UTC()}
}
