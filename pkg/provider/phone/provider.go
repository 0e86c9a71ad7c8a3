// Package phone defines the outbound AI phone-call provider interface used
// by milestone verification.
//
// A call is asynchronous: StartCall places it and returns a call ID; the
// caller polls CallStatus until the call reaches a terminal state or its own
// deadline expires.
package phone

import "context"

// CallStatus is the lifecycle state of an outbound call.
type CallStatus string

const (
	// StatusQueued means the call has been accepted but not yet connected.
	StatusQueued CallStatus = "queued"

	// StatusInProgress means the call is connected and the conversation is running.
	StatusInProgress CallStatus = "in_progress"

	// StatusDone means the call completed and a result is available.
	StatusDone CallStatus = "done"

	// StatusFailed means the call could not be completed.
	StatusFailed CallStatus = "failed"
)

// Terminal reports whether s is a terminal call state.
func (s CallStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CallRequest describes an outbound verification call.
type CallRequest struct {
	// PhoneNumber is the E.164 number to dial.
	PhoneNumber string

	// ContactName is how the agent should address the callee. May be empty.
	ContactName string

	// Questions is the ordered list of questions the agent must ask.
	Questions []string

	// Context is background information injected into the call agent's prompt.
	Context string
}

// CallResult is the outcome of an outbound call.
type CallResult struct {
	// Status is the call's current lifecycle state.
	Status CallStatus

	// Summary is the provider's summary of the conversation. Set when Status
	// is StatusDone.
	Summary string

	// Answers holds the callee's answers in question order, when the provider
	// can attribute them.
	Answers []string

	// Error describes the failure when Status is StatusFailed.
	Error string
}

// Provider places and tracks outbound AI-driven phone calls.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartCall places an outbound call and returns its provider-assigned ID.
	StartCall(ctx context.Context, req CallRequest) (string, error)

	// CallStatus returns the current state and result of a call.
	CallStatus(ctx context.Context, callID string) (*CallResult, error)
}
