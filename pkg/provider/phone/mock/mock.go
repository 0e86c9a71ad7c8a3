// Package mock provides a test double for the phone.Provider interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/accordlabs/accord/pkg/provider/phone"
)

// Provider is a mock phone.Provider.
//
// Results holds the sequence of CallResult values returned by successive
// CallStatus calls for any call ID; when exhausted, the last entry repeats.
// This lets tests model a call that progresses from queued to done across
// polls.
type Provider struct {
	mu sync.Mutex

	// StartErr, if non-nil, fails StartCall.
	StartErr error

	// Results is consumed in order by CallStatus calls.
	Results []*phone.CallResult

	// StartCalls records every StartCall request in order.
	StartCalls []phone.CallRequest

	// StatusCalls records every call ID passed to CallStatus.
	StatusCalls []string

	seq int
	idx int
}

// StartCall records the request and returns a fresh call ID.
func (p *Provider) StartCall(_ context.Context, req phone.CallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, req)
	if p.StartErr != nil {
		return "", p.StartErr
	}
	p.seq++
	return fmt.Sprintf("call_mock_%d", p.seq), nil
}

// CallStatus records the call and returns the next configured result.
// With no configured Results, the call is immediately done.
func (p *Provider) CallStatus(_ context.Context, callID string) (*phone.CallResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StatusCalls = append(p.StatusCalls, callID)
	if len(p.Results) == 0 {
		return &phone.CallResult{Status: phone.StatusDone, Summary: "simulated call"}, nil
	}
	r := p.Results[p.idx]
	if p.idx < len(p.Results)-1 {
		p.idx++
	}
	out := *r
	return &out, nil
}

// Compile-time interface check.
var _ phone.Provider = (*Provider)(nil)
