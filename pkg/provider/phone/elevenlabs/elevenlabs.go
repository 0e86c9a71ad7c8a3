// Package elevenlabs provides an outbound phone-call provider backed by the
// ElevenLabs Conversational AI API. It implements the phone.Provider
// interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/accordlabs/accord/pkg/provider/phone"
)

const (
	outboundCallEndpoint = "https://api.elevenlabs.io/v1/convai/twilio/outbound-call"
	conversationEndpoint = "https://api.elevenlabs.io/v1/convai/conversations/"
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithBaseURL overrides the API base URLs; used in tests.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		base = strings.TrimSuffix(base, "/")
		p.callURL = base + "/v1/convai/twilio/outbound-call"
		p.convURL = base + "/v1/convai/conversations/"
	}
}

// Provider implements phone.Provider backed by the ElevenLabs
// Conversational AI outbound-call API.
type Provider struct {
	apiKey        string
	agentID       string
	phoneNumberID string
	httpClient    *http.Client

	callURL string
	convURL string
}

// New creates a new ElevenLabs phone Provider. All three identifiers are
// required: apiKey authenticates, agentID selects the call agent, and
// phoneNumberID selects the outbound caller number.
func New(apiKey, agentID, phoneNumberID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if agentID == "" {
		return nil, errors.New("elevenlabs: agentID must not be empty")
	}
	if phoneNumberID == "" {
		return nil, errors.New("elevenlabs: phoneNumberID must not be empty")
	}
	p := &Provider{
		apiKey:        apiKey,
		agentID:       agentID,
		phoneNumberID: phoneNumberID,
		httpClient:    &http.Client{},
		callURL:       outboundCallEndpoint,
		convURL:       conversationEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response payloads ----

// outboundCallRequest is the JSON body for placing an outbound call.
type outboundCallRequest struct {
	AgentID            string             `json:"agent_id"`
	AgentPhoneNumberID string             `json:"agent_phone_number_id"`
	ToNumber           string             `json:"to_number"`
	ConversationConfig conversationConfig `json:"conversation_initiation_client_data"`
}

// conversationConfig carries per-call prompt overrides.
type conversationConfig struct {
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// outboundCallResponse is the JSON response from the outbound-call endpoint.
type outboundCallResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	CallSID        string `json:"callSid"`
}

// conversationResponse is the JSON response from the conversation endpoint.
type conversationResponse struct {
	Status   string `json:"status"`
	Analysis struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
	Transcript []struct {
		Role    string `json:"role"`
		Message string `json:"message"`
	} `json:"transcript"`
}

// StartCall implements phone.Provider.
func (p *Provider) StartCall(ctx context.Context, req phone.CallRequest) (string, error) {
	if req.PhoneNumber == "" {
		return "", errors.New("elevenlabs: phone number must not be empty")
	}

	body := outboundCallRequest{
		AgentID:            p.agentID,
		AgentPhoneNumberID: p.phoneNumberID,
		ToNumber:           req.PhoneNumber,
		ConversationConfig: conversationConfig{
			DynamicVariables: map[string]string{
				"contact_name": req.ContactName,
				"questions":    strings.Join(req.Questions, "\n"),
				"context":      req.Context,
			},
		},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.callURL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: outbound call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("elevenlabs: outbound call returned %d: %s", resp.StatusCode, msg)
	}

	var out outboundCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	if out.ConversationID == "" {
		return "", fmt.Errorf("elevenlabs: call not placed: %s", out.Message)
	}

	return out.ConversationID, nil
}

// CallStatus implements phone.Provider.
func (p *Provider) CallStatus(ctx context.Context, callID string) (*phone.CallResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.convURL+callID, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: get conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("elevenlabs: get conversation returned %d: %s", resp.StatusCode, msg)
	}

	var conv conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode conversation: %w", err)
	}

	result := &phone.CallResult{
		Status:  mapStatus(conv.Status),
		Summary: conv.Analysis.TranscriptSummary,
	}
	for _, t := range conv.Transcript {
		if t.Role == "user" {
			result.Answers = append(result.Answers, t.Message)
		}
	}
	if result.Status == phone.StatusFailed {
		result.Error = "call failed"
	}
	return result, nil
}

// mapStatus converts an ElevenLabs conversation status to a phone.CallStatus.
func mapStatus(s string) phone.CallStatus {
	switch strings.ToLower(s) {
	case "initiated", "queued":
		return phone.StatusQueued
	case "in-progress", "in_progress", "processing":
		return phone.StatusInProgress
	case "done", "completed":
		return phone.StatusDone
	case "failed", "error":
		return phone.StatusFailed
	default:
		return phone.StatusInProgress
	}
}

// Compile-time interface check.
var _ phone.Provider = (*Provider)(nil)
