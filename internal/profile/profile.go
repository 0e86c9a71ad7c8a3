// Package profile holds the validated per-user agent configuration.
//
// A profile is submitted over the panel stream (set_profile) before joining a
// room and is copied into the member's agent on join; later edits never
// affect a live agent. Validation normalises enum fields to defaults and
// rejects only what cannot be defaulted (an unusable display name).
package profile

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Limits applied during validation.
const (
	maxDisplayNameLen  = 100
	maxContextDocs     = 5
	maxContextDocBytes = 5 * 1024
)

// EscrowPreference controls when a user's agent asks for escrow holds.
type EscrowPreference string

const (
	EscrowAlways         EscrowPreference = "always"
	EscrowAboveThreshold EscrowPreference = "above_threshold"
	EscrowNever          EscrowPreference = "never"
)

// IsValid reports whether e is a recognised escrow preference.
func (e EscrowPreference) IsValid() bool {
	switch e {
	case EscrowAlways, EscrowAboveThreshold, EscrowNever:
		return true
	}
	return false
}

// NegotiationStyle biases the agent's negotiation behaviour.
type NegotiationStyle string

const (
	StyleAggressive   NegotiationStyle = "aggressive"
	StyleBalanced     NegotiationStyle = "balanced"
	StyleConservative NegotiationStyle = "conservative"
)

// IsValid reports whether s is a recognised negotiation style.
func (s NegotiationStyle) IsValid() bool {
	switch s {
	case StyleAggressive, StyleBalanced, StyleConservative:
		return true
	}
	return false
}

// Preferences are the user's standing financial preferences.
type Preferences struct {
	// MaxAutoApproveAmount is the largest amount (minor units) the agent may
	// agree to without explicit confirmation.
	MaxAutoApproveAmount int64 `json:"maxAutoApproveAmount"`

	// PreferredCurrency is a 3-letter ISO code. Defaults to "GBP".
	PreferredCurrency string `json:"preferredCurrency"`

	// EscrowPreference controls when escrow holds are requested.
	EscrowPreference EscrowPreference `json:"escrowPreference"`

	// EscrowThreshold is the amount (minor units) above which escrow is
	// requested when EscrowPreference is above_threshold.
	EscrowThreshold int64 `json:"escrowThreshold"`

	// NegotiationStyle biases proposals and counters.
	NegotiationStyle NegotiationStyle `json:"negotiationStyle"`
}

// ContextDocument is a small free-text document injected into the agent's
// system prompt as background material.
type ContextDocument struct {
	// Name labels the document.
	Name string `json:"name"`

	// Content is the document text, capped at 5 KiB.
	Content string `json:"content"`
}

// Profile is one user's agent configuration.
type Profile struct {
	// UserID is the opaque user identifier. Set by the server, not the client.
	UserID string `json:"userId"`

	// DisplayName is shown to the peer and used in generated documents.
	DisplayName string `json:"displayName"`

	// Role is a free-text description (e.g., "plumber", "customer") used to
	// derive the agent's negotiation role.
	Role string `json:"role"`

	// CustomInstructions is free text appended to the agent's system prompt.
	CustomInstructions string `json:"customInstructions"`

	// Preferences are the user's standing financial preferences.
	Preferences Preferences `json:"preferences"`

	// PayoutAccountID is the connected payment account receiving funds.
	PayoutAccountID string `json:"payoutAccountId,omitempty"`

	// BankToken authorizes balance and transaction lookups. Opaque.
	BankToken string `json:"bankToken,omitempty"`

	// Trade background, optional.
	Trade           string   `json:"trade,omitempty"`
	ExperienceYears int      `json:"experienceYears,omitempty"`
	Certifications  []string `json:"certifications,omitempty"`
	RateRange       string   `json:"rateRange,omitempty"`
	ServiceArea     string   `json:"serviceArea,omitempty"`

	// ContextDocuments is background material for the agent (≤5 × ≤5 KiB).
	ContextDocuments []ContextDocument `json:"contextDocuments,omitempty"`
}

// ErrDisplayName is returned when the display name is empty after trimming
// or exceeds the length limit.
var ErrDisplayName = errors.New("profile: displayName must be non-empty and at most 100 characters")

// Normalize validates p and returns a copy with defaults substituted:
// enums fall back to their defaults, the currency falls back to GBP, negative
// amounts are clamped to zero, and context documents are trimmed to the
// count and size limits. Only an unusable display name is an error.
func Normalize(p Profile) (Profile, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" || len(p.DisplayName) > maxDisplayNameLen {
		return Profile{}, ErrDisplayName
	}

	if p.Preferences.MaxAutoApproveAmount < 0 {
		p.Preferences.MaxAutoApproveAmount = 0
	}
	if p.Preferences.EscrowThreshold < 0 {
		p.Preferences.EscrowThreshold = 0
	}
	if p.ExperienceYears < 0 {
		p.ExperienceYears = 0
	}

	cur := strings.ToUpper(strings.TrimSpace(p.Preferences.PreferredCurrency))
	if len(cur) != 3 {
		cur = "GBP"
	}
	p.Preferences.PreferredCurrency = cur

	if !p.Preferences.EscrowPreference.IsValid() {
		p.Preferences.EscrowPreference = EscrowAboveThreshold
	}
	if !p.Preferences.NegotiationStyle.IsValid() {
		p.Preferences.NegotiationStyle = StyleBalanced
	}

	if len(p.ContextDocuments) > maxContextDocs {
		p.ContextDocuments = p.ContextDocuments[:maxContextDocs]
	}
	docs := make([]ContextDocument, len(p.ContextDocuments))
	copy(docs, p.ContextDocuments)
	for i := range docs {
		if len(docs[i].Content) > maxContextDocBytes {
			docs[i].Content = docs[i].Content[:maxContextDocBytes]
		}
	}
	p.ContextDocuments = docs

	return p, nil
}

// Default returns the fallback profile for a user who joined without
// calling set_profile.
func Default(userID string) Profile {
	return Profile{
		UserID:      userID,
		DisplayName: userID,
		Preferences: Preferences{
			PreferredCurrency: "GBP",
			EscrowPreference:  EscrowAboveThreshold,
			NegotiationStyle:  StyleBalanced,
		},
	}
}

// Store is the process-wide profile table. Profiles are keyed by user ID and
// survive room churn; a room copies the profile at join time.
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]Profile)}
}

// Set validates and stores the profile for userID. The stored profile is the
// normalised form.
func (s *Store) Set(userID string, p Profile) error {
	p.UserID = userID
	norm, err := Normalize(p)
	if err != nil {
		return fmt.Errorf("profile: set %q: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = norm
	return nil
}

// Get returns the stored profile for userID.
func (s *Store) Get(userID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	return p, ok
}

// GetOrDefault returns the stored profile for userID, or [Default] when none
// has been set.
func (s *Store) GetOrDefault(userID string) Profile {
	if p, ok := s.Get(userID); ok {
		return p
	}
	return Default(userID)
}

// Delete removes the stored profile for userID. Unknown IDs are a no-op.
func (s *Store) Delete(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
}
