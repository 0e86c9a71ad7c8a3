package profile

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	p, err := Normalize(Profile{
		DisplayName: "  Dana  ",
		Preferences: Preferences{
			PreferredCurrency: "euros",
			EscrowPreference:  "sometimes",
			NegotiationStyle:  "ruthless",
			EscrowThreshold:   -50,
		},
		ExperienceYears: -3,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if p.DisplayName != "Dana" {
		t.Errorf("DisplayName = %q, want trimmed %q", p.DisplayName, "Dana")
	}
	if p.Preferences.PreferredCurrency != "GBP" {
		t.Errorf("PreferredCurrency = %q, want GBP fallback", p.Preferences.PreferredCurrency)
	}
	if p.Preferences.EscrowPreference != EscrowAboveThreshold {
		t.Errorf("EscrowPreference = %q, want default", p.Preferences.EscrowPreference)
	}
	if p.Preferences.NegotiationStyle != StyleBalanced {
		t.Errorf("NegotiationStyle = %q, want default", p.Preferences.NegotiationStyle)
	}
	if p.Preferences.EscrowThreshold != 0 {
		t.Errorf("EscrowThreshold = %d, want clamped 0", p.Preferences.EscrowThreshold)
	}
	if p.ExperienceYears != 0 {
		t.Errorf("ExperienceYears = %d, want clamped 0", p.ExperienceYears)
	}
}

func TestNormalizeKeepsValidFields(t *testing.T) {
	t.Parallel()

	in := Profile{
		DisplayName: "Sam the Plumber",
		Role:        "plumber",
		Preferences: Preferences{
			PreferredCurrency: "usd",
			EscrowPreference:  EscrowAlways,
			NegotiationStyle:  StyleAggressive,
			EscrowThreshold:   10000,
		},
	}
	p, err := Normalize(in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if p.Preferences.PreferredCurrency != "USD" {
		t.Errorf("PreferredCurrency = %q, want USD", p.Preferences.PreferredCurrency)
	}
	if p.Preferences.EscrowPreference != EscrowAlways {
		t.Errorf("EscrowPreference changed: %q", p.Preferences.EscrowPreference)
	}
	if p.Preferences.NegotiationStyle != StyleAggressive {
		t.Errorf("NegotiationStyle changed: %q", p.Preferences.NegotiationStyle)
	}
}

func TestNormalizeRejectsBadDisplayName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "   ", strings.Repeat("x", 101)} {
		if _, err := Normalize(Profile{DisplayName: name}); !errors.Is(err, ErrDisplayName) {
			t.Errorf("Normalize(displayName=%q) err = %v, want ErrDisplayName", name, err)
		}
	}
}

func TestNormalizeTrimsContextDocuments(t *testing.T) {
	t.Parallel()

	docs := make([]ContextDocument, 7)
	for i := range docs {
		docs[i] = ContextDocument{Name: "doc", Content: strings.Repeat("a", 6*1024)}
	}

	p, err := Normalize(Profile{DisplayName: "Dana", ContextDocuments: docs})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(p.ContextDocuments) != 5 {
		t.Fatalf("kept %d documents, want 5", len(p.ContextDocuments))
	}
	for i, d := range p.ContextDocuments {
		if len(d.Content) != 5*1024 {
			t.Errorf("doc %d content = %d bytes, want 5120", i, len(d.Content))
		}
	}
	// The caller's slice must not be mutated.
	if len(docs[0].Content) != 6*1024 {
		t.Error("Normalize mutated the input slice")
	}
}

func TestStoreSetGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.Set("u1", Profile{DisplayName: "Dana", Role: "customer"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	p, ok := s.Get("u1")
	if !ok {
		t.Fatal("Get(u1) = not found")
	}
	if p.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", p.UserID)
	}

	if _, ok := s.Get("u2"); ok {
		t.Error("Get(u2) found a profile that was never set")
	}

	def := s.GetOrDefault("u2")
	if def.DisplayName != "u2" {
		t.Errorf("default DisplayName = %q, want user ID", def.DisplayName)
	}
	if def.Preferences.PreferredCurrency != "GBP" {
		t.Errorf("default currency = %q, want GBP", def.Preferences.PreferredCurrency)
	}

	s.Delete("u1")
	if _, ok := s.Get("u1"); ok {
		t.Error("Get(u1) found a deleted profile")
	}
}
