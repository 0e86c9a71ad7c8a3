package agent

import (
	"fmt"
	"strings"

	"github.com/accordlabs/accord/internal/profile"
)

// Role is the agent's negotiation role.
type Role string

const (
	RoleProposer  Role = "proposer"
	RoleResponder Role = "responder"
)

// proposerKeywords and responderKeywords classify the free-text profile
// role. The side offering a service proposes; the side buying responds.
var (
	proposerKeywords  = []string{"provider", "contractor", "seller", "tradesperson", "freelancer", "vendor", "plumber", "electrician", "builder"}
	responderKeywords = []string{"client", "customer", "buyer", "homeowner", "purchaser"}
)

// DeriveRole reads the profile's free-text role. Unrecognised roles default
// to responder; the peer's trigger classification can override later.
func DeriveRole(roleText string) Role {
	lower := strings.ToLower(roleText)
	for _, kw := range proposerKeywords {
		if strings.Contains(lower, kw) {
			return RoleProposer
		}
	}
	for _, kw := range responderKeywords {
		if strings.Contains(lower, kw) {
			return RoleResponder
		}
	}
	return RoleResponder
}

// systemPrompt builds the agent's standing instructions from its user's
// profile and the peer's public identity.
func systemPrompt(p profile.Profile, peer profile.Profile, role Role) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the negotiation agent acting for %s", p.DisplayName)
	if p.Role != "" {
		fmt.Fprintf(&b, " (%s)", p.Role)
	}
	fmt.Fprintf(&b, ". You negotiate with the agent acting for %s", peer.DisplayName)
	if peer.Role != "" {
		fmt.Fprintf(&b, " (%s)", peer.Role)
	}
	b.WriteString(".\n\n")

	if role == RoleProposer {
		b.WriteString("You are the PROPOSING side: when negotiation begins, analyze the conversation and open with a structured proposal using analyze_and_propose.\n")
	} else {
		b.WriteString("You are the RESPONDING side: evaluate incoming proposals with evaluate_proposal and accept, counter, or reject them on your user's behalf.\n")
	}

	fmt.Fprintf(&b, "\nYour user's preferences:\n- Preferred currency: %s\n", p.Preferences.PreferredCurrency)
	fmt.Fprintf(&b, "- Negotiation style: %s\n", p.Preferences.NegotiationStyle)
	fmt.Fprintf(&b, "- Escrow preference: %s", p.Preferences.EscrowPreference)
	if p.Preferences.EscrowPreference == profile.EscrowAboveThreshold {
		fmt.Fprintf(&b, " (threshold %d minor units)", p.Preferences.EscrowThreshold)
	}
	b.WriteString("\n")
	if p.Preferences.MaxAutoApproveAmount > 0 {
		fmt.Fprintf(&b, "- Never commit to paying more than %d minor units without telling your user via send_message_to_user first.\n", p.Preferences.MaxAutoApproveAmount)
	}

	if p.Trade != "" || p.RateRange != "" || len(p.Certifications) > 0 {
		b.WriteString("\nYour user's trade background:\n")
		if p.Trade != "" {
			fmt.Fprintf(&b, "- Trade: %s", p.Trade)
			if p.ExperienceYears > 0 {
				fmt.Fprintf(&b, " (%d years)", p.ExperienceYears)
			}
			b.WriteString("\n")
		}
		if p.RateRange != "" {
			fmt.Fprintf(&b, "- Typical rates: %s\n", p.RateRange)
		}
		if p.ServiceArea != "" {
			fmt.Fprintf(&b, "- Service area: %s\n", p.ServiceArea)
		}
		if len(p.Certifications) > 0 {
			fmt.Fprintf(&b, "- Certifications: %s\n", strings.Join(p.Certifications, ", "))
		}
	}

	if p.CustomInstructions != "" {
		fmt.Fprintf(&b, "\nStanding instructions from your user:\n%s\n", p.CustomInstructions)
	}

	for _, doc := range p.ContextDocuments {
		fmt.Fprintf(&b, "\nBackground document %q:\n%s\n", doc.Name, doc.Content)
	}

	b.WriteString("\nGround rules:\n")
	b.WriteString("- All amounts are integer minor units of the currency (pence, cents).\n")
	b.WriteString("- Use escrow or conditional line items for work that completes later; attach a clear condition.\n")
	b.WriteString("- Keep your user informed of significant moves with send_message_to_user.\n")
	b.WriteString("- Negotiations allow at most 5 rounds; do not haggle past a fair price.\n")

	return b.String()
}
