package room

import (
	"encoding/json"

	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/profile"
)

// Inbound is a client-to-server panel message. Type discriminates; the other
// fields are populated per type.
type Inbound struct {
	Type string `json:"type"`

	// join_room / set_profile
	RoomID  string           `json:"roomId,omitempty"`
	Profile *profile.Profile `json:"profile,omitempty"`

	// set_trigger_keyword
	Keyword string `json:"keyword,omitempty"`

	// document and milestone actions
	DocumentID  string `json:"documentId,omitempty"`
	MilestoneID string `json:"milestoneId,omitempty"`
	Amount      int64  `json:"amount,omitempty"`

	// verify_milestone
	Phone       string `json:"phone,omitempty"`
	ContactName string `json:"contactName,omitempty"`
}

// ParseInbound decodes one panel message. Unknown fields are tolerated;
// unknown types are reported by Dispatch.
func ParseInbound(raw []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(raw, &in)
	return in, err
}

// Dispatch routes an in-room panel message from userID. set_profile and
// join_room are connection-level and handled by the transport before the user
// is in a room; everything else lands here. Failures are answered with an
// error panel message to the sender, never an error return: a bad request
// must not kill the room.
func (r *Room) Dispatch(userID string, in Inbound) {
	r.mu.Lock()
	_, isMember := r.members[userID]
	r.mu.Unlock()
	if !isMember {
		r.orc.cfg.Panel.Send(userID, panel.NewError("not_member", "join the room first"))
		return
	}

	switch in.Type {
	case "set_trigger_keyword":
		r.setTriggerKeyword(userID, in.Keyword)
	case "sign_document":
		r.signDocument(userID, in.DocumentID)
	case "confirm_milestone":
		r.confirmMilestone(userID, in.DocumentID, in.MilestoneID)
	case "propose_milestone_amount":
		r.proposeMilestoneAmount(userID, in.DocumentID, in.MilestoneID, in.Amount)
	case "approve_milestone_amount":
		r.approveMilestoneAmount(userID, in.DocumentID, in.MilestoneID)
	case "release_escrow":
		r.releaseEscrow(userID, in.DocumentID, in.MilestoneID)
	case "verify_milestone":
		r.verifyMilestone(userID, in.DocumentID, in.MilestoneID, in.Phone, in.ContactName)
	default:
		r.logger.Debug("unknown panel message", "user_id", userID, "type", in.Type)
		r.orc.cfg.Panel.Send(userID, panel.NewError("unknown_type", "unknown message type: "+in.Type))
	}
}

// setTriggerKeyword swaps the detector keyword. The trigger latch is left
// alone; only a member leaving re-arms it.
func (r *Room) setTriggerKeyword(userID, keyword string) {
	if keyword == "" {
		r.orc.cfg.Panel.Send(userID, panel.NewError("bad_request", "keyword must not be empty"))
		return
	}
	r.detector.SetKeyword(keyword)
	r.logger.Info("trigger keyword changed", "user_id", userID, "keyword", keyword)
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewStatus("keyword_changed", userID, keyword))
}
