package room

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/accordlabs/accord/internal/agent"
	"github.com/accordlabs/accord/internal/agent/bus"
	"github.com/accordlabs/accord/internal/document"
	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/internal/trigger"
	"github.com/accordlabs/accord/pkg/audio"
	"github.com/accordlabs/accord/pkg/provider/stt"
)

// sttKeywordBoost is the recognition bias applied to the trigger keyword so
// the STT provider favours hearing it.
const sttKeywordBoost = 2.0

// member is one participant's in-room state.
type member struct {
	profile profile.Profile
	driver  *agent.Driver

	framer *audio.Framer
	stream *stt.Reconnector
	cancel context.CancelFunc // transcript pump lifetime

	// utteranceID groups partial transcripts of the same utterance so the
	// client can replace them in place.
	utteranceID string
}

// Room is one two-party conversation and everything attached to it.
type Room struct {
	ID string

	orc    *Orchestrator
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	bus      *bus.Bus
	engine   *negotiation.Engine
	docs     *document.Store
	detector *trigger.Detector
	relay    *audio.Relay

	mu      sync.Mutex
	members map[string]*member

	// proposedAmounts holds provider-proposed capture amounts per milestone,
	// pending client approval. amountProposers records who proposed, so the
	// proposer cannot approve their own amount.
	proposedAmounts map[string]int64
	amountProposers map[string]string

	// confirmations tracks which parties have confirmed a milestone.
	confirmations map[string]map[string]bool

	// verifying guards against concurrent verification of one milestone.
	verifying map[string]bool
}

// newRoom builds a Room and wires its components. Caller holds o.mu.
func (o *Orchestrator) newRoom(roomID string) *Room {
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &Room{
		ID:              roomID,
		orc:             o,
		logger:          o.logger.With("room_id", roomID),
		ctx:             ctx,
		cancel:          cancel,
		bus:             bus.New(o.logger),
		docs:            document.NewStore(o.cfg.LLM, o.logger),
		relay:           audio.NewRelay(),
		members:         make(map[string]*member),
		proposedAmounts: make(map[string]int64),
		amountProposers: make(map[string]string),
		confirmations:   make(map[string]map[string]bool),
		verifying:       make(map[string]bool),
	}

	r.engine = negotiation.NewEngine(roomID, o.cfg.Negotiation, o.logger, r.onNegotiationDone)

	var semantic = o.cfg.LLM
	if !o.cfg.SemanticDetection {
		semantic = nil
	}
	r.detector = trigger.New(semantic, o.logger, r.onTrigger, trigger.WithKeyword(o.cfg.TriggerKeyword))
	r.detector.Start(ctx)

	// The engine advances on the same messages the peer agent receives;
	// observers run before delivery so state is settled first.
	r.bus.Observe(r.onBusMessage)

	o.logger.Info("room created", "room_id", roomID)
	return r
}

// join adds userID as a member. The second member pairs the agents.
func (r *Room) join(userID string) error {
	r.mu.Lock()
	if _, ok := r.members[userID]; ok {
		r.mu.Unlock()
		return nil
	}
	if len(r.members) >= 2 {
		r.mu.Unlock()
		return ErrRoomFull
	}

	m := &member{
		profile: r.orc.cfg.Profiles.GetOrDefault(userID),
		framer:  audio.NewFramer(audio.SampleRate),
	}
	r.members[userID] = m
	paired := len(r.members) == 2
	r.mu.Unlock()

	if err := r.startTranscription(userID, m); err != nil {
		r.logger.Warn("transcription unavailable for member", "user_id", userID, "error", err)
	}
	if paired {
		r.pairAgents()
	}

	r.orc.metrics.ActiveParticipants.Add(r.ctx, 1)
	r.logger.Info("member joined", "user_id", userID, "display_name", m.profile.DisplayName)
	r.broadcastStatus("joined", userID)
	return nil
}

// leave removes userID, cancels any active negotiation, and re-arms the
// trigger. Returns true when the room is now empty.
func (r *Room) leave(userID string) (empty bool) {
	r.mu.Lock()
	m, ok := r.members[userID]
	if !ok {
		empty = len(r.members) == 0
		r.mu.Unlock()
		return empty
	}
	delete(r.members, userID)

	// The pairing is broken either way; both drivers stop.
	var drivers []*agent.Driver
	if m.driver != nil {
		drivers = append(drivers, m.driver)
		m.driver = nil
	}
	for _, peer := range r.members {
		if peer.driver != nil {
			drivers = append(drivers, peer.driver)
			peer.driver = nil
		}
	}
	empty = len(r.members) == 0
	r.mu.Unlock()

	for _, d := range drivers {
		d.Close()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.stream != nil {
		_ = m.stream.Close()
	}
	r.relay.Detach(userID)

	r.engine.Cancel(negotiation.ReasonPeerLeft)
	r.detector.Reset()

	r.orc.metrics.ActiveParticipants.Add(r.ctx, -1)
	r.logger.Info("member left", "user_id", userID)
	r.broadcastStatus("left", userID)
	return empty
}

// close releases everything the room owns.
func (r *Room) close() {
	r.cancel()
	r.engine.Close()
	r.bus.Close()

	r.mu.Lock()
	members := r.members
	r.members = make(map[string]*member)
	r.mu.Unlock()

	for _, m := range members {
		if m.driver != nil {
			m.driver.Close()
		}
		if m.cancel != nil {
			m.cancel()
		}
		if m.stream != nil {
			_ = m.stream.Close()
		}
	}
}

// pairAgents builds and starts one driver per member once both are present.
func (r *Room) pairAgents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) != 2 {
		return
	}

	ids := make([]string, 0, 2)
	for id := range r.members {
		ids = append(ids, id)
	}
	a, b := r.members[ids[0]], r.members[ids[1]]

	a.driver = r.newDriver(a.profile, b.profile)
	b.driver = r.newDriver(b.profile, a.profile)
	a.driver.Start(r.ctx)
	b.driver.Start(r.ctx)

	r.logger.Info("agents paired", "members", ids)
}

func (r *Room) newDriver(self, peer profile.Profile) *agent.Driver {
	return agent.NewDriver(agent.Config{
		RoomID:      r.ID,
		Profile:     self,
		PeerProfile: peer,
		LLM:         r.orc.cfg.LLM,
		Negotiator:  r.engine,
		Bus:         r.bus,
		Payments:    r.orc.cfg.Payments,
		Panel:       r.orc.cfg.Panel,
		Logger:      r.orc.logger,
		Metrics:     r.orc.metrics,
	})
}

// startTranscription opens the member's STT stream and starts the transcript
// pump. No-op without an STT provider.
func (r *Room) startTranscription(userID string, m *member) error {
	if r.orc.cfg.STT == nil {
		return nil
	}

	rec := stt.NewReconnector(r.orc.cfg.STT, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   1,
		Language:   r.orc.cfg.STTLanguage,
		Keywords: []stt.KeywordBoost{
			{Keyword: r.detector.Keyword(), Boost: sttKeywordBoost},
		},
	}, r.logger)
	ctx, cancel := context.WithCancel(r.ctx)
	if err := rec.Start(ctx); err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	m.stream = rec
	m.cancel = cancel
	r.mu.Unlock()

	go r.pumpTranscripts(ctx, userID, rec)
	return nil
}

// pumpTranscripts forwards one member's transcripts into the room.
func (r *Room) pumpTranscripts(ctx context.Context, userID string, rec *stt.Reconnector) {
	start := time.Now()
	defer func() {
		r.orc.metrics.STTDuration.Record(r.ctx, time.Since(start).Seconds())
	}()

	partials := rec.Partials()
	finals := rec.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			r.handlePartial(userID, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			r.HandleFinalTranscript(userID, t.Text)
		}
	}
}

// handlePartial shows an in-progress utterance on the panels. Partials of
// the same utterance reuse one ID so clients replace in place.
func (r *Room) handlePartial(userID string, t stt.Transcript) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}

	r.mu.Lock()
	m, ok := r.members[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if m.utteranceID == "" {
		m.utteranceID = uuid.NewString()
	}
	id, name := m.utteranceID, m.profile.DisplayName
	r.mu.Unlock()

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewTranscript(id, userID, name, t.Text, false))
}

// HandleFinalTranscript feeds one committed utterance into the room: the
// panels, the trigger detector, and both agents. Exported so transports and
// tests can inject transcripts directly.
func (r *Room) HandleFinalTranscript(userID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	r.mu.Lock()
	m, ok := r.members[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	id := m.utteranceID
	if id == "" {
		id = uuid.NewString()
	}
	m.utteranceID = ""
	name := m.profile.DisplayName
	drivers := r.driversLocked()
	r.mu.Unlock()

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewTranscript(id, userID, name, text, true))
	r.detector.HandleFinal(userID, text)
	for _, d := range drivers {
		d.HandleTranscript(userID, text)
	}
}

// HandleAudioFrame accepts one raw PCM frame from userID's audio socket:
// the peer hears it via the relay, and complete chunks go to transcription.
func (r *Room) HandleAudioFrame(userID string, frame []byte) {
	r.relay.Forward(userID, frame)

	r.mu.Lock()
	m, ok := r.members[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	framer, stream := m.framer, m.stream
	r.mu.Unlock()

	if stream == nil {
		return
	}
	framer.Write(frame)
	for {
		chunk, ok := framer.Next()
		if !ok {
			return
		}
		if err := stream.SendAudio(chunk); err != nil {
			r.logger.Debug("stt send failed", "user_id", userID, "error", err)
			return
		}
	}
}

// AttachAudioSink registers where userID's incoming peer audio is written.
func (r *Room) AttachAudioSink(userID string, sink audio.Sink) {
	r.relay.Attach(userID, sink)
}

// DetachAudioSink removes userID's audio sink.
func (r *Room) DetachAudioSink(userID string) {
	r.relay.Detach(userID)
}

// onTrigger activates both agents. Runs once per latch.
func (r *Room) onTrigger(ev trigger.Event) {
	r.orc.metrics.RecordTrigger(r.ctx, string(ev.Type))
	r.broadcastStatus("trigger_fired", ev.SpeakerID)

	r.mu.Lock()
	drivers := r.driversLocked()
	r.mu.Unlock()
	for _, d := range drivers {
		d.OnTrigger(ev)
	}
}

// onBusMessage advances the negotiation engine on the agents' traffic. Runs
// inline on the sender's goroutine, before the peer agent sees the message.
func (r *Room) onBusMessage(msg bus.Message) {
	var err error
	switch msg.Type {
	case bus.TypeProposal:
		// Created by the proposing agent's tool; mirror it to the panels.
		if n, ok := r.engine.Get(msg.NegotiationID); ok {
			r.orc.metrics.ActiveNegotiations.Add(r.ctx, 1)
			r.orc.cfg.Panel.Broadcast(r.ID, panel.NewNegotiation(n.ID, string(n.Status), "proposed", "", n))
		}
		return
	case bus.TypeCounter:
		if msg.Proposal == nil {
			return
		}
		err = r.engine.Counter(msg.NegotiationID, msg.FromAgent, *msg.Proposal, msg.Reason)
	case bus.TypeAccept:
		err = r.engine.Accept(msg.NegotiationID, msg.FromAgent)
	case bus.TypeReject:
		err = r.engine.Reject(msg.NegotiationID, msg.FromAgent, msg.Reason)
	default:
		return
	}

	if err != nil {
		r.logger.Warn("bus message rejected by engine",
			"type", string(msg.Type), "negotiation_id", msg.NegotiationID,
			"from", msg.FromAgent, "error", err)
		return
	}
	if n, ok := r.engine.Get(msg.NegotiationID); ok && !n.Status.Terminal() {
		r.orc.cfg.Panel.Broadcast(r.ID, panel.NewNegotiation(n.ID, string(n.Status), "countered", msg.Reason, n))
	}
}

// onNegotiationDone reacts to a terminal negotiation: panels always, contract
// drafting on agreement.
func (r *Room) onNegotiationDone(ev negotiation.Event) {
	n := ev.Negotiation
	r.orc.metrics.ActiveNegotiations.Add(r.ctx, -1)
	r.orc.metrics.RecordNegotiationClosed(r.ctx, string(n.Status))
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewNegotiation(n.ID, string(n.Status), string(ev.Type), ev.Reason, n))

	if ev.Type == negotiation.EventAgreed {
		go r.generateDocument(n)
	}
}

// generateDocument drafts the contract for an agreed negotiation.
func (r *Room) generateDocument(n *negotiation.Negotiation) {
	parties := r.parties()
	if len(parties) < 2 {
		r.logger.Warn("agreement reached but a party is gone; no document", "negotiation_id", n.ID)
		return
	}

	conversation := r.conversation()
	doc, err := r.docs.Generate(r.ctx, n, parties, conversation)
	if err != nil {
		r.logger.Error("document generation failed", "negotiation_id", n.ID, "error", err)
		r.orc.cfg.Panel.Broadcast(r.ID, panel.NewError("document_failed", "contract drafting failed"))
		return
	}

	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewDocument(doc.ID, string(doc.Status), "generated", doc))
}

// parties lists the current members as document signatories, provider first.
func (r *Room) parties() []document.Party {
	r.mu.Lock()
	defer r.mu.Unlock()

	var provider, client []document.Party
	for id, m := range r.members {
		p := document.Party{UserID: id, DisplayName: m.profile.DisplayName, Role: "client"}
		if m.driver != nil && m.driver.Role() == agent.RoleProposer {
			p.Role = "provider"
			provider = append(provider, p)
			continue
		}
		client = append(client, p)
	}
	return append(provider, client...)
}

// conversation renders the retained utterance window for document grounding.
func (r *Room) conversation() string {
	var b strings.Builder
	for _, e := range r.detector.Window() {
		b.WriteString("[" + e.SpeakerID + "] " + e.Text + "\n")
	}
	return b.String()
}

// driversLocked snapshots the live drivers. Caller holds r.mu.
func (r *Room) driversLocked() []*agent.Driver {
	out := make([]*agent.Driver, 0, 2)
	for _, m := range r.members {
		if m.driver != nil {
			out = append(out, m.driver)
		}
	}
	return out
}

// broadcastStatus tells the panels about a room lifecycle event, listing the
// current member display names and whether a negotiation is in flight.
func (r *Room) broadcastStatus(event, userID string) {
	r.mu.Lock()
	names := make([]string, 0, len(r.members))
	for _, m := range r.members {
		names = append(names, m.profile.DisplayName)
	}
	r.mu.Unlock()

	detail := "members: " + strings.Join(names, ", ")
	if len(names) == 0 {
		detail = "room empty"
	}
	if _, active := r.engine.Active(); active {
		detail += "; negotiation active"
	}
	r.orc.cfg.Panel.Broadcast(r.ID, panel.NewStatus(event, userID, detail))
}
