package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

var ErrBadRoomState = errors.New("operation not valid in current room state")

// RoomConfig tunes the group join race handling.
type RoomConfig struct {
	// SettleWindow is how long after the local join a join-room event is
	// still deferred instead of answered with an immediate offer.
	SettleWindow time.Duration
	// RetryMin/RetryMax bound the randomized delay before a deferred join
	// is retried. The jitter is the tie-break for simultaneous joiners.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (c *RoomConfig) defaults() {
	if c.SettleWindow == 0 {
		c.SettleWindow = 500 * time.Millisecond
	}
	if c.RetryMin == 0 {
		c.RetryMin = 300 * time.Millisecond
	}
	if c.RetryMax <= c.RetryMin {
		c.RetryMax = c.RetryMin + 400*time.Millisecond
	}
}

// RoomCall coordinates an N-party room call: one session entry per remote
// peer, each with its own offer/answer exchange, all fed by the shared
// signaling transport.
type RoomCall struct {
	ctx       context.Context
	transport core.SignalTransport
	links     core.LinkFactory
	acquire   core.SourceFactory
	self      domain.User
	cfg       RoomConfig

	mu           sync.Mutex
	state        domain.RoomCallState
	room         domain.RoomID
	joinedAt     time.Time
	entries      map[domain.PeerID]*sessionEntry
	pendingJoins map[domain.PeerID]*time.Timer
	source       core.MediaSource
	buffer       *Buffer
	onEnded      func()
}

// RoomSnapshot is the read-only view the UI renders from.
type RoomSnapshot struct {
	State        domain.RoomCallState `json:"state"`
	Room         domain.RoomID        `json:"room,omitempty"`
	Participants []Participant        `json:"participants"`
	VideoEnabled bool                 `json:"video_enabled"`
	AudioEnabled bool                 `json:"audio_enabled"`
}

// NewRoomCall attaches a group coordinator to the transport and starts
// listening for group_video_call envelopes immediately.
func NewRoomCall(ctx context.Context, transport core.SignalTransport, links core.LinkFactory, acquire core.SourceFactory, self domain.User, cfg RoomConfig) *RoomCall {
	cfg.defaults()
	r := &RoomCall{
		ctx:          ctx,
		transport:    transport,
		links:        links,
		acquire:      acquire,
		self:         self,
		cfg:          cfg,
		state:        domain.RoomIdle,
		entries:      make(map[domain.PeerID]*sessionEntry),
		pendingJoins: make(map[domain.PeerID]*time.Timer),
		buffer:       NewBuffer(),
	}
	transport.AddMessageListener(core.ChannelGroupVideoCall, r.handleEnvelope)
	return r
}

// SetOnEnded registers the notification fired exactly once when the local
// participant leaves the room.
func (r *RoomCall) SetOnEnded(fn func()) {
	r.mu.Lock()
	r.onEnded = fn
	r.mu.Unlock()
}

// Snapshot returns the current room state for rendering, participants
// sorted by peer id for stable output.
func (r *RoomCall) Snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := RoomSnapshot{
		State:        r.state,
		Room:         r.room,
		Participants: make([]Participant, 0, len(r.entries)),
	}
	for _, e := range r.entries {
		snap.Participants = append(snap.Participants, e.participant())
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].Peer < snap.Participants[j].Peer
	})
	if r.source != nil {
		snap.VideoEnabled = r.source.VideoEnabled()
		snap.AudioEnabled = r.source.AudioEnabled()
	}
	return snap
}

// JoinRoom acquires local media and announces presence in room. Valid only
// from idle; media failure leaves state unchanged so the user can retry.
func (r *RoomCall) JoinRoom(room domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != domain.RoomIdle {
		return fmt.Errorf("%w: %s", ErrBadRoomState, r.state)
	}
	r.state = domain.RoomJoining

	source, err := r.acquire()
	if err != nil {
		r.state = domain.RoomIdle
		return fmt.Errorf("media acquisition: %w", err)
	}

	r.source = source
	r.room = room
	r.joinedAt = time.Now()
	r.entries = make(map[domain.PeerID]*sessionEntry)
	r.pendingJoins = make(map[domain.PeerID]*time.Timer)
	r.state = domain.RoomActive

	video, audio := source.VideoEnabled(), source.AudioEnabled()
	r.send(core.Payload{
		Type:         core.MsgJoinRoom,
		From:         r.self.ID,
		RoomID:       room,
		SenderInfo:   &r.self,
		VideoEnabled: &video,
		AudioEnabled: &audio,
	})
	log.Info().Str("module", "groupcall").Str("room", string(room)).Msg("joined room")
	return nil
}

// LeaveRoom broadcasts departure and tears everything down. Idempotent:
// a second call, or a call while idle, sends nothing and fires no
// duplicate ended notification.
func (r *RoomCall) LeaveRoom() {
	r.mu.Lock()
	if r.state != domain.RoomActive {
		r.mu.Unlock()
		return
	}
	r.state = domain.RoomLeaving
	room := r.room
	r.send(core.Payload{
		Type:   core.MsgLeaveRoom,
		From:   r.self.ID,
		RoomID: room,
	})
	r.teardownLocked()
	onEnded := r.onEnded
	r.mu.Unlock()

	log.Info().Str("module", "groupcall").Str("room", string(room)).Msg("left room")
	if onEnded != nil {
		onEnded()
	}
}

// ToggleVideo flips local video and broadcasts both media flags so one
// message fully describes local state.
func (r *RoomCall) ToggleVideo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return false
	}
	on := r.source.ToggleVideo()
	r.broadcastMediaLocked()
	return on
}

// ToggleAudio flips local audio and broadcasts both media flags.
func (r *RoomCall) ToggleAudio() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return false
	}
	on := r.source.ToggleAudio()
	r.broadcastMediaLocked()
	return on
}

// Close detaches from the transport and leaves the room if active.
func (r *RoomCall) Close() {
	r.transport.RemoveMessageListener(core.ChannelGroupVideoCall)
	r.LeaveRoom()
}

// handleEnvelope filters and routes inbound group_video_call messages.
// Guards: sender is not self, room id matches, room state is not idle.
// Violating any guard silently drops the message.
func (r *RoomCall) handleEnvelope(env core.Envelope) {
	msg := env.Message
	r.mu.Lock()
	if msg.From == r.self.ID || r.state == domain.RoomIdle || msg.RoomID != r.room {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var err error
	switch msg.Type {
	case core.MsgJoinRoom:
		err = r.handleJoinRoom(msg)
	case core.MsgGroupCallOffer:
		err = r.handleGroupOffer(msg)
	case core.MsgGroupCallAnswer:
		err = r.handleGroupAnswer(msg)
	case core.MsgICECandidate:
		err = r.handleCandidate(msg)
	case core.MsgLeaveRoom:
		err = r.handleLeaveRoom(msg)
	case core.MsgAudioVideo:
		err = r.handleAudioVideo(msg)
	case core.MsgGroupCallEnded:
		err = r.handleGroupEnded(msg)
	default:
		log.Warn().Str("module", "groupcall").Str("type", msg.Type).Msg("unknown group message")
	}
	if err != nil {
		log.Error().Err(err).Str("module", "groupcall").Str("type", msg.Type).Str("from", string(msg.From)).Msg("group message failed")
	}
}

// handleJoinRoom resolves the join race. A duplicate join for a present
// peer replaces the stale session. Joins that arrive while we are not yet
// settled are deferred with a randomized delay; whichever retry fires
// second will observe the other side's offer already applied and skip.
func (r *RoomCall) handleJoinRoom(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[msg.From]; ok {
		log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Msg("stale session replaced on duplicate join")
		e.teardown()
		delete(r.entries, msg.From)
		r.buffer.Clear(msg.From)
	}

	if r.state != domain.RoomActive || time.Since(r.joinedAt) < r.cfg.SettleWindow {
		r.deferJoinLocked(msg)
		return nil
	}
	return r.offerLocked(msg)
}

// deferJoinLocked queues one retry for a join that raced with our own.
func (r *RoomCall) deferJoinLocked(msg core.Payload) {
	if t, ok := r.pendingJoins[msg.From]; ok {
		t.Stop()
	}
	delay := r.cfg.RetryMin + time.Duration(rand.Int63n(int64(r.cfg.RetryMax-r.cfg.RetryMin)))
	log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Dur("delay", delay).Msg("join deferred")
	r.pendingJoins[msg.From] = time.AfterFunc(delay, func() { r.retryJoin(msg) })
}

// retryJoin runs a deferred join attempt. The room id is re-checked
// against the deferral's envelope: a timer that slipped past its Stop
// during a leave can fire after a rejoin into a different room and must
// not plant an entry there.
func (r *RoomCall) retryJoin(msg core.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pendingJoins, msg.From)
	if r.state != domain.RoomActive || r.room != msg.RoomID {
		return
	}
	if _, ok := r.entries[msg.From]; ok {
		// Their offer landed while we waited; race resolved.
		log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Msg("join retry skipped, session already established")
		return
	}
	if err := r.offerLocked(msg); err != nil {
		log.Error().Err(err).Str("module", "groupcall").Str("peer", string(msg.From)).Msg("deferred offer failed")
	}
}

// offerLocked creates the session entry for a joining peer and sends the
// SDP offer tagged with the room id and current local media flags.
func (r *RoomCall) offerLocked(msg core.Payload) error {
	conn, err := r.setupLinkLocked(msg.From)
	if err != nil {
		return err
	}

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		conn.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	r.entries[msg.From] = r.newEntry(msg, conn)
	video, audio := r.source.VideoEnabled(), r.source.AudioEnabled()
	r.send(core.Payload{
		Type:         core.MsgGroupCallOffer,
		From:         r.self.ID,
		To:           msg.From,
		RoomID:       r.room,
		SDP:          offer,
		SenderInfo:   &r.self,
		VideoEnabled: &video,
		AudioEnabled: &audio,
	})
	log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Msg("offer sent")
	return nil
}

func (r *RoomCall) handleGroupOffer(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.SDP == nil {
		return fmt.Errorf("%w: group offer without sdp", ErrStaleEnvelope)
	}

	// An offer supersedes any deferred join retry and any stale session
	// for the same peer.
	if t, ok := r.pendingJoins[msg.From]; ok {
		t.Stop()
		delete(r.pendingJoins, msg.From)
	}
	if e, ok := r.entries[msg.From]; ok {
		e.teardown()
		delete(r.entries, msg.From)
	}

	conn, err := r.setupLinkLocked(msg.From)
	if err != nil {
		return err
	}

	answer, err := conn.ApplyOfferAndCreateAnswer(*msg.SDP)
	if err != nil {
		conn.Close()
		return fmt.Errorf("apply offer: %w", err)
	}

	r.entries[msg.From] = r.newEntry(msg, conn)
	r.send(core.Payload{
		Type:   core.MsgGroupCallAnswer,
		From:   r.self.ID,
		To:     msg.From,
		RoomID: r.room,
		SDP:    answer,
	})
	r.buffer.Drain(msg.From, conn)
	log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Msg("answer sent")
	return nil
}

func (r *RoomCall) handleGroupAnswer(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[msg.From]
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrNoConnection, msg.From)
	}
	if msg.SDP == nil {
		return fmt.Errorf("%w: group answer without sdp", ErrStaleEnvelope)
	}
	if err := e.conn.ApplyAnswer(*msg.SDP); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	r.buffer.Drain(msg.From, e.conn)
	return nil
}

func (r *RoomCall) handleCandidate(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Candidate == nil {
		return nil
	}
	var conn core.MediaConnection
	if e, ok := r.entries[msg.From]; ok {
		conn = e.conn
	}
	r.buffer.BufferOrApply(msg.From, *msg.Candidate, conn)
	return nil
}

func (r *RoomCall) handleLeaveRoom(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.pendingJoins[msg.From]; ok {
		t.Stop()
		delete(r.pendingJoins, msg.From)
	}
	e, ok := r.entries[msg.From]
	if !ok {
		return nil
	}
	e.teardown()
	delete(r.entries, msg.From)
	r.buffer.Clear(msg.From)
	log.Info().Str("module", "groupcall").Str("peer", string(msg.From)).Msg("peer left room")
	return nil
}

// handleAudioVideo updates presence flags only. Pure UI signal, no
// renegotiation.
func (r *RoomCall) handleAudioVideo(msg core.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[msg.From]
	if !ok {
		return nil
	}
	if msg.VideoEnabled != nil {
		e.videoEnabled = *msg.VideoEnabled
	}
	if msg.AudioEnabled != nil {
		e.audioEnabled = *msg.AudioEnabled
	}
	return nil
}

// handleGroupEnded is a remote-initiated full teardown of the room call.
// Local state unwinds like a leave, but nothing is broadcast back.
func (r *RoomCall) handleGroupEnded(_ core.Payload) error {
	r.mu.Lock()
	if r.state != domain.RoomActive {
		r.mu.Unlock()
		return nil
	}
	r.state = domain.RoomLeaving
	r.teardownLocked()
	onEnded := r.onEnded
	r.mu.Unlock()

	if onEnded != nil {
		onEnded()
	}
	return nil
}

func (r *RoomCall) setupLinkLocked(remote domain.PeerID) (core.MediaConnection, error) {
	conn, err := r.links(remote)
	if err != nil {
		return nil, fmt.Errorf("peer link: %w", err)
	}
	if err := conn.Start(r.ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("link start: %w", err)
	}
	for _, track := range r.source.Tracks() {
		if _, err := conn.AddLocalTrack(track); err != nil {
			conn.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	room := r.room
	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		r.send(core.Payload{
			Type:      core.MsgICECandidate,
			From:      r.self.ID,
			To:        remote,
			RoomID:    room,
			Candidate: &cand,
		})
	})
	conn.OnICEStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateFailed:
			r.restartICE(remote)
		case webrtc.ICEConnectionStateDisconnected:
			// Transient blips must not evict a participant.
			log.Warn().Str("module", "groupcall").Str("peer", string(remote)).Msg("ICE disconnected, observing")
		}
	})
	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.mu.Lock()
		defer r.mu.Unlock()
		e, ok := r.entries[remote]
		if !ok || e.conn != conn {
			// Track from a superseded connection, ignore.
			return
		}
		e.stream.put(track)
		log.Info().Str("module", "groupcall").Str("peer", string(remote)).Str("kind", track.Kind().String()).Msg("remote track bound")
	})
	return conn, nil
}

// RemoteTracks returns peer's inbound tracks for the UI to bind to its
// video sink. Nil when the peer has no live session entry.
func (r *RoomCall) RemoteTracks(peer domain.PeerID) []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[peer]
	if !ok {
		return nil
	}
	return e.stream.list()
}

// restartICE renegotiates connectivity with one peer after ICE failure.
// Only that peer's connection is touched.
func (r *RoomCall) restartICE(remote domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[remote]
	if !ok {
		return
	}
	offer, err := e.conn.RestartICE()
	if err != nil {
		log.Error().Err(err).Str("module", "groupcall").Str("peer", string(remote)).Msg("ICE restart failed")
		return
	}
	video, audio := r.source.VideoEnabled(), r.source.AudioEnabled()
	r.send(core.Payload{
		Type:         core.MsgGroupCallOffer,
		From:         r.self.ID,
		To:           remote,
		RoomID:       r.room,
		SDP:          offer,
		SenderInfo:   &r.self,
		VideoEnabled: &video,
		AudioEnabled: &audio,
	})
	log.Info().Str("module", "groupcall").Str("peer", string(remote)).Msg("ICE restart offer sent")
}

func (r *RoomCall) newEntry(msg core.Payload, conn core.MediaConnection) *sessionEntry {
	e := &sessionEntry{
		peer:   msg.From,
		conn:   conn,
		info:   msg.SenderInfo,
		stream: newRemoteStream(),
	}
	if msg.VideoEnabled != nil {
		e.videoEnabled = *msg.VideoEnabled
	}
	if msg.AudioEnabled != nil {
		e.audioEnabled = *msg.AudioEnabled
	}
	return e
}

func (r *RoomCall) broadcastMediaLocked() {
	video, audio := r.source.VideoEnabled(), r.source.AudioEnabled()
	r.send(core.Payload{
		Type:         core.MsgAudioVideo,
		From:         r.self.ID,
		RoomID:       r.room,
		VideoEnabled: &video,
		AudioEnabled: &audio,
	})
}

// teardownLocked closes every session entry, stops local media and resets
// to idle. Pending join retries are cancelled.
func (r *RoomCall) teardownLocked() {
	for peer, t := range r.pendingJoins {
		t.Stop()
		delete(r.pendingJoins, peer)
	}
	for _, e := range r.entries {
		e.teardown()
	}
	r.entries = make(map[domain.PeerID]*sessionEntry)
	r.buffer.Reset()
	if r.source != nil {
		r.source.Close()
		r.source = nil
	}
	r.room = ""
	r.state = domain.RoomIdle
}

func (r *RoomCall) send(msg core.Payload) {
	env := core.Envelope{Type: core.ChannelGroupVideoCall, Message: msg}
	if err := r.transport.Send(env); err != nil {
		log.Error().Err(err).Str("module", "groupcall").Str("type", msg.Type).Msg("send failed")
	}
}
