package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

var (
	ErrBadCallState  = errors.New("operation not valid in current call state")
	ErrNoConnection  = errors.New("no connection for peer")
	ErrStaleEnvelope = errors.New("envelope does not match local call state")
)

// PeerCall coordinates a single 1:1 call. At most one remote peer is
// pending or connected at any time; conflicting requests get an explicit
// busy rejection so the remote side never has to retry blind.
type PeerCall struct {
	ctx       context.Context
	transport core.SignalTransport
	links     core.LinkFactory
	acquire   core.SourceFactory
	self      domain.User

	mu          sync.Mutex
	state       domain.CallState
	pendingCall domain.PeerID
	currentCall domain.PeerID
	peerInfo    *domain.User
	conn        core.MediaConnection
	source      core.MediaSource
	remote      *remoteStream
	buffer      *Buffer
	onEnded     func()
}

// CallSnapshot is the read-only view the UI renders from.
type CallSnapshot struct {
	State        domain.CallState `json:"state"`
	PendingPeer  domain.PeerID    `json:"pending_peer,omitempty"`
	CurrentPeer  domain.PeerID    `json:"current_peer,omitempty"`
	PeerInfo     *domain.User     `json:"peer_info,omitempty"`
	RemoteStream string           `json:"remote_stream,omitempty"`
	VideoEnabled bool             `json:"video_enabled"`
	AudioEnabled bool             `json:"audio_enabled"`
}

// NewPeerCall attaches a 1:1 coordinator to the transport and starts
// listening for video_call envelopes immediately.
func NewPeerCall(ctx context.Context, transport core.SignalTransport, links core.LinkFactory, acquire core.SourceFactory, self domain.User) *PeerCall {
	p := &PeerCall{
		ctx:       ctx,
		transport: transport,
		links:     links,
		acquire:   acquire,
		self:      self,
		state:     domain.CallIdle,
		buffer:    NewBuffer(),
	}
	transport.AddMessageListener(core.ChannelVideoCall, p.handleEnvelope)
	return p
}

// SetOnEnded registers the notification fired when a running call ends,
// locally or remotely.
func (p *PeerCall) SetOnEnded(fn func()) {
	p.mu.Lock()
	p.onEnded = fn
	p.mu.Unlock()
}

// Snapshot returns the current state for rendering.
func (p *PeerCall) Snapshot() CallSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := CallSnapshot{
		State:       p.state,
		PendingPeer: p.pendingCall,
		CurrentPeer: p.currentCall,
		PeerInfo:    p.peerInfo,
	}
	if p.source != nil {
		snap.VideoEnabled = p.source.VideoEnabled()
		snap.AudioEnabled = p.source.AudioEnabled()
	}
	if p.remote != nil {
		snap.RemoteStream = p.remote.id
	}
	return snap
}

// RemoteTracks returns the connected peer's inbound tracks for the UI to
// bind to its video sink. Nil when no call is running.
func (p *PeerCall) RemoteTracks() []*webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil
	}
	return p.remote.list()
}

// RequestCall asks remote to pick up. Valid from idle (and from the
// terminal rejected state, which holds no pending or current peer).
func (p *PeerCall) RequestCall(remote domain.PeerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallIdle && p.state != domain.CallRejected {
		return fmt.Errorf("%w: %s", ErrBadCallState, p.state)
	}
	p.state = domain.CallOutgoing
	p.pendingCall = remote
	p.send(core.Payload{
		Type:       core.MsgCallRequest,
		From:       p.self.ID,
		To:         remote,
		SenderInfo: &p.self,
	})
	log.Info().Str("module", "call").Str("peer", string(remote)).Msg("call requested")
	return nil
}

// AcceptCall answers a pending incoming call. The caller performs the SDP
// offer on receipt of call-accepted; we stay incoming until it arrives.
func (p *PeerCall) AcceptCall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallIncoming {
		return fmt.Errorf("%w: %s", ErrBadCallState, p.state)
	}
	p.send(core.Payload{
		Type: core.MsgCallAccepted,
		From: p.self.ID,
		To:   p.pendingCall,
	})
	log.Info().Str("module", "call").Str("peer", string(p.pendingCall)).Msg("call accepted")
	return nil
}

// RejectCall declines a pending incoming call and returns to idle.
func (p *PeerCall) RejectCall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallIncoming {
		return fmt.Errorf("%w: %s", ErrBadCallState, p.state)
	}
	p.send(core.Payload{
		Type:   core.MsgCallRejected,
		From:   p.self.ID,
		To:     p.pendingCall,
		Reason: domain.RejectDeclined,
	})
	p.pendingCall = ""
	p.peerInfo = nil
	p.state = domain.CallIdle
	return nil
}

// EndCall hangs up. Idempotent: calling it when idle is a no-op and sends
// nothing. Also the unmount/cleanup path.
func (p *PeerCall) EndCall() {
	p.mu.Lock()
	switch {
	case p.state == domain.CallRunning:
		p.send(core.Payload{
			Type: core.MsgCallEnded,
			From: p.self.ID,
			To:   p.currentCall,
		})
	case p.pendingCall != "":
		// Canceled before establishment: the other side is still ringing
		// (or waiting on an accept) and needs the hangup too.
		p.send(core.Payload{
			Type: core.MsgCallEnded,
			From: p.self.ID,
			To:   p.pendingCall,
		})
	}
	wasRunning := p.teardownLocked()
	onEnded := p.onEnded
	p.mu.Unlock()
	if wasRunning && onEnded != nil {
		onEnded()
	}
}

// ToggleVideo flips the local video flag. Track-local mute: no signaling
// message on the 1:1 path.
func (p *PeerCall) ToggleVideo() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return false
	}
	return p.source.ToggleVideo()
}

// ToggleAudio flips the local audio flag. No signaling message.
func (p *PeerCall) ToggleAudio() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source == nil {
		return false
	}
	return p.source.ToggleAudio()
}

// Close detaches from the transport and tears down any active call.
func (p *PeerCall) Close() {
	p.transport.RemoveMessageListener(core.ChannelVideoCall)
	p.EndCall()
}

// handleEnvelope is the single entry point for inbound video_call messages.
// Failures are contained here: a handler error clears the pending call and
// logs, it never escapes to crash the coordinator.
func (p *PeerCall) handleEnvelope(env core.Envelope) {
	msg := env.Message
	if msg.From == p.self.ID {
		return
	}

	var err error
	switch msg.Type {
	case core.MsgCallRequest:
		err = p.handleCallRequest(msg)
	case core.MsgCallAccepted:
		err = p.handleCallAccepted(msg)
	case core.MsgCallRejected:
		err = p.handleCallRejected(msg)
	case core.MsgWebRTCOffer:
		err = p.handleOffer(msg)
	case core.MsgWebRTCAnswer:
		err = p.handleAnswer(msg)
	case core.MsgICECandidate:
		err = p.handleCandidate(msg)
	case core.MsgCallEnded:
		err = p.handleCallEnded(msg)
	default:
		log.Warn().Str("module", "call").Str("type", msg.Type).Msg("unknown call message")
	}
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("type", msg.Type).Str("from", string(msg.From)).Msg("call message failed")
		p.mu.Lock()
		p.pendingCall = ""
		p.mu.Unlock()
	}
}

func (p *PeerCall) handleCallRequest(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == domain.CallIdle || p.state == domain.CallRejected:
		p.state = domain.CallIncoming
		p.pendingCall = msg.From
		p.peerInfo = msg.SenderInfo
		log.Info().Str("module", "call").Str("peer", string(msg.From)).Msg("incoming call")
		return nil

	case p.state == domain.CallOutgoing && p.pendingCall == msg.From:
		// Glare: both sides called each other in the same instant. The
		// lexicographically smaller id keeps the caller role; the larger id
		// converts to the answering side and accepts, since local intent to
		// talk was already expressed by dialing.
		if p.self.ID < msg.From {
			log.Info().Str("module", "call").Str("peer", string(msg.From)).Msg("call glare, keeping caller role")
			return nil
		}
		log.Info().Str("module", "call").Str("peer", string(msg.From)).Msg("call glare, converting to answering side")
		p.state = domain.CallIncoming
		p.peerInfo = msg.SenderInfo
		p.send(core.Payload{
			Type: core.MsgCallAccepted,
			From: p.self.ID,
			To:   msg.From,
		})
		return nil

	default:
		// Busy with someone else: explicit rejection, local state untouched.
		p.send(core.Payload{
			Type:   core.MsgCallRejected,
			From:   p.self.ID,
			To:     msg.From,
			Reason: domain.RejectBusy,
		})
		log.Info().Str("module", "call").Str("peer", string(msg.From)).Str("state", string(p.state)).Msg("busy, rejected call request")
		return nil
	}
}

func (p *PeerCall) handleCallAccepted(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallOutgoing || p.pendingCall != msg.From {
		log.Warn().Str("module", "call").Str("from", string(msg.From)).Msg("call-accepted without matching request, dropped")
		return nil
	}
	return p.startCallLocked(msg.From)
}

// startCallLocked acquires media, builds the peer link and sends the SDP
// offer. On any failure state is left unchanged so the user can retry.
func (p *PeerCall) startCallLocked(remote domain.PeerID) error {
	source, err := p.acquire()
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	conn, err := p.setupLinkLocked(remote, source)
	if err != nil {
		source.Close()
		return err
	}

	offer, err := conn.CreateAndSetOffer()
	if err != nil {
		conn.Close()
		source.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	p.source = source
	p.conn = conn
	p.remote = newRemoteStream()
	p.currentCall = remote
	p.pendingCall = ""
	p.state = domain.CallRunning
	p.send(core.Payload{
		Type:       core.MsgWebRTCOffer,
		From:       p.self.ID,
		To:         remote,
		SDP:        offer,
		SenderInfo: &p.self,
	})
	log.Info().Str("module", "call").Str("peer", string(remote)).Msg("call running, offer sent")
	return nil
}

func (p *PeerCall) handleOffer(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallIncoming || p.pendingCall != msg.From {
		return fmt.Errorf("%w: offer from %s in state %s", ErrStaleEnvelope, msg.From, p.state)
	}
	if msg.SDP == nil {
		return fmt.Errorf("%w: offer without sdp", ErrStaleEnvelope)
	}

	source, err := p.acquire()
	if err != nil {
		p.peerInfo = nil
		p.state = domain.CallIdle
		return fmt.Errorf("media acquisition: %w", err)
	}

	conn, err := p.setupLinkLocked(msg.From, source)
	if err != nil {
		source.Close()
		p.peerInfo = nil
		p.state = domain.CallIdle
		return err
	}

	answer, err := conn.ApplyOfferAndCreateAnswer(*msg.SDP)
	if err != nil {
		conn.Close()
		source.Close()
		p.peerInfo = nil
		p.state = domain.CallIdle
		return fmt.Errorf("apply offer: %w", err)
	}

	p.source = source
	p.conn = conn
	p.remote = newRemoteStream()
	p.currentCall = msg.From
	p.pendingCall = ""
	if msg.SenderInfo != nil {
		p.peerInfo = msg.SenderInfo
	}
	p.state = domain.CallRunning
	p.send(core.Payload{
		Type: core.MsgWebRTCAnswer,
		From: p.self.ID,
		To:   msg.From,
		SDP:  answer,
	})
	p.buffer.Drain(msg.From, conn)
	log.Info().Str("module", "call").Str("peer", string(msg.From)).Msg("call running, answer sent")
	return nil
}

func (p *PeerCall) handleAnswer(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.currentCall != msg.From {
		// Protocol violation, not retried.
		return fmt.Errorf("%w: answer from %s", ErrNoConnection, msg.From)
	}
	if msg.SDP == nil {
		return fmt.Errorf("%w: answer without sdp", ErrStaleEnvelope)
	}
	if err := p.conn.ApplyAnswer(*msg.SDP); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	p.buffer.Drain(msg.From, p.conn)
	return nil
}

func (p *PeerCall) handleCandidate(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Candidate == nil {
		return nil
	}
	var conn core.MediaConnection
	if p.currentCall == msg.From {
		conn = p.conn
	}
	p.buffer.BufferOrApply(msg.From, *msg.Candidate, conn)
	return nil
}

func (p *PeerCall) handleCallRejected(msg core.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.CallOutgoing || p.pendingCall != msg.From {
		return nil
	}
	p.pendingCall = ""
	p.peerInfo = nil
	// Terminal surfaced state, not a silent fallback to idle.
	p.state = domain.CallRejected
	log.Info().Str("module", "call").Str("peer", string(msg.From)).Str("reason", string(msg.Reason)).Msg("call rejected by remote")
	return nil
}

func (p *PeerCall) handleCallEnded(msg core.Payload) error {
	p.mu.Lock()
	if p.currentCall != msg.From && p.pendingCall != msg.From {
		p.mu.Unlock()
		return nil
	}
	wasRunning := p.teardownLocked()
	onEnded := p.onEnded
	p.mu.Unlock()
	if wasRunning && onEnded != nil {
		onEnded()
	}
	return nil
}

// setupLinkLocked builds and starts a connection toward remote, attaches the
// local tracks and wires candidate trickling.
func (p *PeerCall) setupLinkLocked(remote domain.PeerID, source core.MediaSource) (core.MediaConnection, error) {
	conn, err := p.links(remote)
	if err != nil {
		return nil, fmt.Errorf("peer link: %w", err)
	}
	if err := conn.Start(p.ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("link start: %w", err)
	}
	for _, track := range source.Tracks() {
		if _, err := conn.AddLocalTrack(track); err != nil {
			conn.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}
	conn.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		p.send(core.Payload{
			Type:      core.MsgICECandidate,
			From:      p.self.ID,
			To:        remote,
			Candidate: &cand,
		})
	})
	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn != conn || p.remote == nil {
			// Track from a torn-down connection, ignore.
			return
		}
		p.remote.put(track)
		log.Info().Str("module", "call").Str("peer", string(remote)).Str("kind", track.Kind().String()).Msg("remote track bound")
	})
	return conn, nil
}

// teardownLocked releases the connection and media and returns to idle.
// Safe to call in any state. Reports whether a running call was torn down
// so the caller can fire the ended notification outside the lock.
func (p *PeerCall) teardownLocked() bool {
	wasRunning := p.state == domain.CallRunning
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.source != nil {
		p.source.Close()
		p.source = nil
	}
	p.buffer.Reset()
	p.remote = nil
	p.currentCall = ""
	p.pendingCall = ""
	p.peerInfo = nil
	p.state = domain.CallIdle
	return wasRunning
}

func (p *PeerCall) send(msg core.Payload) {
	env := core.Envelope{Type: core.ChannelVideoCall, Message: msg}
	if err := p.transport.Send(env); err != nil {
		log.Error().Err(err).Str("module", "call").Str("type", msg.Type).Msg("send failed")
	}
}
