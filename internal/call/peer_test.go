package call

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

func newTestPeerCall(selfID domain.PeerID) (*PeerCall, *fakeTransport, *fakeLinks, *fakeAcquirer) {
	transport := newFakeTransport()
	links := &fakeLinks{}
	acquirer := &fakeAcquirer{}
	p := NewPeerCall(context.Background(), transport, links.factory, acquirer.acquire, domain.User{ID: selfID, Username: "self"})
	return p, transport, links, acquirer
}

func TestRequestCall(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")

	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := p.Snapshot()
	if snap.State != domain.CallOutgoing {
		t.Errorf("expected outgoing, got %s", snap.State)
	}
	if snap.PendingPeer != "bob" {
		t.Errorf("expected pending peer bob, got %s", snap.PendingPeer)
	}

	sent := transport.sentOfType(core.MsgCallRequest)
	if len(sent) != 1 {
		t.Fatalf("expected 1 call-request, got %d", len(sent))
	}
	if sent[0].To != "bob" || sent[0].From != "alice" {
		t.Errorf("bad addressing: from=%s to=%s", sent[0].From, sent[0].To)
	}
	if sent[0].SenderInfo == nil {
		t.Error("expected sender_info on call-request")
	}
}

func TestRequestCallWhileBusy(t *testing.T) {
	p, _, _, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RequestCall("carol"); !errors.Is(err, ErrBadCallState) {
		t.Errorf("expected ErrBadCallState, got %v", err)
	}
}

func TestIncomingCallRequest(t *testing.T) {
	p, _, _, _ := newTestPeerCall("alice")

	p.handleEnvelope(core.Envelope{Type: core.ChannelVideoCall, Message: core.Payload{
		Type: core.MsgCallRequest, From: "bob", To: "alice",
		SenderInfo: &domain.User{ID: "bob", Username: "Bob"},
	}})

	snap := p.Snapshot()
	if snap.State != domain.CallIncoming {
		t.Errorf("expected incoming, got %s", snap.State)
	}
	if snap.PendingPeer != "bob" {
		t.Errorf("expected pending bob, got %s", snap.PendingPeer)
	}
	if snap.PeerInfo == nil || snap.PeerInfo.Username != "Bob" {
		t.Error("expected peer info captured from sender_info")
	}
}

// Caller side of scenario: outgoing call becomes running with an offer on
// the wire once the remote accepts.
func TestCallAcceptedStartsOffer(t *testing.T) {
	p, transport, links, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	snap := p.Snapshot()
	if snap.State != domain.CallRunning {
		t.Fatalf("expected running, got %s", snap.State)
	}
	if snap.CurrentPeer != "bob" || snap.PendingPeer != "" {
		t.Errorf("expected current=bob pending empty, got current=%s pending=%s", snap.CurrentPeer, snap.PendingPeer)
	}

	offers := transport.sentOfType(core.MsgWebRTCOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].To != "bob" || offers[0].SDP == nil {
		t.Error("offer misaddressed or missing sdp")
	}
	if conn := links.last("bob"); conn == nil || !conn.started {
		t.Error("expected started connection for bob")
	}
}

// Answering side of scenario: accept sends call-accepted, the following
// offer produces running and an answer back.
func TestAcceptThenOfferProducesAnswer(t *testing.T) {
	p, transport, links, _ := newTestPeerCall("bob")

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "alice", To: "bob",
	})
	if err := p.AcceptCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := transport.sentOfType(core.MsgCallAccepted); len(got) != 1 || got[0].To != "alice" {
		t.Fatalf("expected call-accepted to alice, got %v", got)
	}

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgWebRTCOffer, From: "alice", To: "bob", SDP: offerSDP("alice"),
	})

	snap := p.Snapshot()
	if snap.State != domain.CallRunning {
		t.Fatalf("expected running, got %s", snap.State)
	}
	answers := transport.sentOfType(core.MsgWebRTCAnswer)
	if len(answers) != 1 || answers[0].To != "alice" || answers[0].SDP == nil {
		t.Fatalf("expected 1 answer to alice with sdp, got %v", answers)
	}
	if conn := links.last("alice"); conn == nil || !conn.RemoteDescriptionSet() {
		t.Error("expected remote description applied on answering side")
	}
}

// While engaged with a different peer, any call-request gets an explicit
// busy rejection and local state stays put.
func TestBusyRejection(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "quinn", To: "alice",
	})

	rejected := transport.sentOfType(core.MsgCallRejected)
	if len(rejected) != 1 {
		t.Fatalf("expected 1 call-rejected, got %d", len(rejected))
	}
	if rejected[0].To != "quinn" || rejected[0].Reason != domain.RejectBusy {
		t.Errorf("expected busy rejection to quinn, got to=%s reason=%s", rejected[0].To, rejected[0].Reason)
	}

	snap := p.Snapshot()
	if snap.State != domain.CallRunning || snap.CurrentPeer != "bob" {
		t.Errorf("state changed on busy conflict: %+v", snap)
	}
}

func TestRemoteRejectionIsTerminal(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRejected, From: "bob", To: "alice", Reason: domain.RejectBusy,
	})

	snap := p.Snapshot()
	if snap.State != domain.CallRejected {
		t.Errorf("expected rejected, got %s", snap.State)
	}
	if snap.PendingPeer != "" {
		t.Errorf("expected pending cleared, got %s", snap.PendingPeer)
	}

	// rejected holds no peers, so dialing again is allowed.
	if err := p.RequestCall("carol"); err != nil {
		t.Errorf("expected retry allowed from rejected, got %v", err)
	}
}

func TestRejectCallLocally(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "bob", To: "alice",
	})

	if err := p.RejectCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := transport.sentOfType(core.MsgCallRejected)
	if len(sent) != 1 || sent[0].To != "bob" || sent[0].Reason != domain.RejectDeclined {
		t.Fatalf("expected declined rejection to bob, got %v", sent)
	}
	if snap := p.Snapshot(); snap.State != domain.CallIdle {
		t.Errorf("expected idle, got %s", snap.State)
	}
}

// An answer with no connection behind it is a protocol violation, not a
// crash: logged, pending cleared, nothing else changes.
func TestAnswerWithoutConnection(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgWebRTCAnswer, From: "bob", To: "alice", SDP: answerSDP("bob"),
	})

	if snap := p.Snapshot(); snap.State != domain.CallIdle {
		t.Errorf("expected idle after stray answer, got %s", snap.State)
	}
}

func TestCandidatesBufferedThenDrained(t *testing.T) {
	p, transport, links, _ := newTestPeerCall("bob")

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "alice", To: "bob",
	})
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgICECandidate, From: "alice", To: "bob", Candidate: cand("c1"),
	})
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgICECandidate, From: "alice", To: "bob", Candidate: cand("c2"),
	})

	if got := p.buffer.Len("alice"); got != 2 {
		t.Fatalf("expected 2 buffered candidates, got %d", got)
	}

	if err := p.AcceptCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgWebRTCOffer, From: "alice", To: "bob", SDP: offerSDP("alice"),
	})

	conn := links.last("alice")
	if conn == nil {
		t.Fatal("expected connection for alice")
	}
	if len(conn.applied) != 2 || conn.applied[0].Candidate != "c1" || conn.applied[1].Candidate != "c2" {
		t.Errorf("expected c1,c2 drained in order, got %v", conn.applied)
	}
	if p.buffer.Len("alice") != 0 {
		t.Error("expected buffer cleared after drain")
	}
}

func TestEndCallIdempotent(t *testing.T) {
	p, transport, links, acquirer := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	p.EndCall()

	if got := transport.sentOfType(core.MsgCallEnded); len(got) != 1 || got[0].To != "bob" {
		t.Fatalf("expected 1 call-ended to bob, got %v", got)
	}
	if conn := links.last("bob"); !conn.IsClosed() {
		t.Error("expected connection closed")
	}
	if acquirer.src.closed == 0 {
		t.Error("expected local media released")
	}
	if snap := p.Snapshot(); snap.State != domain.CallIdle {
		t.Errorf("expected idle, got %s", snap.State)
	}

	p.EndCall()
	if got := transport.sentOfType(core.MsgCallEnded); len(got) != 1 {
		t.Errorf("expected no duplicate call-ended, got %d", len(got))
	}
}

func TestRemoteCallEnded(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	ended := 0
	p.SetOnEnded(func() { ended++ })

	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallEnded, From: "bob", To: "alice",
	})

	if snap := p.Snapshot(); snap.State != domain.CallIdle {
		t.Errorf("expected idle, got %s", snap.State)
	}
	if ended != 1 {
		t.Errorf("expected ended notification once, got %d", ended)
	}
}

// Track-local mute: a double toggle round-trips the flag and puts nothing
// on the wire.
func TestToggleVideoNoSignaling(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	before := transport.sentCount()
	orig := p.Snapshot().VideoEnabled

	p.ToggleVideo()
	p.ToggleVideo()

	if got := p.Snapshot().VideoEnabled; got != orig {
		t.Errorf("expected video flag back to %v, got %v", orig, got)
	}
	if transport.sentCount() != before {
		t.Errorf("expected zero signaling messages from 1:1 toggles, got %d new", transport.sentCount()-before)
	}
}

func TestGlareLowerIDKeepsCallerRole(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "bob", To: "alice",
	})

	if snap := p.Snapshot(); snap.State != domain.CallOutgoing {
		t.Errorf("expected lower id to stay outgoing, got %s", snap.State)
	}
	if got := transport.sentOfType(core.MsgCallAccepted); len(got) != 0 {
		t.Errorf("lower id must not auto-accept, sent %d", len(got))
	}
	if got := transport.sentOfType(core.MsgCallRejected); len(got) != 0 {
		t.Errorf("glare must not produce busy rejection, sent %d", len(got))
	}
}

func TestGlareHigherIDConverts(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("bob")
	if err := p.RequestCall("alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "alice", To: "bob",
	})

	if snap := p.Snapshot(); snap.State != domain.CallIncoming {
		t.Errorf("expected higher id converted to incoming, got %s", snap.State)
	}
	if got := transport.sentOfType(core.MsgCallAccepted); len(got) != 1 || got[0].To != "alice" {
		t.Errorf("expected auto-accept to alice, got %v", got)
	}
}

func TestMediaFailureAbortsStart(t *testing.T) {
	p, transport, _, acquirer := newTestPeerCall("alice")
	acquirer.err = errors.New("camera busy")

	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	if snap := p.Snapshot(); snap.State == domain.CallRunning {
		t.Error("call must not advance to running without media")
	}
	if got := transport.sentOfType(core.MsgWebRTCOffer); len(got) != 0 {
		t.Errorf("expected no offer after media failure, got %d", len(got))
	}
}

// A canceled call must signal the other side in every pre-idle state,
// not only from running.
func TestEndCallCancelsOutgoing(t *testing.T) {
	p, transport, _, _ := newTestPeerCall("alice")
	ended := 0
	p.SetOnEnded(func() { ended++ })
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.EndCall()

	sent := transport.sentOfType(core.MsgCallEnded)
	if len(sent) != 1 || sent[0].To != "bob" {
		t.Fatalf("expected call-ended to bob, got %v", sent)
	}
	if snap := p.Snapshot(); snap.State != domain.CallIdle || snap.PendingPeer != "" {
		t.Errorf("expected clean idle state, got %+v", snap)
	}
	if ended != 0 {
		t.Errorf("canceling a pending call is not an ended running call, got %d notifications", ended)
	}

	p.EndCall()
	if got := transport.sentOfType(core.MsgCallEnded); len(got) != 1 {
		t.Errorf("expected no duplicate call-ended, got %d", len(got))
	}
}

// Candidates buffered for a peer we never connected to must not outlive
// the call that was running while they trickled in.
func TestTeardownDropsStrangerCandidates(t *testing.T) {
	p, transport, links, _ := newTestPeerCall("bob")
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgICECandidate, From: "mallory", To: "bob", Candidate: cand("m1"),
	})
	if got := p.buffer.Len("mallory"); got != 1 {
		t.Fatalf("expected buffered stranger candidate, got %d", got)
	}

	p.EndCall()

	if got := p.buffer.Len("mallory"); got != 0 {
		t.Fatalf("expected stranger candidates dropped on teardown, got %d", got)
	}

	// A later call with that peer starts from a clean buffer.
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "mallory", To: "bob",
	})
	if err := p.AcceptCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgWebRTCOffer, From: "mallory", To: "bob", SDP: offerSDP("mallory"),
	})
	if conn := links.last("mallory"); len(conn.applied) != 0 {
		t.Errorf("stale candidates applied to fresh connection: %v", conn.applied)
	}
}

// Remote tracks are held per call, replaced per kind, and dropped on
// teardown so the UI always binds the live stream.
func TestRemoteTrackHeldAndReplaced(t *testing.T) {
	p, transport, links, _ := newTestPeerCall("alice")
	if err := p.RequestCall("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallAccepted, From: "bob", To: "alice",
	})

	conn := links.last("bob")
	if conn.onTrack == nil {
		t.Fatal("expected remote track callback wired")
	}
	conn.onTrack(context.Background(), &webrtc.TrackRemote{}, nil)
	if got := len(p.RemoteTracks()); got != 1 {
		t.Fatalf("expected 1 remote track, got %d", got)
	}
	conn.onTrack(context.Background(), &webrtc.TrackRemote{}, nil)
	if got := len(p.RemoteTracks()); got != 1 {
		t.Errorf("same-kind track must replace, not accumulate, got %d", got)
	}

	p.EndCall()
	if got := len(p.RemoteTracks()); got != 0 {
		t.Errorf("expected remote tracks dropped on teardown, got %d", got)
	}
}

// A failed offer leaves no trace of the peer behind, peer info included.
func TestOfferFailureClearsPeerInfo(t *testing.T) {
	p, transport, _, acquirer := newTestPeerCall("bob")
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgCallRequest, From: "alice", To: "bob",
		SenderInfo: &domain.User{ID: "alice", Username: "Alice"},
	})
	if err := p.AcceptCall(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquirer.err = errors.New("camera busy")
	transport.deliver(core.ChannelVideoCall, core.Payload{
		Type: core.MsgWebRTCOffer, From: "alice", To: "bob", SDP: offerSDP("alice"),
	})

	snap := p.Snapshot()
	if snap.State != domain.CallIdle {
		t.Fatalf("expected idle after media failure, got %s", snap.State)
	}
	if snap.PeerInfo != nil {
		t.Error("expected peer info cleared on failed offer")
	}
	if snap.PendingPeer != "" {
		t.Errorf("expected pending cleared, got %s", snap.PendingPeer)
	}
}
