package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

// fakeTransport records outbound envelopes and delivers inbound ones
// synchronously, like the real read loop does.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]core.MessageHandler
	sent     []core.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]core.MessageHandler)}
}

func (t *fakeTransport) AddMessageListener(msgType string, h core.MessageHandler) {
	t.mu.Lock()
	t.handlers[msgType] = h
	t.mu.Unlock()
}

func (t *fakeTransport) RemoveMessageListener(msgType string) {
	t.mu.Lock()
	delete(t.handlers, msgType)
	t.mu.Unlock()
}

func (t *fakeTransport) Send(env core.Envelope) error {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) deliver(envType string, msg core.Payload) {
	t.mu.Lock()
	h, ok := t.handlers[envType]
	t.mu.Unlock()
	if ok {
		h(core.Envelope{Type: envType, Message: msg})
	}
}

func (t *fakeTransport) sentOfType(subtype string) []core.Payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.Payload
	for _, env := range t.sent {
		if env.Message.Type == subtype {
			out = append(out, env.Message)
		}
	}
	return out
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// fakeConn is an injectable core.MediaConnection.
type fakeConn struct {
	mu        sync.Mutex
	peer      domain.PeerID
	started   bool
	closed    bool
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	calls     int
	failOn    int // 1-based AddICECandidate call index that fails, 0 = never
	failOffer bool
	failApply bool
	restarts  int
	tracks    int

	onICE      func(webrtc.ICECandidateInit)
	onICEState func(webrtc.ICEConnectionState)
	onTrack    func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onClosed   func()
}

var errFakeConn = errors.New("fake connection failure")

func (c *fakeConn) Start(_ context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errFakeConn
	}
	c.calls++
	if c.failOn != 0 && c.calls == c.failOn {
		return errFakeConn
	}
	c.applied = append(c.applied, cand)
	return nil
}

func (c *fakeConn) RemoteDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *fakeConn) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	if c.failOffer {
		return nil, errFakeConn
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + string(c.peer)}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if c.failApply {
		return nil, errFakeConn
	}
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + string(c.peer)}, nil
}

func (c *fakeConn) ApplyAnswer(_ webrtc.SessionDescription) error {
	if c.failApply {
		return errFakeConn
	}
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RestartICE() (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 restart " + string(c.peer)}, nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *fakeConn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

func (c *fakeConn) OnICEStateChange(fn func(webrtc.ICEConnectionState)) { c.onICEState = fn }

func (c *fakeConn) OnClosed(fn func()) { c.onClosed = fn }

func (c *fakeConn) AddLocalTrack(_ webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()
	return nil, nil
}

// fakeLinks vends fakeConns and remembers every one it created.
type fakeLinks struct {
	mu      sync.Mutex
	created []*fakeConn
	fail    bool
}

func (f *fakeLinks) factory(peer domain.PeerID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errFakeConn
	}
	c := &fakeConn{peer: peer}
	f.created = append(f.created, c)
	return c, nil
}

// last returns the most recent connection created for peer, if any.
func (f *fakeLinks) last(peer domain.PeerID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].peer == peer {
			return f.created[i]
		}
	}
	return nil
}

func (f *fakeLinks) countFor(peer domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		if c.peer == peer {
			n++
		}
	}
	return n
}

// fakeSource is an injectable core.MediaSource.
type fakeSource struct {
	mu      sync.Mutex
	videoOn bool
	audioOn bool
	closed  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{videoOn: true, audioOn: true}
}

func (s *fakeSource) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeSource) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOn = !s.videoOn
	return s.videoOn
}

func (s *fakeSource) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioOn = !s.audioOn
	return s.audioOn
}

func (s *fakeSource) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *fakeSource) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

type fakeAcquirer struct {
	mu    sync.Mutex
	src   *fakeSource
	err   error
	calls int
}

func (a *fakeAcquirer) acquire() (core.MediaSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.src == nil {
		a.src = newFakeSource()
	}
	return a.src, nil
}

func cand(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func offerSDP(from string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer " + from}
}

func answerSDP(from string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer " + from}
}
