package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/domain"
)

// PeerLink wraps one pion PeerConnection toward a single remote peer.
// Every link is exclusively owned by one coordinator session entry.
type PeerLink struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID

	cancel context.CancelFunc

	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onICEState func(webrtc.ICEConnectionState)
	onClosed   func()

	mu     sync.Mutex
	closed bool
}

func DefaultConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
}

// NewPeerLink creates a link using api, or the default pion API when api is
// nil. The media package supplies an API populated with capture codecs.
func NewPeerLink(api *webrtc.API, cfg webrtc.Configuration, peer domain.PeerID) (*PeerLink, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}
	return &PeerLink{pc: pc, peer: peer}, nil
}

func (c *PeerLink) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
		if c.onICEState != nil {
			c.onICEState(s)
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(ctx, track, receiver)
		}
	})

	return nil
}

// CreateAndSetOffer produces the local offer for the caller side.
// Candidates trickle afterwards via OnICECandidate.
func (c *PeerLink) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerLink) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerLink) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

// RestartICE creates a fresh offer with the ICE restart flag set. The
// coordinator sends it over signaling like any other offer.
func (c *PeerLink) RestartICE() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *PeerLink) RemoteDescriptionSet() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *PeerLink) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.peer)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("peer", string(c.peer)).Msg("closed")
	}
	if c.onClosed != nil {
		c.onClosed()
	}
}

func (c *PeerLink) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnICECandidate sets a callback for newly gathered local ICE candidates.
func (c *PeerLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.onICE = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *PeerLink) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.onTrack = fn
}

// OnICEStateChange sets application-level callback for ICE transitions.
func (c *PeerLink) OnICEStateChange(fn func(webrtc.ICEConnectionState)) {
	c.onICEState = fn
}

// OnClosed sets application-level callback for cleanup.
func (c *PeerLink) OnClosed(fn func()) { c.onClosed = fn }

// AddLocalTrack attaches a local capture track to the PeerConnection.
func (c *PeerLink) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}
