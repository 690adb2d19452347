package core

import (
	"context"

	"github.com/ndemidov/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// RemoteDescriptionSet reports whether a remote SDP has been applied yet.
	RemoteDescriptionSet() bool
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// RestartICE produces a new local offer with the ICE restart flag set.
	RestartICE() (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnICEStateChange sets a callback for ICE connection state transitions.
	OnICEStateChange(func(webrtc.ICEConnectionState))
	// OnClosed sets a callback for cleanup when the connection dies.
	OnClosed(func())
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
}

// LinkFactory vends one MediaConnection per remote peer.
// Tests substitute a fake; production wires rtc.NewPeerLink.
type LinkFactory func(peer domain.PeerID) (MediaConnection, error)
