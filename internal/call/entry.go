package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/ndemidov/Huddle/internal/core"
	"github.com/ndemidov/Huddle/internal/domain"
)

// remoteStream holds one peer's inbound media. Tracks are keyed by kind
// so a renegotiated track supersedes its predecessor instead of
// accumulating; the UI always binds the latest set.
type remoteStream struct {
	id     string
	tracks map[webrtc.RTPCodecType]*webrtc.TrackRemote
}

func newRemoteStream() *remoteStream {
	return &remoteStream{tracks: make(map[webrtc.RTPCodecType]*webrtc.TrackRemote)}
}

func (s *remoteStream) put(track *webrtc.TrackRemote) {
	s.id = track.StreamID()
	s.tracks[track.Kind()] = track
}

func (s *remoteStream) list() []*webrtc.TrackRemote {
	out := make([]*webrtc.TrackRemote, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// sessionEntry is the per-remote-peer bundle of a group call: one
// exclusively owned connection, the peer's inbound stream and presence
// flags. Keyed by peer id in the coordinator's entries map, which is the
// single source of truth for who is connected in the room.
type sessionEntry struct {
	peer         domain.PeerID
	conn         core.MediaConnection
	info         *domain.User
	stream       *remoteStream
	videoEnabled bool
	audioEnabled bool
}

// teardown closes the entry's connection. Idempotent via the connection's
// own close guard.
func (e *sessionEntry) teardown() {
	if e.conn != nil {
		e.conn.Close()
	}
}

// Participant is the read-only per-peer view exposed to the UI.
type Participant struct {
	Peer         domain.PeerID `json:"peer"`
	Username     string        `json:"username,omitempty"`
	StreamID     string        `json:"stream_id,omitempty"`
	VideoEnabled bool          `json:"video_enabled"`
	AudioEnabled bool          `json:"audio_enabled"`
}

func (e *sessionEntry) participant() Participant {
	p := Participant{
		Peer:         e.peer,
		VideoEnabled: e.videoEnabled,
		AudioEnabled: e.audioEnabled,
	}
	if e.info != nil {
		p.Username = e.info.Username
	}
	if e.stream != nil {
		p.StreamID = e.stream.id
	}
	return p
}
