package core

import (
	"github.com/ndemidov/Huddle/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Envelope type tags. One coordinator registers for each tag.
const (
	ChannelVideoCall      = "video_call"
	ChannelGroupVideoCall = "group_video_call"
)

// 1:1 call message subtypes.
const (
	MsgCallRequest  = "call-request"
	MsgCallAccepted = "call-accepted"
	MsgCallRejected = "call-rejected"
	MsgWebRTCOffer  = "webrtc-offer"
	MsgWebRTCAnswer = "webrtc-answer"
	MsgICECandidate = "ice-candidate"
	MsgCallEnded    = "call-ended"
)

// Group call message subtypes (MsgICECandidate is shared).
const (
	MsgJoinRoom        = "join-room"
	MsgLeaveRoom       = "leave-room"
	MsgGroupCallOffer  = "group-call-offer"
	MsgGroupCallAnswer = "group-call-answer"
	MsgAudioVideo      = "audio-video"
	MsgGroupCallEnded  = "group-call-ended"
)

// Envelope is the outer frame carried over the signaling transport.
type Envelope struct {
	Type    string  `json:"type"`
	Message Payload `json:"message"`
}

// Payload is the inner signaling message. Optional fields are pointers so
// absent and zero stay distinguishable on the wire.
type Payload struct {
	Type         string                     `json:"type"`
	From         domain.PeerID              `json:"from"`
	To           domain.PeerID              `json:"to,omitempty"`
	RoomID       domain.RoomID              `json:"room_id,omitempty"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	SenderInfo   *domain.User               `json:"sender_info,omitempty"`
	VideoEnabled *bool                      `json:"video_enabled,omitempty"`
	AudioEnabled *bool                      `json:"audio_enabled,omitempty"`
	Reason       domain.RejectReason        `json:"reason,omitempty"`
}
