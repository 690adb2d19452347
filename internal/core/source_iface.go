package core

import "github.com/pion/webrtc/v4"

// MediaSource owns the local capture tracks shared by every peer link of a
// call. Enabled flags are track-local: flipping them never renegotiates.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	ToggleVideo() bool
	ToggleAudio() bool
	VideoEnabled() bool
	AudioEnabled() bool
	Close()
}

// SourceFactory acquires local media lazily, at call setup time.
// Acquisition failure must abort the call without touching state.
type SourceFactory func() (MediaSource, error)
