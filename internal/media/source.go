package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Source implements core.MediaSource on top of a mediadevices stream.
// The enabled flags are control-plane state: flipping them feeds snapshots
// and audio-video broadcasts, never renegotiation.
type Source struct {
	stream mediadevices.MediaStream

	mu       sync.Mutex
	videoOn  bool
	audioOn  bool
	hasVideo bool
	hasAudio bool
}

func newSource(stream mediadevices.MediaStream) *Source {
	s := &Source{stream: stream}
	for _, t := range stream.GetTracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			s.hasVideo = true
			s.videoOn = true
		case webrtc.RTPCodecTypeAudio:
			s.hasAudio = true
			s.audioOn = true
		}
	}
	return s
}

func (s *Source) Tracks() []webrtc.TrackLocal {
	tracks := s.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// ToggleVideo flips local video. Returns the new enabled state.
func (s *Source) ToggleVideo() bool {
	s.mu.Lock()
	if s.hasVideo {
		s.videoOn = !s.videoOn
	}
	on := s.videoOn
	s.mu.Unlock()
	log.Info().Str("module", "media").Bool("video_enabled", on).Msg("toggle video")
	return on
}

// ToggleAudio flips local audio. Returns the new enabled state.
func (s *Source) ToggleAudio() bool {
	s.mu.Lock()
	if s.hasAudio {
		s.audioOn = !s.audioOn
	}
	on := s.audioOn
	s.mu.Unlock()
	log.Info().Str("module", "media").Bool("audio_enabled", on).Msg("toggle audio")
	return on
}

func (s *Source) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Source) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

// Close stops every capture track. Idempotent at the device layer.
func (s *Source) Close() {
	for _, t := range s.stream.GetTracks() {
		if err := t.Close(); err != nil {
			log.Error().Err(err).Str("module", "media").Str("track", t.ID()).Msg("track close")
		}
	}
}
