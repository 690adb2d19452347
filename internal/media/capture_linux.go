//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
)

// Acquire captures camera/microphone via V4L2/malgo. GetUserMedia fails as
// a unit if either track cannot be opened, so try video+audio first, then
// each alone. A busy microphone must not disable the camera.
func (e *Engine) Acquire() (core.MediaSource, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("attempt", a.label).Msg("GetUserMedia failed")
			continue
		}

		log.Info().Str("module", "media").Str("attempt", a.label).Int("tracks", len(stream.GetTracks())).Msg("local media captured")
		return newSource(stream), nil
	}
	return nil, ErrNoMediaDevice
}
