//go:build !linux

package media

import (
	"github.com/rs/zerolog/log"

	"github.com/ndemidov/Huddle/internal/core"
)

// Acquire fails on platforms without mediadevices drivers wired in.
// Call setup treats this as a media acquisition failure and aborts
// without touching coordinator state.
func (e *Engine) Acquire() (core.MediaSource, error) {
	log.Warn().Str("module", "media").Msg("no capture drivers on this platform")
	return nil, ErrNoMediaDevice
}
