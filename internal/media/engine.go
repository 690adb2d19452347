// Package media acquires local camera/microphone tracks via pion/mediadevices
// and exposes them behind core.MediaSource. Capture is platform-dependent;
// on unsupported platforms Acquire fails and call setup aborts cleanly.
package media

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
)

var ErrNoMediaDevice = errors.New("no media device available")

// Engine bundles the codec selector with a webrtc.API whose media engine
// knows about the capture codecs. Links created from this API can carry
// the captured tracks.
type Engine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

func NewEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &Engine{api: api, selector: selector}, nil
}

func (e *Engine) API() *webrtc.API { return e.api }
