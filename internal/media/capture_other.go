//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceCapturer has no device drivers outside Linux; every capture fails
// and sessions run receive-only.
type DeviceCapturer struct {
	opts CaptureOptions
}

func NewDeviceCapturer(opts CaptureOptions) (*DeviceCapturer, error) {
	log.Warnw("local capture unavailable on this platform, receive-only")
	return &DeviceCapturer{opts: opts.withDefaults()}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (d *DeviceCapturer) UserMedia(_ context.Context, _, video bool) ([]Track, error) {
	src := SourceMicrophone
	if video {
		src = SourceCamera
	}
	return nil, &CaptureError{Source: src, Err: ErrUnsupported}
}

func (d *DeviceCapturer) DisplayMedia(context.Context, bool) ([]Track, error) {
	return nil, &CaptureError{Source: SourceDisplay, Err: ErrUnsupported}
}
