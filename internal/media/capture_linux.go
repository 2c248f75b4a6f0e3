//go:build linux

package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/util"
)

// DeviceCapturer captures camera and microphone (V4L2 + malgo) and the
// X11 screen through pion/mediadevices, encoding VP8 and Opus.
type DeviceCapturer struct {
	opts     CaptureOptions
	selector *mediadevices.CodecSelector
}

func NewDeviceCapturer(opts CaptureOptions) (*DeviceCapturer, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = opts.AudioBitRate

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnw("no media devices found")
	}
	for _, d := range devices {
		log.Debugw("media device", "kind", d.Kind, "label", d.Label)
	}

	return &DeviceCapturer{opts: opts, selector: selector}, nil
}

func (d *DeviceCapturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

func (d *DeviceCapturer) UserMedia(ctx context.Context, audio, video bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit frames the
			// VP8 encoder cannot take.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.opts.Width}
			c.Height = prop.IntRanged{Max: d.opts.Height}
			c.FrameRate = prop.FloatRanged{Max: d.opts.FrameRate}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	src := SourceMicrophone
	if video {
		src = SourceCamera
	}
	return d.capture(ctx, src, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

// DisplayMedia captures the screen. The screen driver has no system audio,
// so audio is ignored.
func (d *DeviceCapturer) DisplayMedia(ctx context.Context, audio bool) ([]Track, error) {
	if audio {
		log.Debugw("display audio not available, capturing video only")
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.FloatRanged{Max: d.opts.FrameRate}
		},
	}
	return d.capture(ctx, SourceDisplay, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
}

// capture runs open off the caller's goroutine so ctx can abandon a device
// that is slow to open; tracks that arrive after cancellation are closed.
func (d *DeviceCapturer) capture(ctx context.Context, src Source, open func() (mediadevices.MediaStream, error)) ([]Track, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		s, err := open()
		resCh <- result{s, err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		go func() {
			if r := <-resCh; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, &CaptureError{Source: src, Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, &CaptureError{Source: src, Err: res.err}
	}

	var out []Track
	for _, t := range res.stream.GetTracks() {
		s := src
		if src == SourceCamera && t.Kind() == webrtc.RTPCodecTypeAudio {
			s = SourceMicrophone
		}
		out = append(out, newDeviceTrack(t, s))
	}
	return out, nil
}

// deviceTrack owns one mediadevices track.
type deviceTrack struct {
	t       mediadevices.Track
	source  Source
	once    sync.Once
	stopped atomic.Bool
	ended   util.Latch[struct{}]
}

func newDeviceTrack(t mediadevices.Track, src Source) *deviceTrack {
	d := &deviceTrack{t: t, source: src}
	t.OnEnded(func(err error) {
		if d.stopped.Load() {
			return
		}
		log.Infow("device track ended", "source", src, "track", t.ID(), "err", err)
		d.ended.Fire(struct{}{})
	})
	return d
}

func (d *deviceTrack) Bind(c webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return d.t.Bind(c)
}

func (d *deviceTrack) Unbind(c webrtc.TrackLocalContext) error { return d.t.Unbind(c) }
func (d *deviceTrack) ID() string                              { return d.t.ID() }
func (d *deviceTrack) RID() string                             { return d.t.RID() }
func (d *deviceTrack) StreamID() string                        { return d.t.StreamID() }
func (d *deviceTrack) Kind() webrtc.RTPCodecType               { return d.t.Kind() }
func (d *deviceTrack) Source() Source                          { return d.source }

func (d *deviceTrack) OnEnded(fn func()) {
	d.ended.On(func(struct{}) { fn() })
}

func (d *deviceTrack) Stop() {
	d.once.Do(func() {
		d.stopped.Store(true)
		if err := d.t.Close(); err != nil {
			log.Debugw("close device track", "track", d.t.ID(), "err", err)
		}
	})
}
