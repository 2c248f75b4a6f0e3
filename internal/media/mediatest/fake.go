// Package mediatest provides an in-memory Capturer for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/util"
)

var ErrDenied = errors.New("permission denied")

// Track is a static-sample track with Stop/OnEnded bookkeeping.
type Track struct {
	*webrtc.TrackLocalStaticSample
	source  media.Source
	owner   *Capturer
	stopped atomic.Bool
	ended   util.Latch[struct{}]
}

func (t *Track) Source() media.Source { return t.source }
func (t *Track) Stopped() bool        { return t.stopped.Load() }

func (t *Track) OnEnded(fn func()) { t.ended.On(func(struct{}) { fn() }) }

func (t *Track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) || t.owner == nil {
		return
	}
	t.owner.stoppedN.Add(1)
	t.owner.mu.Lock()
	hook := t.owner.OnStop
	t.owner.mu.Unlock()
	if hook != nil {
		hook(t)
	}
}

// End simulates the device ending on its own.
func (t *Track) End() {
	if !t.Stopped() {
		t.ended.Fire(struct{}{})
	}
}

// Capturer is a fake media.Capturer. Deny flags make the matching capture
// fail; Block, when set, holds every capture until it is closed.
type Capturer struct {
	mu           sync.Mutex
	DenyMic      bool
	DenyCamera   bool
	DenyDisplay  bool
	DisplayAudio bool
	Block        chan struct{}
	// OnStop, when set, runs after each track stops.
	OnStop func(*Track)

	seq      atomic.Int64
	started  atomic.Int64
	stoppedN atomic.Int64
	calls    []string
	tracks   []*Track
}

func NewCapturer() *Capturer { return &Capturer{} }

func (c *Capturer) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capturer) UserMedia(ctx context.Context, audio, video bool) ([]media.Track, error) {
	block := c.record(fmt.Sprintf("user audio=%t video=%t", audio, video))
	if err := wait(ctx, block); err != nil {
		return nil, err
	}

	c.mu.Lock()
	denyMic, denyCam := c.DenyMic, c.DenyCamera
	c.mu.Unlock()
	if video && denyCam {
		return nil, &media.CaptureError{Source: media.SourceCamera, Err: ErrDenied}
	}
	if audio && denyMic {
		return nil, &media.CaptureError{Source: media.SourceMicrophone, Err: ErrDenied}
	}

	var out []media.Track
	if audio {
		out = append(out, c.newTrack(webrtc.RTPCodecTypeAudio, media.SourceMicrophone))
	}
	if video {
		out = append(out, c.newTrack(webrtc.RTPCodecTypeVideo, media.SourceCamera))
	}
	return out, nil
}

func (c *Capturer) DisplayMedia(ctx context.Context, audio bool) ([]media.Track, error) {
	block := c.record(fmt.Sprintf("display audio=%t", audio))
	if err := wait(ctx, block); err != nil {
		return nil, err
	}

	c.mu.Lock()
	deny, withAudio := c.DenyDisplay, c.DisplayAudio && audio
	c.mu.Unlock()
	if deny {
		return nil, &media.CaptureError{Source: media.SourceDisplay, Err: ErrDenied}
	}

	out := []media.Track{c.newTrack(webrtc.RTPCodecTypeVideo, media.SourceDisplay)}
	if withAudio {
		out = append(out, c.newTrack(webrtc.RTPCodecTypeAudio, media.SourceDisplay))
	}
	return out, nil
}

func (c *Capturer) SetDeny(mic, camera, display bool) {
	c.mu.Lock()
	c.DenyMic, c.DenyCamera, c.DenyDisplay = mic, camera, display
	c.mu.Unlock()
}

func (c *Capturer) SetBlock(ch chan struct{}) {
	c.mu.Lock()
	c.Block = ch
	c.mu.Unlock()
}

// Started and Stopped count tracks handed out and tracks stopped.
func (c *Capturer) Started() int64 { return c.started.Load() }
func (c *Capturer) Stopped() int64 { return c.stoppedN.Load() }

// Live returns the tracks not yet stopped.
func (c *Capturer) Live() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Track
	for _, t := range c.tracks {
		if !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}

// Calls lists capture requests in order.
func (c *Capturer) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// record logs the request and returns the block channel in effect for it.
func (c *Capturer) record(call string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.Block
}

func wait(ctx context.Context, block chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Capturer) newTrack(kind webrtc.RTPCodecType, src media.Source) *Track {
	n := c.seq.Add(1)
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	id := fmt.Sprintf("%s-%d", src, n)
	static, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "fake")
	if err != nil {
		panic(err)
	}
	t := &Track{TrackLocalStaticSample: static, source: src, owner: c}
	c.started.Add(1)

	c.mu.Lock()
	c.tracks = append(c.tracks, t)
	c.mu.Unlock()
	return t
}
