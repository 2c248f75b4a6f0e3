package media

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/telemetry"
)

var log = logging.Logger("media")

// Capturer opens capture devices. Implementations return started tracks;
// the controller owns them from then on.
type Capturer interface {
	// UserMedia captures the requested kinds as a unit. It fails with a
	// *CaptureError if any requested device is refused.
	UserMedia(ctx context.Context, audio, video bool) ([]Track, error)
	// DisplayMedia captures the screen, plus system audio when audio is
	// set and the platform offers it.
	DisplayMedia(ctx context.Context, audio bool) ([]Track, error)
	// RegisterCodecs configures the engine for the tracks this capturer produces.
	RegisterCodecs(m *webrtc.MediaEngine) error
}

// State is the capture intent. Mic and Camera survive a screen share and
// are re-applied when it stops.
type State struct {
	Mic    bool `json:"mic"`
	Camera bool `json:"camera"`
	Screen bool `json:"screen"`
}

// Controller acquires and releases local devices and holds the active
// stream. All methods are safe for concurrent use; capture runs without
// holding the lock and a generation counter discards late completions.
type Controller struct {
	capturer Capturer

	mu            sync.Mutex
	state         State
	stream        *Stream
	gen           uint64
	released      bool
	onScreenEnded func(*Stream)
}

// NewController starts with the given mic/camera intent and no stream.
func NewController(c Capturer, mic, camera bool) *Controller {
	return &Controller{
		capturer: c,
		state:    State{Mic: mic, Camera: camera},
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveStream returns the stream currently owned by the controller, or nil.
func (c *Controller) ActiveStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Controller) SetMic(on bool) {
	c.mu.Lock()
	c.state.Mic = on
	c.mu.Unlock()
}

func (c *Controller) SetCamera(on bool) {
	c.mu.Lock()
	c.state.Camera = on
	c.mu.Unlock()
}

// OnScreenEnded registers fn for when the display capture ends outside of
// StopScreenCapture. fn receives the screen stream that ended.
func (c *Controller) OnScreenEnded(fn func(*Stream)) {
	c.mu.Lock()
	c.onScreenEnded = fn
	c.mu.Unlock()
}

// Request is a reserved capture. Only the most recently prepared request
// can install its stream.
type Request struct {
	Mic    bool
	Camera bool
	gen    uint64
}

// Prepare reserves a capture for the current mic/camera intent and releases
// the previous stream. Capture performs it.
func (c *Controller) Prepare() (Request, error) {
	return c.prepare(func(st State) (bool, bool) { return st.Mic, st.Camera })
}

func (c *Controller) prepare(kinds func(State) (mic, camera bool)) (Request, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return Request{}, ErrReleased
	}
	if c.state.Screen {
		c.mu.Unlock()
		return Request{}, ErrScreenActive
	}
	c.gen++
	req := Request{gen: c.gen}
	req.Mic, req.Camera = kinds(c.state)
	prev := c.stream
	c.stream = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
		log.Debugw("local stream released", "prev", prev.ID())
	}
	return req, nil
}

// RequestLocalStream releases the previous stream and captures exactly the
// requested kinds. Both false yields a nil stream.
func (c *Controller) RequestLocalStream(ctx context.Context, mic, camera bool) (*Stream, error) {
	req, err := c.prepare(func(State) (bool, bool) { return mic, camera })
	if err != nil {
		return nil, err
	}
	return c.Capture(ctx, req)
}

// Capture opens the devices of req. If a newer request was prepared
// meanwhile, nothing is installed and ErrSuperseded is returned.
func (c *Controller) Capture(ctx context.Context, req Request) (*Stream, error) {
	if err := c.current(req); err != nil {
		return nil, err
	}
	if !req.Mic && !req.Camera {
		return nil, nil
	}

	tracks, err := c.capturer.UserMedia(ctx, req.Mic, req.Camera)
	if err != nil {
		if cerr := c.current(req); cerr != nil {
			return nil, cerr
		}
		var ce *CaptureError
		if !errors.As(err, &ce) {
			src := SourceMicrophone
			if req.Camera {
				src = SourceCamera
			}
			ce = &CaptureError{Source: src, Err: err}
		}
		telemetry.CaptureFailed(ce.Source.String())
		log.Warnw("user media capture failed", "mic", req.Mic, "camera", req.Camera, "err", ce)
		return nil, ce
	}

	c.mu.Lock()
	if err := c.currentLocked(req); err != nil {
		c.mu.Unlock()
		stopTracks(tracks)
		return nil, err
	}
	s := NewStream(tracks...)
	c.stream = s
	c.mu.Unlock()

	log.Infow("local stream ready", "stream", s.ID(), "mic", req.Mic, "camera", req.Camera, "tracks", len(tracks))
	return s, nil
}

func (c *Controller) current(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(req)
}

func (c *Controller) currentLocked(req Request) error {
	switch {
	case c.released:
		return ErrReleased
	case c.gen != req.gen || c.state.Screen:
		return ErrSuperseded
	}
	return nil
}

// StartScreenCapture replaces the active stream with a display capture. With
// includeMic the microphone audio is added to it; a refused microphone does
// not abort the share. The previous stream is only released once the
// display capture succeeded.
func (c *Controller) StartScreenCapture(ctx context.Context, includeMic bool) (*Stream, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, ErrReleased
	}
	if c.state.Screen {
		c.mu.Unlock()
		return nil, ErrScreenActive
	}
	c.mu.Unlock()

	tracks, err := c.capturer.DisplayMedia(ctx, true)
	if err != nil {
		var ce *CaptureError
		if !errors.As(err, &ce) {
			ce = &CaptureError{Source: SourceDisplay, Err: err}
		}
		telemetry.CaptureFailed(ce.Source.String())
		log.Warnw("display capture failed", "err", ce)
		return nil, ce
	}

	if includeMic {
		mic, err := c.capturer.UserMedia(ctx, true, false)
		if err != nil {
			telemetry.CaptureFailed(SourceMicrophone.String())
			log.Warnw("microphone unavailable, sharing screen without it", "err", err)
		} else {
			tracks = append(tracks, mic...)
		}
	}

	c.mu.Lock()
	if c.released || c.state.Screen {
		released := c.released
		c.mu.Unlock()
		stopTracks(tracks)
		if released {
			return nil, ErrReleased
		}
		return nil, ErrScreenActive
	}
	c.gen++
	prev := c.stream
	s := NewStream(tracks...)
	c.stream = s
	c.state.Screen = true
	c.mu.Unlock()

	prev.Stop()

	if v := s.Track(webrtc.RTPCodecTypeVideo); v != nil {
		v.OnEnded(func() { c.screenEnded(s) })
	}

	log.Infow("screen share started", "stream", s.ID(), "tracks", len(tracks), "mic", includeMic)
	return s, nil
}

// StopScreenCapture releases the screen stream. It reports false when no
// screen share was active. The caller re-applies the mic/camera intent.
func (c *Controller) StopScreenCapture() bool {
	c.mu.Lock()
	if !c.state.Screen {
		c.mu.Unlock()
		return false
	}
	c.state.Screen = false
	c.gen++
	prev := c.stream
	c.stream = nil
	c.mu.Unlock()

	prev.Stop()
	log.Infow("screen share stopped", "stream", prev.ID())
	return true
}

// Release stops every owned track. Captures still in flight are discarded
// when they complete. Further requests fail with ErrReleased.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.gen++
	prev := c.stream
	c.stream = nil
	c.state.Screen = false
	c.mu.Unlock()

	prev.Stop()
}

func (c *Controller) screenEnded(s *Stream) {
	c.mu.Lock()
	current := c.stream == s && c.state.Screen
	fn := c.onScreenEnded
	c.mu.Unlock()

	if !current {
		return
	}
	log.Infow("display capture ended", "stream", s.ID())
	if fn != nil {
		fn(s)
		return
	}
	c.StopScreenCapture()
}
