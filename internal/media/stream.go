// Package media owns local capture devices and the stream currently offered
// to the remote peer.
package media

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Source identifies the device a track was captured from.
type Source int

const (
	SourceMicrophone Source = iota + 1
	SourceCamera
	SourceDisplay
)

func (s Source) String() string {
	switch s {
	case SourceMicrophone:
		return "microphone"
	case SourceCamera:
		return "camera"
	case SourceDisplay:
		return "display"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

var (
	// ErrSuperseded is returned when a newer request replaced this one while
	// capture was in flight. The captured tracks are already stopped.
	ErrSuperseded = errors.New("media: request superseded")
	ErrReleased   = errors.New("media: controller released")
	// ErrScreenActive rejects mic/camera capture while a screen share owns the stream.
	ErrScreenActive = errors.New("media: screen share active")
	ErrUnsupported  = errors.New("media: capture not supported on this platform")
)

// CaptureError reports a refused or failed device capture.
type CaptureError struct {
	Source Source
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Track is a local track with an owned device handle. Stop must be
// idempotent and must not fire OnEnded handlers.
type Track interface {
	webrtc.TrackLocal
	Source() Source
	Stop()
	// OnEnded registers fn for when the device stops producing on its own,
	// e.g. the user ends a screen share from the system UI.
	OnEnded(fn func())
}

// Stream groups the local tracks currently offered to the peer.
type Stream struct {
	id     string
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

func (s *Stream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track { return s.ofKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []Track { return s.ofKind(webrtc.RTPCodecTypeVideo) }

// Track returns the first track of kind, or nil.
func (s *Stream) Track(kind webrtc.RTPCodecType) Track {
	if tt := s.ofKind(kind); len(tt) > 0 {
		return tt[0]
	}
	return nil
}

func (s *Stream) HasKind(kind webrtc.RTPCodecType) bool { return s.Track(kind) != nil }

// Sources lists the distinct sources in track order.
func (s *Stream) Sources() []Source {
	var out []Source
	seen := map[Source]bool{}
	for _, t := range s.Tracks() {
		if !seen[t.Source()] {
			seen[t.Source()] = true
			out = append(out, t.Source())
		}
	}
	return out
}

// Stop stops every track. Safe on a nil stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func stopTracks(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

// RemoteStream is media received from the peer.
type RemoteStream interface {
	ID() string
	Kinds() []webrtc.RTPCodecType
	Stop()
}
