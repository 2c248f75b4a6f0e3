package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/peershare/internal/telemetry"
)

// Sender is one outbound RTP sender of an active call.
type Sender interface {
	Kind() webrtc.RTPCodecType
	Track() webrtc.TrackLocal
	ReplaceTrack(t webrtc.TrackLocal) error
}

// OutboundCall exposes the sender set of a call for track replacement.
type OutboundCall interface {
	Senders() []Sender
	Closed() bool
}

// ReplaceOutboundTrack swaps the stream's tracks into the call's existing
// senders, one per kind. Kinds without a sender are ignored and kinds the
// stream lacks keep their current track. The call is never renegotiated.
// Returns the number of senders that changed.
func ReplaceOutboundTrack(call OutboundCall, s *Stream) (int, error) {
	if call == nil || call.Closed() || s == nil {
		return 0, nil
	}

	var (
		n    int
		errs error
	)
	done := map[webrtc.RTPCodecType]bool{}
	for _, sender := range call.Senders() {
		kind := sender.Kind()
		if done[kind] {
			continue
		}
		next := s.Track(kind)
		if next == nil {
			continue
		}
		done[kind] = true
		if sender.Track() == webrtc.TrackLocal(next) {
			continue
		}
		if err := sender.ReplaceTrack(next); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replace %s track: %w", kind, err))
			continue
		}
		n++
		telemetry.TrackReplaced(kind.String())
	}
	if n > 0 {
		log.Debugw("outbound tracks replaced", "stream", s.ID(), "count", n)
	}
	return n, errs
}
