package control

import (
	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/session"
	"github.com/petervdpas/peershare/internal/signaling"
)

type streamView struct {
	ID      string                 `json:"id"`
	Kinds   []string               `json:"kinds"`
	Sources []string               `json:"sources,omitempty"`
	Stats   *signaling.RemoteStats `json:"stats,omitempty"`
}

type sessionView struct {
	Seq          uint64         `json:"seq"`
	LocalID      string         `json:"local_id,omitempty"`
	RemoteID     string         `json:"remote_id,omitempty"`
	Role         session.Role   `json:"role"`
	Status       session.Status `json:"status"`
	Label        string         `json:"label"`
	Ready        bool           `json:"ready"`
	Error        string         `json:"error,omitempty"`
	CaptureError string         `json:"capture_error,omitempty"`
	MicOn        bool           `json:"mic_on"`
	CameraOn     bool           `json:"camera_on"`
	ScreenOn     bool           `json:"screen_on"`
	DataOpen     bool           `json:"data_open"`
	CallActive   bool           `json:"call_active"`
	Closed       bool           `json:"closed"`
	LocalStream  *streamView    `json:"local_stream,omitempty"`
	RemoteStream *streamView    `json:"remote_stream,omitempty"`
	ShareURL     string         `json:"share_url,omitempty"`
}

func (s *Server) view(snap session.Snapshot) sessionView {
	v := sessionView{
		Seq:          snap.Seq,
		LocalID:      snap.LocalID,
		RemoteID:     snap.RemoteID,
		Role:         snap.Role,
		Status:       snap.Status,
		Label:        snap.Status.Label(),
		Ready:        snap.Ready(),
		MicOn:        snap.MicOn,
		CameraOn:     snap.CameraOn,
		ScreenOn:     snap.ScreenOn,
		DataOpen:     snap.DataOpen,
		CallActive:   snap.CallActive,
		Closed:       snap.Closed,
		LocalStream:  localView(snap.LocalStream),
		RemoteStream: remoteView(snap.RemoteStream),
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
	}
	if snap.CaptureErr != nil {
		v.CaptureError = snap.CaptureErr.Error()
	}
	if s.opts.ShareURL != nil && snap.LocalID != "" && !snap.Closed {
		v.ShareURL = s.opts.ShareURL(snap.LocalID)
	}
	return v
}

func localView(st *media.Stream) *streamView {
	if st == nil {
		return nil
	}
	v := &streamView{ID: st.ID()}
	for _, t := range st.Tracks() {
		v.Kinds = append(v.Kinds, t.Kind().String())
		v.Sources = append(v.Sources, t.Source().String())
	}
	return v
}

func remoteView(rs media.RemoteStream) *streamView {
	if rs == nil {
		return nil
	}
	v := &streamView{ID: rs.ID()}
	for _, k := range rs.Kinds() {
		v.Kinds = append(v.Kinds, k.String())
	}
	if sr, ok := rs.(interface{ Stats() signaling.RemoteStats }); ok {
		stats := sr.Stats()
		v.Stats = &stats
	}
	return v
}
