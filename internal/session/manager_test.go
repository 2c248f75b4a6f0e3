package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/media/mediatest"
	"github.com/petervdpas/peershare/internal/signaling"
	"github.com/petervdpas/peershare/internal/signaling/signalingtest"
)

const (
	wait = 2 * time.Second
	tick = 5 * time.Millisecond
)

type harness struct {
	t    *testing.T
	sig  *signalingtest.Client
	cap  *mediatest.Capturer
	ctrl *media.Controller
	m    *Manager
}

type harnessOpt func(*harness)

func withCapturer(fn func(*mediatest.Capturer)) harnessOpt {
	return func(h *harness) { fn(h.cap) }
}

func newHarness(t *testing.T, mic, camera bool, opts Options, extra ...harnessOpt) *harness {
	t.Helper()
	id := "host-1"
	if opts.RemoteID != "" {
		id = "joiner-1"
	}
	h := &harness{
		t:   t,
		sig: signalingtest.NewClient(id),
		cap: mediatest.NewCapturer(),
	}
	for _, o := range extra {
		o(h)
	}
	h.ctrl = media.NewController(h.cap, mic, camera)
	h.m = New(h.sig, h.ctrl, opts)
	t.Cleanup(func() { _ = h.m.Teardown() })
	return h
}

func (h *harness) eventually(cond func(Snapshot) bool, msg string) Snapshot {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.m.Snapshot()) }, wait, tick, msg)
	return h.m.Snapshot()
}

func (h *harness) waitStatus(s Status) Snapshot {
	h.t.Helper()
	return h.eventually(func(snap Snapshot) bool { return snap.Status == s }, "status "+s.String())
}

func (h *harness) waitTracks(n int) *media.Stream {
	h.t.Helper()
	snap := h.eventually(func(s Snapshot) bool {
		return s.LocalStream != nil && len(s.LocalStream.Tracks()) == n
	}, "local stream")
	return snap.LocalStream
}

// connectHost brings a host session to connected with an answered call.
func (h *harness) connectHost(peer string) (*signalingtest.DataConnection, *signalingtest.Call) {
	h.t.Helper()
	h.waitStatus(StatusReady)
	d := h.sig.IncomingConnection(peer)
	d.Open()
	c := h.sig.IncomingCall(peer)
	h.eventually(func(s Snapshot) bool { return s.CallActive && s.DataOpen }, "call and data")
	return d, c
}

// connectJoiner opens the joiner's data connection and waits for its call.
func (h *harness) connectJoiner() (*signalingtest.DataConnection, *signalingtest.Call) {
	h.t.Helper()
	h.waitStatus(StatusConnecting)
	require.Len(h.t, h.sig.Connects(), 1)
	d := h.sig.Connects()[0]
	d.Open()
	h.eventually(func(s Snapshot) bool { return s.CallActive }, "call placed")
	return d, h.sig.Calls()[0]
}

func statuses(m *Manager) []Status {
	var out []Status
	for _, tr := range m.History() {
		out = append(out, tr.To)
	}
	return out
}

func assertLegalHistory(t *testing.T, m *Manager) {
	t.Helper()
	prev := StatusIdle
	for _, tr := range m.History() {
		assert.Equal(t, prev, tr.From)
		assert.True(t, CanTransition(tr.From, tr.To, m.Role()), "%s -> %s", tr.From, tr.To)
		prev = tr.To
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		role     Role
		want     bool
	}{
		{StatusIdle, StatusInitializing, RoleHost, true},
		{StatusIdle, StatusReady, RoleHost, false},
		{StatusInitializing, StatusReady, RoleHost, true},
		{StatusInitializing, StatusError, RoleHost, true},
		{StatusReady, StatusConnecting, RoleJoiner, true},
		{StatusReady, StatusConnected, RoleHost, true},
		{StatusReady, StatusDisconnected, RoleHost, false},
		{StatusConnecting, StatusConnected, RoleJoiner, true},
		{StatusConnecting, StatusDisconnected, RoleJoiner, true},
		{StatusConnecting, StatusError, RoleJoiner, true},
		{StatusConnected, StatusDisconnected, RoleHost, true},
		{StatusConnected, StatusConnecting, RoleHost, false},
		{StatusDisconnected, StatusConnecting, RoleJoiner, true},
		{StatusDisconnected, StatusConnecting, RoleHost, false},
		{StatusDisconnected, StatusConnected, RoleHost, false},
		{StatusError, StatusReady, RoleHost, false},
		{StatusError, StatusError, RoleHost, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String()+"/"+tt.role.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.role))
		})
	}
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Ready to Connect", StatusReady.Label())
	assert.Equal(t, "status(42)", Status(42).String())

	b, err := StatusConnecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connecting", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("disconnected")))
	assert.Equal(t, StatusDisconnected, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))

	assert.True(t, Snapshot{Status: StatusReady}.Ready())
	assert.True(t, Snapshot{Status: StatusConnected}.Ready())
	assert.False(t, Snapshot{Status: StatusConnecting}.Ready())
}

func TestHostLifecycle(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	assert.Equal(t, RoleHost, h.m.Role())

	snap := h.waitStatus(StatusReady)
	assert.Equal(t, "host-1", snap.LocalID)
	assert.True(t, snap.MicOn)
	assert.False(t, snap.CameraOn)
	local := h.waitTracks(1)

	d := h.sig.IncomingConnection("guest")
	snap = h.waitStatus(StatusConnected)
	assert.Equal(t, "guest", snap.RemoteID)
	d.Open()

	c := h.sig.IncomingCall("guest")
	h.eventually(func(s Snapshot) bool { return s.CallActive }, "call adopted")
	answered, with := c.Answered()
	assert.True(t, answered)
	assert.Same(t, local, with)

	rs := h.sig.NewRemoteStream(webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)
	c.EmitStream(rs)
	h.eventually(func(s Snapshot) bool { return s.RemoteStream != nil }, "remote stream")

	c.Hangup()
	snap = h.waitStatus(StatusDisconnected)
	assert.Nil(t, snap.RemoteStream)
	assert.False(t, snap.CallActive)
	assert.NoError(t, snap.Err, "a remote hangup is not a failure")
	assert.True(t, rs.Stopped())

	assert.Equal(t, []Status{StatusInitializing, StatusReady, StatusConnected, StatusDisconnected}, statuses(h.m))
	assertLegalHistory(t, h.m)

	var se *StateError
	assert.ErrorAs(t, h.m.ConnectTo("guest"), &se, "a host does not reconnect")
}

func TestInboundCallAndConnectionAreIdempotent(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)
	h.connectHost("guest")

	assert.Equal(t, []Status{StatusInitializing, StatusReady, StatusConnected}, statuses(h.m))
}

func TestIdentityFailure(t *testing.T) {
	sig := signalingtest.NewClient("x")
	sig.AssignErr = errors.New("broker unreachable")
	m := New(sig, media.NewController(mediatest.NewCapturer(), false, false), Options{})
	t.Cleanup(func() { _ = m.Teardown() })

	require.Eventually(t, func() bool { return m.Snapshot().Status == StatusError }, wait, tick)
	var ie *signaling.IdentityAssignmentError
	assert.ErrorAs(t, m.Snapshot().Err, &ie)
	assert.Empty(t, m.Snapshot().LocalID)

	var se *StateError
	assert.ErrorAs(t, m.ConnectTo("anyone"), &se)
}

func TestJoinerWithoutLocalMedia(t *testing.T) {
	h := newHarness(t, false, false, Options{RemoteID: "host-1"})
	assert.Equal(t, RoleJoiner, h.m.Role())

	h.waitStatus(StatusConnecting)
	require.Len(t, h.sig.Connects(), 1)
	h.sig.Connects()[0].Open()
	snap := h.waitStatus(StatusConnected)
	assert.True(t, snap.DataOpen)
	assert.Nil(t, snap.LocalStream)

	assert.Never(t, func() bool { return len(h.sig.Calls()) > 0 }, 100*time.Millisecond, tick,
		"no call is placed without local media")
	assert.Equal(t, []Status{StatusInitializing, StatusReady, StatusConnecting, StatusConnected}, statuses(h.m))

	// media appearing later places the call
	require.NoError(t, h.m.ToggleMic())
	h.eventually(func(s Snapshot) bool { return s.CallActive }, "call placed once media exists")
	calls := h.sig.Calls()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Sender(webrtc.RTPCodecTypeAudio))
	assertLegalHistory(t, h.m)
}

func TestJoinerPlacesCallOnOpen(t *testing.T) {
	h := newHarness(t, true, false, Options{RemoteID: "host-1"})
	local := h.waitTracks(1)
	_, call := h.connectJoiner()

	assert.Equal(t, "host-1", call.Peer())
	s := call.Sender(webrtc.RTPCodecTypeAudio)
	require.NotNil(t, s)
	assert.Equal(t, webrtc.TrackLocal(local.Track(webrtc.RTPCodecTypeAudio)), s.Track())
}

func TestTrackReplacementKeepsHandles(t *testing.T) {
	h := newHarness(t, true, false, Options{RemoteID: "host-1"})
	h.waitTracks(1)
	data, call := h.connectJoiner()
	audio := call.Sender(webrtc.RTPCodecTypeAudio)
	require.NotNil(t, audio)

	require.NoError(t, h.m.ToggleCamera())
	next := h.waitTracks(2)

	require.Eventually(t, func() bool { return len(audio.Replacements()) == 1 }, wait, tick)
	assert.Equal(t, webrtc.TrackLocal(next.Track(webrtc.RTPCodecTypeAudio)), audio.Track())
	assert.Nil(t, call.Sender(webrtc.RTPCodecTypeVideo), "no video sender is added without renegotiation")

	assert.Len(t, h.sig.Calls(), 1)
	assert.Len(t, h.sig.Connects(), 1)
	assert.False(t, call.Closed())
	assert.False(t, data.Closed())
	assert.Equal(t, StatusConnected, h.m.Snapshot().Status)
}

func TestToggleSequenceReleasesTracks(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)

	require.NoError(t, h.m.ToggleCamera())
	require.NoError(t, h.m.ToggleMic())
	require.NoError(t, h.m.ToggleMic())
	require.NoError(t, h.m.ToggleCamera())
	require.NoError(t, h.m.ToggleMic())

	h.eventually(func(s Snapshot) bool { return !s.MicOn && !s.CameraOn }, "intent off")
	require.Eventually(t, func() bool {
		return h.m.Snapshot().LocalStream == nil && h.cap.Stopped() == h.cap.Started()
	}, wait, tick)
	assert.Empty(t, h.cap.Live())
	assert.Nil(t, h.ctrl.ActiveStream())
}

func TestRapidTogglesConvergeToIntent(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)

	for i := 0; i < 200; i++ {
		require.NoError(t, h.m.ToggleMic())
		require.NoError(t, h.m.ToggleMic())
		if i%2 == 1 {
			require.NoError(t, h.m.ToggleCamera())
		}

		snap := h.eventually(func(s Snapshot) bool {
			return s.LocalStream != nil && len(s.LocalStream.Tracks()) == expectedTracks(s)
		}, "stream matches intent")
		require.True(t, snap.MicOn)

		want := []media.Source{media.SourceMicrophone}
		if snap.CameraOn {
			want = append(want, media.SourceCamera)
		}
		require.ElementsMatch(t, want, snap.LocalStream.Sources(), "iteration %d", i)
	}

	require.Eventually(t, func() bool {
		return len(h.cap.Live()) == len(h.m.Snapshot().LocalStream.Tracks())
	}, wait, tick, "superseded captures are stopped")
}

func expectedTracks(s Snapshot) int {
	n := 0
	if s.MicOn {
		n++
	}
	if s.CameraOn {
		n++
	}
	return n
}

func TestHostScreenShare(t *testing.T) {
	h := newHarness(t, true, true, Options{})
	camStream := h.waitTracks(2)
	_, call := h.connectHost("guest")

	answered, with := call.Answered()
	require.True(t, answered)
	assert.Same(t, camStream, with)

	require.NoError(t, h.m.StartScreenShare())
	snap := h.eventually(func(s Snapshot) bool {
		return s.ScreenOn && s.LocalStream != nil && s.LocalStream != camStream
	}, "screen stream")
	assert.True(t, snap.CameraOn, "camera intent survives the share")
	assert.ElementsMatch(t, []media.Source{media.SourceDisplay, media.SourceMicrophone}, snap.LocalStream.Sources())

	video := call.Sender(webrtc.RTPCodecTypeVideo)
	require.NotNil(t, video)
	require.Eventually(t, func() bool {
		tr, ok := video.Track().(media.Track)
		return ok && tr.Source() == media.SourceDisplay
	}, wait, tick)
	audio := call.Sender(webrtc.RTPCodecTypeAudio)
	assert.Equal(t, media.SourceMicrophone, audio.Track().(media.Track).Source())

	assert.ErrorIs(t, h.m.StartScreenShare(), media.ErrScreenActive)
	require.NoError(t, h.m.ToggleCamera())
	assert.True(t, h.m.Snapshot().CameraOn, "camera toggle is ignored while sharing")

	require.NoError(t, h.m.StopScreenShare())
	snap = h.eventually(func(s Snapshot) bool {
		return !s.ScreenOn && s.LocalStream != nil && len(s.LocalStream.Tracks()) == 2
	}, "camera stream restored")
	assert.ElementsMatch(t, []media.Source{media.SourceCamera, media.SourceMicrophone}, snap.LocalStream.Sources())
	require.Eventually(t, func() bool {
		return video.Track().(media.Track).Source() == media.SourceCamera
	}, wait, tick)
	assert.Len(t, h.sig.Calls(), 0, "a host never places calls")
}

func TestScreenShareEndedBySystem(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)

	require.NoError(t, h.m.StartScreenShare())
	h.eventually(func(s Snapshot) bool { return s.ScreenOn && s.LocalStream != nil && len(s.LocalStream.Tracks()) == 2 }, "sharing")

	var display *mediatest.Track
	for _, tr := range h.cap.Live() {
		if tr.Source() == media.SourceDisplay {
			display = tr
		}
	}
	require.NotNil(t, display)
	display.End()

	snap := h.eventually(func(s Snapshot) bool {
		return !s.ScreenOn && s.LocalStream != nil && len(s.LocalStream.Tracks()) == 1
	}, "mic stream restored")
	assert.Equal(t, []media.Source{media.SourceMicrophone}, snap.LocalStream.Sources())
	assert.True(t, display.Stopped())
}

func TestScreenShareDenied(t *testing.T) {
	h := newHarness(t, true, false, Options{}, withCapturer(func(c *mediatest.Capturer) {
		c.DenyDisplay = true
	}))
	local := h.waitTracks(1)

	require.NoError(t, h.m.StartScreenShare())
	snap := h.eventually(func(s Snapshot) bool { return s.CaptureErr != nil }, "capture error")
	var ce *media.CaptureError
	require.ErrorAs(t, snap.CaptureErr, &ce)
	assert.Equal(t, media.SourceDisplay, ce.Source)
	assert.False(t, snap.ScreenOn)
	assert.Same(t, local, snap.LocalStream)
	assert.Equal(t, StatusReady, snap.Status)
}

func TestCameraDeniedKeepsMic(t *testing.T) {
	h := newHarness(t, true, true, Options{}, withCapturer(func(c *mediatest.Capturer) {
		c.DenyCamera = true
	}))

	snap := h.eventually(func(s Snapshot) bool {
		return !s.CameraOn && s.LocalStream != nil
	}, "mic-only stream")
	assert.True(t, snap.MicOn)
	assert.Equal(t, []media.Source{media.SourceMicrophone}, snap.LocalStream.Sources())

	var ce *media.CaptureError
	require.ErrorAs(t, snap.CaptureErr, &ce)
	assert.Equal(t, media.SourceCamera, ce.Source)
	assert.NotEqual(t, StatusError, snap.Status)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, false, false, Options{RemoteID: "host-1", ConnectTimeout: 50 * time.Millisecond})

	snap := h.waitStatus(StatusDisconnected)
	var ce *signaling.ConnectionError
	require.ErrorAs(t, snap.Err, &ce)
	assert.ErrorIs(t, snap.Err, signaling.ErrConnectTimeout)
	assert.Equal(t, "host-1", ce.Peer)
	assert.Equal(t, "joiner-1", snap.LocalID, "identity is held")
	assert.Equal(t, 1, h.sig.Connects()[0].CloseCount())
}

func TestConnectRefusedThenRetry(t *testing.T) {
	h := newHarness(t, false, false, Options{RemoteID: "host-1"})
	h.waitStatus(StatusConnecting)

	h.sig.Connects()[0].CloseRemote(&signaling.ConnectionError{Peer: "host-1", Err: signaling.ErrPeerUnavailable})
	snap := h.waitStatus(StatusDisconnected)
	assert.ErrorIs(t, snap.Err, signaling.ErrPeerUnavailable)

	assert.ErrorIs(t, h.m.ConnectTo("someone-else"), ErrRemoteBound)
	require.NoError(t, h.m.ConnectTo("host-1"))
	h.waitStatus(StatusConnecting)
	require.Eventually(t, func() bool { return len(h.sig.Connects()) == 2 }, wait, tick)

	h.sig.Connects()[1].Open()
	snap = h.waitStatus(StatusConnected)
	assert.NoError(t, snap.Err)
	assertLegalHistory(t, h.m)
}

func TestConnectErrorFromClient(t *testing.T) {
	h := newHarness(t, false, false, Options{})
	h.waitStatus(StatusReady)
	h.sig.SetConnectErr(signaling.ErrPeerUnavailable)

	assert.ErrorIs(t, h.m.ConnectTo(""), ErrNoRemote)
	assert.ErrorIs(t, h.m.ConnectTo("host-1"), ErrSelfConnect)

	require.NoError(t, h.m.ConnectTo("peer-9"))
	snap := h.waitStatus(StatusDisconnected)
	assert.ErrorIs(t, snap.Err, signaling.ErrPeerUnavailable)
}

func TestInboundFromOtherPeerRejected(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)
	_, call := h.connectHost("guest")

	intruder := h.sig.IncomingCall("intruder")
	require.Eventually(t, intruder.Closed, wait, tick)
	other := h.sig.IncomingConnection("intruder")
	require.Eventually(t, other.Closed, wait, tick)

	snap := h.m.Snapshot()
	assert.Equal(t, "guest", snap.RemoteID)
	assert.False(t, call.Closed())
	assert.Equal(t, StatusConnected, snap.Status)
}

func TestStaleCallCloseIgnored(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)
	_, first := h.connectHost("guest")

	second := h.sig.IncomingCall("guest")
	require.Eventually(t, first.Closed, wait, tick)
	h.eventually(func(s Snapshot) bool { ok, _ := second.Answered(); return ok && s.CallActive }, "second call")

	assert.Never(t, func() bool { return h.m.Snapshot().Status != StatusConnected }, 50*time.Millisecond, tick)
}

func TestDataCloseDisconnects(t *testing.T) {
	h := newHarness(t, true, false, Options{})
	h.waitTracks(1)
	data, _ := h.connectHost("guest")

	data.CloseRemote(&signaling.CallTerminatedError{Peer: "guest"})
	snap := h.waitStatus(StatusDisconnected)
	assert.False(t, snap.DataOpen)
	assert.NoError(t, snap.Err)
}

func TestBrokerLinkLoss(t *testing.T) {
	t.Run("connected session disconnects", func(t *testing.T) {
		h := newHarness(t, true, false, Options{})
		h.waitTracks(1)
		h.connectHost("guest")

		h.sig.Disconnect(errors.New("link reset"))
		snap := h.waitStatus(StatusDisconnected)
		assert.Error(t, snap.Err)
	})
	t.Run("ready session fails", func(t *testing.T) {
		h := newHarness(t, false, false, Options{})
		h.waitStatus(StatusReady)

		h.sig.Disconnect(nil)
		snap := h.waitStatus(StatusError)
		assert.ErrorIs(t, snap.Err, signaling.ErrNotConnected)
	})
}

func TestSignalingErrorIsTerminal(t *testing.T) {
	h := newHarness(t, false, false, Options{RemoteID: "host-1"})
	h.waitStatus(StatusConnecting)

	h.sig.Fail(&signaling.SignalingError{Code: "server-error"})
	snap := h.waitStatus(StatusError)
	var se *signaling.SignalingError
	assert.ErrorAs(t, snap.Err, &se)

	h.sig.Connects()[0].Open()
	assert.Never(t, func() bool { return h.m.Snapshot().Status != StatusError }, 50*time.Millisecond, tick)
	assertLegalHistory(t, h.m)
}

func TestTeardownOrder(t *testing.T) {
	h := newHarness(t, true, true, Options{}, func(h *harness) {
		h.cap.OnStop = func(*mediatest.Track) { h.sig.Record("local.stop") }
	})
	h.waitTracks(2)
	_, call := h.connectHost("guest")
	call.EmitStream(h.sig.NewRemoteStream(webrtc.RTPCodecTypeAudio))
	h.eventually(func(s Snapshot) bool { return s.RemoteStream != nil }, "remote stream")

	require.NoError(t, h.m.Teardown())
	require.NoError(t, h.m.Teardown())

	var order []string
	for _, e := range h.sig.Journal() {
		switch {
		case e == "local.stop", strings.HasPrefix(e, "remote.stop"), strings.HasPrefix(e, "call.close"),
			strings.HasPrefix(e, "data.close"), e == "destroy":
			order = append(order, strings.Fields(e)[0])
		}
	}
	assert.Equal(t, []string{"local.stop", "local.stop", "remote.stop", "call.close", "data.close", "destroy"}, order)

	assert.Equal(t, h.cap.Started(), h.cap.Stopped())
	assert.True(t, h.sig.Destroyed())

	select {
	case <-h.m.Done():
	case <-time.After(wait):
		t.Fatal("loop still running")
	}
	snap := h.m.Snapshot()
	assert.True(t, snap.Closed)
	assert.Nil(t, snap.LocalStream)
	assert.Nil(t, snap.RemoteStream)
	assert.False(t, snap.CallActive)
	assert.ErrorIs(t, h.m.ToggleMic(), ErrClosed)
}

func TestTeardownDiscardsLateCapture(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, true, false, Options{}, withCapturer(func(c *mediatest.Capturer) {
		c.Block = block
	}))
	h.waitStatus(StatusReady)

	require.NoError(t, h.m.Teardown())
	close(block)

	require.Eventually(t, func() bool { return h.cap.Started() == h.cap.Stopped() }, wait, tick)
	assert.Nil(t, h.ctrl.ActiveStream())
}

func TestLateIncomingAfterTeardownIsClosed(t *testing.T) {
	h := newHarness(t, false, false, Options{})
	h.waitStatus(StatusReady)
	require.NoError(t, h.m.Teardown())

	c := h.sig.IncomingCall("late")
	d := h.sig.IncomingConnection("late")
	assert.True(t, c.Closed())
	assert.True(t, d.Closed())
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, false, false, Options{})
	ch, cancel := h.m.Subscribe()
	defer cancel()

	deadline := time.After(wait)
	for {
		select {
		case snap := <-ch:
			if snap.Status == StatusReady {
				assert.Equal(t, "host-1", snap.LocalID)
				require.NoError(t, h.m.Teardown())
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("ready snapshot never published")
		}
	}
}
