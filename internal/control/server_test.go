package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/media/mediatest"
	"github.com/petervdpas/peershare/internal/session"
	"github.com/petervdpas/peershare/internal/signaling/signalingtest"
)

type fakeSession struct {
	mu    sync.Mutex
	snap  session.Snapshot
	calls []string
	err   error
	subs  []chan session.Snapshot
}

func (f *fakeSession) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSession) publish(s session.Snapshot) {
	f.mu.Lock()
	f.snap = s
	subs := append([]chan session.Snapshot(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- s
	}
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 8)
	f.mu.Lock()
	ch <- f.snap
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSession) History() []session.Transition {
	return []session.Transition{{From: session.StatusIdle, To: session.StatusInitializing}}
}

func (f *fakeSession) ConnectTo(remote string) error { return f.record("connect " + remote) }
func (f *fakeSession) ToggleMic() error              { return f.record("mic") }
func (f *fakeSession) ToggleCamera() error           { return f.record("camera") }
func (f *fakeSession) StartScreenShare() error       { return f.record("screen.start") }
func (f *fakeSession) StopScreenShare() error        { return f.record("screen.stop") }
func (f *fakeSession) Teardown() error               { return f.record("teardown") }

func newTestServer(t *testing.T, f *fakeSession, opts Options) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(New(f, opts).Router())
	t.Cleanup(hs.Close)
	return hs
}

func decode(t *testing.T, resp *http.Response) sessionView {
	t.Helper()
	defer resp.Body.Close()
	var v sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestSnapshotView(t *testing.T) {
	tracks, err := mediatest.NewCapturer().UserMedia(context.Background(), true, true)
	require.NoError(t, err)
	local := media.NewStream(tracks...)
	remote := signalingtest.NewClient("x").NewRemoteStream(webrtc.RTPCodecTypeAudio)

	f := &fakeSession{snap: session.Snapshot{
		Seq:          4,
		LocalID:      "abc",
		RemoteID:     "def",
		Role:         session.RoleHost,
		Status:       session.StatusConnected,
		Err:          errors.New("boom"),
		LocalStream:  local,
		RemoteStream: remote,
		MicOn:        true,
		CameraOn:     true,
		CallActive:   true,
	}}
	hs := newTestServer(t, f, Options{ShareURL: func(id string) string { return "https://s.example.org/join/" + id }})

	resp, err := http.Get(hs.URL + "/api/session")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	v := decode(t, resp)

	assert.Equal(t, "abc", v.LocalID)
	assert.Equal(t, session.StatusConnected, v.Status)
	assert.Equal(t, "Connected", v.Label)
	assert.True(t, v.Ready)
	assert.Equal(t, "boom", v.Error)
	assert.Equal(t, "https://s.example.org/join/abc", v.ShareURL)
	require.NotNil(t, v.LocalStream)
	assert.Equal(t, []string{"audio", "video"}, v.LocalStream.Kinds)
	assert.Equal(t, []string{"microphone", "camera"}, v.LocalStream.Sources)
	require.NotNil(t, v.RemoteStream)
	assert.Equal(t, []string{"audio"}, v.RemoteStream.Kinds)
	assert.Nil(t, v.RemoteStream.Stats)
}

func TestShareURLNeedsIdentity(t *testing.T) {
	f := &fakeSession{snap: session.Snapshot{Status: session.StatusInitializing}}
	hs := newTestServer(t, f, Options{ShareURL: func(id string) string { return "x/" + id }})

	resp, err := http.Get(hs.URL + "/api/session")
	require.NoError(t, err)
	v := decode(t, resp)
	assert.Empty(t, v.ShareURL)
	assert.False(t, v.Ready)
}

func TestCommands(t *testing.T) {
	f := &fakeSession{snap: session.Snapshot{Status: session.StatusReady}}
	hs := newTestServer(t, f, Options{})

	for _, path := range []string{"mic/toggle", "camera/toggle", "screen/start", "screen/stop", "teardown"} {
		resp := post(t, hs.URL+"/api/session/"+path, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	assert.Equal(t, []string{"mic", "camera", "screen.start", "screen.stop", "teardown"}, f.Calls())

	resp, err := http.Get(hs.URL + "/api/session/mic/toggle")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&session.StateError{Op: "connect", Status: session.StatusConnected}, http.StatusConflict},
		{media.ErrScreenActive, http.StatusConflict},
		{session.ErrClosed, http.StatusGone},
		{session.ErrSelfConnect, http.StatusBadRequest},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := &fakeSession{err: tt.err}
			hs := newTestServer(t, f, Options{})
			resp := post(t, hs.URL+"/api/session/screen/start", "")
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestConnect(t *testing.T) {
	f := &fakeSession{snap: session.Snapshot{Status: session.StatusReady}}
	hs := newTestServer(t, f, Options{})

	resp := post(t, hs.URL+"/api/session/connect", `{"remote_id": "https://s.example.org/join/peer-7"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"connect peer-7"}, f.Calls())

	for _, body := range []string{`{`, `{"remote_id": ""}`, `{"remote_id": "a b"}`} {
		resp := post(t, hs.URL+"/api/session/connect", body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	f.setErr(session.ErrRemoteBound)
	resp = post(t, hs.URL+"/api/session/connect", `{"remote_id": "peer-8"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	hs := newTestServer(t, &fakeSession{}, Options{})
	resp, err := http.Get(hs.URL + "/api/session/history")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "idle", got[0]["from"])
	assert.Equal(t, "initializing", got[0]["to"])
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestEventsStream(t *testing.T) {
	f := &fakeSession{snap: session.Snapshot{Status: session.StatusInitializing}}
	hs := newTestServer(t, f, Options{Heartbeat: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL+"/api/session/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	event, data := readEvent(t, r)
	assert.Equal(t, "session", event)
	assert.Contains(t, data, `"status":"initializing"`)

	f.publish(session.Snapshot{Status: session.StatusReady, LocalID: "abc"})
	_, data = readEvent(t, r)
	assert.Contains(t, data, `"status":"ready"`)
	assert.Contains(t, data, `"local_id":"abc"`)
}

func TestJoinLinkAndHealth(t *testing.T) {
	hs := newTestServer(t, &fakeSession{}, Options{})

	resp, err := http.Get(hs.URL + "/join/peer-7")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "peershare join peer-7")

	resp, err = http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
}

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("first\nsec"))
	_, _ = b.Write([]byte("ond\n\nthird\n"))

	var msgs []string
	for _, e := range b.Snapshot() {
		msgs = append(msgs, e.Msg)
	}
	assert.Equal(t, []string{"second", "third"}, msgs)
	assert.Equal(t, "first", (<-ch).Msg)

	hs := newTestServer(t, &fakeSession{}, Options{Logs: b})
	resp, err := http.Get(hs.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Len(t, got, 2)

	resp, err = http.Get(hs.URL + "/api/logs?n=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "third", got[0].Msg)

	resp, err = http.Get(hs.URL + "/api/logs?n=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
