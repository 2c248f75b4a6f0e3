// Package session drives one peer session: identity, connection state,
// the local media stream and its live replacement on the active call.
//
// Every mutation happens on a single event loop. Signaling callbacks,
// capture completions and user commands are turned into events; observers
// read immutable snapshots.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/signaling"
	"github.com/petervdpas/peershare/internal/telemetry"
	"github.com/petervdpas/peershare/internal/util"
)

var log = logging.Logger("session")

var (
	ErrClosed       = errors.New("session closed")
	ErrNoRemote     = errors.New("remote identity required")
	ErrSelfConnect  = errors.New("cannot connect to own identity")
	ErrRemoteBound  = errors.New("session already bound to another peer")
	ErrSharePending = errors.New("screen share already starting")
)

const (
	eventBuffer    = 256
	listenerBuffer = 64
)

type Options struct {
	// RemoteID makes the session a joiner that connects to it once ready.
	RemoteID       string
	ConnectTimeout time.Duration
	HistorySize    int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 64
	}
	return o
}

// Manager owns the session state machine. Create it with New and end it
// with Teardown.
type Manager struct {
	opts  Options
	role  Role
	sig   signaling.Client
	media *media.Controller

	ctx    context.Context
	cancel context.CancelFunc

	events chan event
	done   chan struct{}
	postMu sync.RWMutex
	closed bool

	snap    atomic.Pointer[Snapshot]
	history *util.RingBuffer[Transition]

	listenerMu sync.Mutex
	listeners  map[chan Snapshot]struct{}

	// owned by the loop
	status       Status
	localID      string
	remoteID     string
	err          error
	captureErr   error
	local        *media.Stream
	remote       media.RemoteStream
	data         signaling.DataConnection
	dataOpen     bool
	call         signaling.Call
	placing      bool
	sharing      bool
	connectTimer *time.Timer
	tornDown     bool
	dirty        bool
	seq          uint64
}

// New starts a session over sig and ctrl and immediately requests an
// identity. The manager takes ownership of both.
func New(sig signaling.Client, ctrl *media.Controller, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:      opts,
		role:      RoleHost,
		sig:       sig,
		media:     ctrl,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		history:   util.NewRingBuffer[Transition](opts.HistorySize),
		listeners: make(map[chan Snapshot]struct{}),
		status:    StatusIdle,
	}
	if opts.RemoteID != "" {
		m.role = RoleJoiner
		m.remoteID = opts.RemoteID
	}

	sig.OnIncomingCall(func(c signaling.Call) {
		if !m.post(&incomingCall{call: c}) {
			_ = c.Close()
		}
	})
	sig.OnIncomingConnection(func(d signaling.DataConnection) {
		if !m.post(&incomingConn{conn: d}) {
			_ = d.Close()
		}
	})
	sig.OnDisconnected(func(err error) { m.post(&signalingLost{err: err}) })
	sig.OnError(func(err error) { m.post(&signalingFailed{err: err}) })
	ctrl.OnScreenEnded(func(s *media.Stream) { m.post(&screenEnded{stream: s}) })

	m.dirty = true
	m.publish()
	telemetry.SessionStarted()

	go m.run()
	m.post(&start{})
	return m
}

func (m *Manager) Role() Role { return m.role }

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

// History returns the recorded status transitions, oldest first.
func (m *Manager) History() []Transition {
	return m.history.Snapshot()
}

// Done is closed once the session has been torn down.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Subscribe returns a channel that receives the current snapshot and every
// later one. A slow subscriber misses intermediate snapshots. The channel
// is closed on teardown or cancel.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, listenerBuffer)

	m.listenerMu.Lock()
	select {
	case <-m.done:
		m.listenerMu.Unlock()
		ch <- m.Snapshot()
		close(ch)
		return ch, func() {}
	default:
	}
	m.listeners[ch] = struct{}{}
	ch <- m.Snapshot()
	m.listenerMu.Unlock()

	cancel := func() {
		m.listenerMu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.listenerMu.Unlock()
	}
	return ch, cancel
}

// ConnectTo starts an outbound connection to remote.
func (m *Manager) ConnectTo(remote string) error {
	return m.do("connect", func() error { return m.connectTo(remote) })
}

// ToggleMic flips the microphone intent and re-applies it.
func (m *Manager) ToggleMic() error {
	return m.do("toggle mic", m.toggleMic)
}

// ToggleCamera flips the camera intent and re-applies it. It does nothing
// while a screen share is active.
func (m *Manager) ToggleCamera() error {
	return m.do("toggle camera", m.toggleCamera)
}

// StartScreenShare starts a display capture. The outcome shows up in the
// snapshot: ScreenOn on success, CaptureErr on refusal.
func (m *Manager) StartScreenShare() error {
	return m.do("start screen share", m.startScreenShare)
}

// StopScreenShare ends the display capture and restores the mic/camera
// stream.
func (m *Manager) StopScreenShare() error {
	return m.do("stop screen share", m.stopScreenShare)
}

// Teardown releases the local stream, the remote stream, the call, the
// data connection and the identity, in that order. It is idempotent.
func (m *Manager) Teardown() error {
	err := m.do("teardown", m.teardown)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (m *Manager) do(name string, fn func() error) error {
	cmd := &command{name: name, fn: fn, reply: make(chan error, 1)}
	if !m.post(cmd) {
		return ErrClosed
	}
	return <-cmd.reply
}

// post queues ev for the loop. It reports false once the loop has exited;
// the caller then owns whatever handle ev carried.
func (m *Manager) post(ev event) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	for !m.tornDown {
		ev := <-m.events
		ev.apply(m)
		m.publish()
	}

	close(m.done)
	m.postMu.Lock()
	m.closed = true
	m.postMu.Unlock()

	for {
		select {
		case ev := <-m.events:
			if d, ok := ev.(discarder); ok {
				d.discard()
			}
		default:
			m.closeListeners()
			return
		}
	}
}

func (m *Manager) publish() {
	if !m.dirty {
		return
	}
	m.dirty = false
	m.seq++

	st := m.media.State()
	snap := &Snapshot{
		Seq:          m.seq,
		LocalID:      m.localID,
		RemoteID:     m.remoteID,
		Role:         m.role,
		Status:       m.status,
		Err:          m.err,
		CaptureErr:   m.captureErr,
		LocalStream:  m.local,
		RemoteStream: m.remote,
		MicOn:        st.Mic,
		CameraOn:     st.Camera,
		ScreenOn:     st.Screen,
		DataOpen:     m.dataOpen,
		CallActive:   m.call != nil,
		Closed:       m.tornDown,
	}
	m.snap.Store(snap)

	m.listenerMu.Lock()
	for ch := range m.listeners {
		select {
		case ch <- *snap:
		default:
			// slow subscriber; it catches up on the next snapshot
		}
	}
	m.listenerMu.Unlock()
}

func (m *Manager) closeListeners() {
	m.listenerMu.Lock()
	for ch := range m.listeners {
		delete(m.listeners, ch)
		close(ch)
	}
	m.listenerMu.Unlock()
}

func (m *Manager) transition(to Status, reason string) bool {
	from := m.status
	if from == to {
		return false
	}
	if !CanTransition(from, to, m.role) {
		log.Debugw("transition ignored", "from", from, "to", to, "reason", reason)
		return false
	}
	m.status = to
	m.dirty = true
	m.history.Push(Transition{From: from, To: to, Reason: reason, At: time.Now()})
	telemetry.Transition(from.String(), to.String())
	log.Infow("session status", "from", from, "to", to, "reason", reason)
	return true
}

func (m *Manager) fail(err error) {
	m.err = err
	m.dirty = true
	m.transition(StatusError, err.Error())
}

func (m *Manager) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

// bindRemote accepts peer as the session's remote, or reports false when
// the session already talks to someone else.
func (m *Manager) bindRemote(peer string) bool {
	if m.remoteID == "" {
		m.remoteID = peer
		m.dirty = true
		return true
	}
	return m.remoteID == peer
}

func (m *Manager) acceptsInbound() bool {
	switch m.status {
	case StatusReady, StatusConnecting, StatusConnected:
		return true
	}
	return false
}

func (m *Manager) connectTo(remote string) error {
	switch {
	case remote == "":
		return ErrNoRemote
	case remote == m.localID:
		return ErrSelfConnect
	case m.remoteID != "" && m.remoteID != remote:
		return ErrRemoteBound
	case !CanTransition(m.status, StatusConnecting, m.role):
		return &StateError{Op: "connect", Status: m.status}
	}

	// a fresh connect drops whatever the previous attempt left behind
	if m.call != nil {
		_ = m.call.Close()
		m.call = nil
	}
	m.clearRemote()
	if m.data != nil {
		_ = m.data.Close()
		m.data, m.dataOpen = nil, false
	}

	m.remoteID = remote
	m.err = nil
	m.dirty = true
	m.transition(StatusConnecting, "connect "+remote)

	ctx := m.ctx
	go func() {
		d, err := m.sig.Connect(ctx, remote)
		if !m.post(&connectResult{conn: d, err: err, remote: remote}) && d != nil {
			_ = d.Close()
		}
	}()
	return nil
}

func (m *Manager) watchData(d signaling.DataConnection) {
	d.OnOpen(func() { m.post(&dataOpened{conn: d}) })
	d.OnClose(func(err error) { m.post(&dataClosed{conn: d, err: err}) })
}

func (m *Manager) adoptCall(c signaling.Call) {
	m.call = c
	m.dirty = true
	c.OnStream(func(rs media.RemoteStream) {
		if !m.post(&callStream{call: c, stream: rs}) {
			rs.Stop()
		}
	})
	c.OnClose(func(err error) { m.post(&callClosed{call: c, err: err}) })
}

func (m *Manager) clearRemote() {
	if m.remote != nil {
		m.remote.Stop()
		m.remote = nil
		m.dirty = true
	}
}

// maybePlaceCall places the joiner's call once the data connection is open
// and local media exists. Without media no call is placed.
func (m *Manager) maybePlaceCall() {
	if m.role != RoleJoiner || m.status != StatusConnected || !m.dataOpen {
		return
	}
	if m.call != nil || m.placing || m.local == nil {
		return
	}
	m.placing = true

	ctx, remote, stream := m.ctx, m.remoteID, m.local
	telemetry.CallPlaced()
	go func() {
		c, err := m.sig.PlaceCall(ctx, remote, stream)
		if !m.post(&callPlaced{call: c, err: err, stream: stream}) && c != nil {
			_ = c.Close()
		}
	}()
}

// applyMedia captures the stream implied by the current intent. The
// result is applied only if it is still the controller's active stream.
// It does nothing while a screen share is active.
func (m *Manager) applyMedia() {
	// the generation is reserved here so the newest request wins
	req, err := m.media.Prepare()
	if err != nil {
		log.Debugw("media not applied", "err", err)
		return
	}
	m.local = nil
	m.dirty = true

	ctx := m.ctx
	go func() {
		s, err := m.media.Capture(ctx, req)
		m.post(&mediaResult{stream: s, err: err, mic: req.Mic, camera: req.Camera})
	}()
}

func (m *Manager) setLocal(s *media.Stream) {
	m.local = s
	m.dirty = true
	m.replaceOnCall()
	m.maybePlaceCall()
}

// replaceOnCall swaps the local tracks into the active call's senders.
func (m *Manager) replaceOnCall() {
	if m.local == nil || m.call == nil {
		return
	}
	n, err := media.ReplaceOutboundTrack(m.call, m.local)
	if err != nil {
		log.Warnw("track replacement failed", "call", m.call.ID(), "err", err)
		return
	}
	log.Debugw("tracks replaced", "call", m.call.ID(), "stream", m.local.ID(), "senders", n)
}

func (m *Manager) toggleMic() error {
	st := m.media.State()
	m.media.SetMic(!st.Mic)
	m.captureErr = nil
	m.dirty = true
	if !st.Screen {
		m.applyMedia()
	}
	return nil
}

func (m *Manager) toggleCamera() error {
	st := m.media.State()
	if st.Screen {
		return nil
	}
	m.media.SetCamera(!st.Camera)
	m.captureErr = nil
	m.dirty = true
	m.applyMedia()
	return nil
}

func (m *Manager) startScreenShare() error {
	if m.media.State().Screen {
		return media.ErrScreenActive
	}
	if m.sharing {
		return ErrSharePending
	}
	m.sharing = true
	m.captureErr = nil
	m.dirty = true

	ctx, includeMic := m.ctx, m.media.State().Mic
	go func() {
		s, err := m.media.StartScreenCapture(ctx, includeMic)
		m.post(&screenResult{stream: s, err: err})
	}()
	return nil
}

func (m *Manager) stopScreenShare() error {
	if m.media.StopScreenCapture() {
		m.applyMedia()
	}
	return nil
}

func (m *Manager) teardown() error {
	if m.tornDown {
		return nil
	}
	m.tornDown = true
	m.dirty = true
	m.stopConnectTimer()

	var errs error
	m.media.Release()
	m.local = nil
	m.clearRemote()
	if m.call != nil {
		errs = multierr.Append(errs, m.call.Close())
		m.call = nil
	}
	if m.data != nil {
		errs = multierr.Append(errs, m.data.Close())
		m.data, m.dataOpen = nil, false
	}
	errs = multierr.Append(errs, m.sig.Destroy())
	m.cancel()

	telemetry.SessionStopped()
	log.Infow("session torn down", "local", m.localID, "remote", m.remoteID, "status", m.status)
	return errs
}
