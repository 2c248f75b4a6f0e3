package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/signaling"
	"github.com/petervdpas/peershare/internal/telemetry"
)

type event interface {
	apply(m *Manager)
}

// discarder is implemented by events that carry a handle which must be
// released if the loop exits before applying them.
type discarder interface {
	discard()
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

func (c *command) apply(m *Manager) {
	err := c.fn()
	if err != nil {
		log.Debugw("command rejected", "cmd", c.name, "err", err)
	}
	c.reply <- err
}

func (c *command) discard() { c.reply <- ErrClosed }

type start struct{}

func (start) apply(m *Manager) {
	m.transition(StatusInitializing, "requesting identity")

	ctx := m.ctx
	go func() {
		id, err := m.sig.AssignIdentity(ctx)
		m.post(&identityResult{id: id, err: err})
	}()
	m.applyMedia()
}

type identityResult struct {
	id  string
	err error
}

func (e *identityResult) apply(m *Manager) {
	if m.status != StatusInitializing {
		return
	}
	if e.err != nil {
		var ie *signaling.IdentityAssignmentError
		if !errors.As(e.err, &ie) {
			e.err = &signaling.IdentityAssignmentError{Err: e.err}
		}
		m.fail(e.err)
		return
	}

	m.localID = e.id
	m.dirty = true
	m.transition(StatusReady, "identity "+e.id)

	if m.role == RoleJoiner {
		if err := m.connectTo(m.remoteID); err != nil {
			m.fail(fmt.Errorf("join %s: %w", m.remoteID, err))
		}
	}
}

type mediaResult struct {
	stream *media.Stream
	err    error
	mic    bool
	camera bool
}

func (e *mediaResult) apply(m *Manager) {
	if e.err != nil {
		if errors.Is(e.err, media.ErrSuperseded) || errors.Is(e.err, media.ErrReleased) || errors.Is(e.err, media.ErrScreenActive) {
			return
		}
		st := m.media.State()
		if st.Screen || st.Mic != e.mic || st.Camera != e.camera {
			// the intent moved on while the prompt was pending
			return
		}
		m.captureErr = e.err
		m.dirty = true

		var ce *media.CaptureError
		if errors.As(e.err, &ce) && ce.Source == media.SourceCamera && e.camera {
			m.media.SetCamera(false)
			log.Infow("camera refused, camera intent reverted", "err", e.err)
			if e.mic {
				m.applyMedia()
			}
		}
		return
	}

	if e.stream != m.media.ActiveStream() {
		return
	}
	m.setLocal(e.stream)
}

type screenResult struct {
	stream *media.Stream
	err    error
}

func (e *screenResult) apply(m *Manager) {
	m.sharing = false
	if e.err != nil {
		if errors.Is(e.err, media.ErrReleased) || errors.Is(e.err, media.ErrScreenActive) {
			return
		}
		m.captureErr = e.err
		m.dirty = true
		return
	}
	if e.stream != m.media.ActiveStream() {
		return
	}
	m.setLocal(e.stream)
}

type screenEnded struct {
	stream *media.Stream
}

func (e *screenEnded) apply(m *Manager) {
	if e.stream != m.media.ActiveStream() {
		return
	}
	log.Infow("screen share ended by the system")
	_ = m.stopScreenShare()
}

type connectResult struct {
	conn   signaling.DataConnection
	err    error
	remote string
}

func (e *connectResult) apply(m *Manager) {
	if e.err != nil {
		if m.status == StatusConnecting && m.remoteID == e.remote {
			m.err = e.err
			m.dirty = true
			m.transition(StatusDisconnected, e.err.Error())
		}
		return
	}
	if m.status != StatusConnecting || m.remoteID != e.remote || m.data != nil {
		_ = e.conn.Close()
		return
	}

	d := e.conn
	m.data = d
	m.dirty = true
	m.connectTimer = time.AfterFunc(m.opts.ConnectTimeout, func() {
		m.post(&connectTimeout{conn: d})
	})
	m.watchData(d)
}

func (e *connectResult) discard() {
	if e.conn != nil {
		_ = e.conn.Close()
	}
}

type connectTimeout struct {
	conn signaling.DataConnection
}

func (e *connectTimeout) apply(m *Manager) {
	if e.conn != m.data || m.status != StatusConnecting || m.dataOpen {
		return
	}
	m.connectTimer = nil
	m.data = nil
	_ = e.conn.Close()

	m.err = &signaling.ConnectionError{Peer: e.conn.Peer(), Err: signaling.ErrConnectTimeout}
	m.dirty = true
	m.transition(StatusDisconnected, m.err.Error())
}

type dataOpened struct {
	conn signaling.DataConnection
}

func (e *dataOpened) apply(m *Manager) {
	if e.conn != m.data {
		return
	}
	m.stopConnectTimer()
	m.dataOpen = true
	m.dirty = true
	m.transition(StatusConnected, "data connection open")
	m.maybePlaceCall()
}

type dataClosed struct {
	conn signaling.DataConnection
	err  error
}

func (e *dataClosed) apply(m *Manager) {
	if e.conn != m.data {
		return
	}
	m.stopConnectTimer()
	m.data, m.dataOpen = nil, false
	m.dirty = true

	reason := "data connection closed"
	if e.err != nil {
		reason = e.err.Error()
		if !signaling.IsRemoteHangup(e.err) {
			m.err = e.err
		}
	}
	m.transition(StatusDisconnected, reason)
}

type incomingConn struct {
	conn signaling.DataConnection
}

func (e *incomingConn) apply(m *Manager) {
	d := e.conn
	if !m.acceptsInbound() || !m.bindRemote(d.Peer()) {
		log.Infow("inbound connection rejected", "peer", d.Peer(), "status", m.status)
		_ = d.Close()
		return
	}
	if m.data != nil {
		_ = m.data.Close()
	}
	m.stopConnectTimer()
	m.data, m.dataOpen = d, false
	m.dirty = true
	m.watchData(d)
	m.transition(StatusConnected, "inbound connection from "+d.Peer())
}

func (e *incomingConn) discard() { _ = e.conn.Close() }

type incomingCall struct {
	call signaling.Call
}

func (e *incomingCall) apply(m *Manager) {
	c := e.call
	if !m.acceptsInbound() || !m.bindRemote(c.Peer()) {
		log.Infow("inbound call rejected", "peer", c.Peer(), "status", m.status)
		_ = c.Close()
		return
	}
	if m.call != nil {
		_ = m.call.Close()
		m.call = nil
	}
	m.clearRemote()

	if err := c.Answer(m.local); err != nil {
		log.Warnw("answer failed", "peer", c.Peer(), "err", err)
		_ = c.Close()
		return
	}
	telemetry.CallAnswered()
	m.adoptCall(c)
	m.transition(StatusConnected, "inbound call from "+c.Peer())
}

func (e *incomingCall) discard() { _ = e.call.Close() }

type callPlaced struct {
	call   signaling.Call
	err    error
	stream *media.Stream
}

func (e *callPlaced) apply(m *Manager) {
	m.placing = false
	if e.err != nil {
		log.Warnw("call placement failed", "remote", m.remoteID, "err", e.err)
		m.err = e.err
		m.dirty = true
		return
	}
	if m.status != StatusConnected || !m.dataOpen || m.call != nil {
		_ = e.call.Close()
		return
	}
	m.adoptCall(e.call)
	if m.local != e.stream {
		m.replaceOnCall()
	}
}

func (e *callPlaced) discard() {
	if e.call != nil {
		_ = e.call.Close()
	}
}

type callStream struct {
	call   signaling.Call
	stream media.RemoteStream
}

func (e *callStream) apply(m *Manager) {
	if e.call != m.call {
		e.stream.Stop()
		return
	}
	m.clearRemote()
	m.remote = e.stream
	m.dirty = true
}

func (e *callStream) discard() { e.stream.Stop() }

type callClosed struct {
	call signaling.Call
	err  error
}

func (e *callClosed) apply(m *Manager) {
	if e.call != m.call {
		return
	}
	m.call = nil
	m.clearRemote()
	m.dirty = true

	reason := "call closed"
	if e.err != nil {
		reason = e.err.Error()
		if !signaling.IsRemoteHangup(e.err) {
			m.err = e.err
		}
	}
	m.transition(StatusDisconnected, reason)
}

type signalingLost struct {
	err error
}

func (e *signalingLost) apply(m *Manager) {
	err := e.err
	if err == nil {
		err = signaling.ErrNotConnected
	}
	switch m.status {
	case StatusConnecting, StatusConnected:
		m.err = err
		m.dirty = true
		m.transition(StatusDisconnected, "broker link lost")
	case StatusIdle, StatusInitializing, StatusReady:
		m.fail(fmt.Errorf("broker link lost: %w", err))
	}
}

type signalingFailed struct {
	err error
}

func (e *signalingFailed) apply(m *Manager) {
	if m.status == StatusError {
		return
	}
	m.fail(e.err)
}
