// Package signalingtest provides a scriptable signaling.Client for tests.
package signalingtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/signaling"
	"github.com/petervdpas/peershare/internal/util"
)

// Client is a fake signaling.Client. Inbound events are injected with
// IncomingCall, IncomingConnection, Disconnect and Fail.
type Client struct {
	mu         sync.Mutex
	id         string
	AssignErr  error
	AssignWait chan struct{}
	ConnectErr error
	CallErr    error

	connects  []*DataConnection
	calls     []*Call
	journal   []string
	destroyed bool
	seq       atomic.Int64

	onCall         func(signaling.Call)
	onConnection   func(signaling.DataConnection)
	onDisconnected func(error)
	onError        func(error)
}

var _ signaling.Client = (*Client)(nil)

func NewClient(id string) *Client { return &Client{id: id} }

func (c *Client) AssignIdentity(ctx context.Context) (string, error) {
	c.mu.Lock()
	wait, assignErr := c.AssignWait, c.AssignErr
	c.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return "", &signaling.IdentityAssignmentError{Err: ctx.Err()}
		}
	}
	if assignErr != nil {
		return "", &signaling.IdentityAssignmentError{Err: assignErr}
	}
	c.Record("identity " + c.id)
	return c.id, nil
}

func (c *Client) Connect(_ context.Context, remote string) (signaling.DataConnection, error) {
	c.mu.Lock()
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return nil, &signaling.ConnectionError{Peer: remote, Err: err}
	}
	d := newDataConnection(c, remote)
	c.connects = append(c.connects, d)
	c.mu.Unlock()

	c.Record("connect " + remote)
	return d, nil
}

func (c *Client) PlaceCall(_ context.Context, remote string, stream *media.Stream) (signaling.Call, error) {
	c.mu.Lock()
	if c.CallErr != nil {
		err := c.CallErr
		c.mu.Unlock()
		return nil, &signaling.ConnectionError{Peer: remote, Err: err}
	}
	call := c.newCall(remote)
	call.setSenders(stream)
	c.calls = append(c.calls, call)
	c.mu.Unlock()

	c.Record("call " + remote)
	return call, nil
}

func (c *Client) OnIncomingCall(fn func(signaling.Call)) {
	c.mu.Lock()
	c.onCall = fn
	c.mu.Unlock()
}

func (c *Client) OnIncomingConnection(fn func(signaling.DataConnection)) {
	c.mu.Lock()
	c.onConnection = fn
	c.mu.Unlock()
}

func (c *Client) OnDisconnected(fn func(error)) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

func (c *Client) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Client) Destroy() error {
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	c.Record("destroy")
	return nil
}

// IncomingCall delivers an inbound call from peer.
func (c *Client) IncomingCall(peer string) *Call {
	c.mu.Lock()
	call := c.newCall(peer)
	call.inbound = true
	fn := c.onCall
	c.mu.Unlock()
	if fn != nil {
		fn(call)
	}
	return call
}

// IncomingConnection delivers an inbound data connection from peer. It is
// not open yet.
func (c *Client) IncomingConnection(peer string) *DataConnection {
	d := newDataConnection(c, peer)
	c.mu.Lock()
	fn := c.onConnection
	c.mu.Unlock()
	if fn != nil {
		fn(d)
	}
	return d
}

func (c *Client) Disconnect(err error) {
	c.mu.Lock()
	fn := c.onDisconnected
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) Fail(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) SetAssignWait(ch chan struct{}) {
	c.mu.Lock()
	c.AssignWait = ch
	c.mu.Unlock()
}

func (c *Client) SetConnectErr(err error) {
	c.mu.Lock()
	c.ConnectErr = err
	c.mu.Unlock()
}

// Connects returns the outbound data connections in order.
func (c *Client) Connects() []*DataConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DataConnection(nil), c.connects...)
}

// Calls returns the placed calls in order.
func (c *Client) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Call(nil), c.calls...)
}

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Record appends an entry to the journal shared by the client and its
// handles.
func (c *Client) Record(entry string) {
	c.mu.Lock()
	c.journal = append(c.journal, entry)
	c.mu.Unlock()
}

func (c *Client) Journal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.journal...)
}

// newCall must be called with c.mu held.
func (c *Client) newCall(peer string) *Call {
	return &Call{
		client: c,
		id:     fmt.Sprintf("call-%d", c.seq.Add(1)),
		peer:   peer,
	}
}

// DataConnection is a fake signaling.DataConnection.
type DataConnection struct {
	client *Client
	peer   string
	opened util.Latch[struct{}]
	closed util.Latch[error]
	closes atomic.Int32
}

func newDataConnection(c *Client, peer string) *DataConnection {
	return &DataConnection{client: c, peer: peer}
}

func (d *DataConnection) Peer() string             { return d.peer }
func (d *DataConnection) OnOpen(fn func())         { d.opened.On(func(struct{}) { fn() }) }
func (d *DataConnection) OnClose(fn func(error))   { d.closed.On(fn) }
func (d *DataConnection) IsOpen() bool             { return d.opened.Fired() && !d.closed.Fired() }
func (d *DataConnection) CloseCount() int          { return int(d.closes.Load()) }
func (d *DataConnection) Open()                    { d.opened.Fire(struct{}{}) }
func (d *DataConnection) CloseRemote(err error)    { d.closed.Fire(err) }
func (d *DataConnection) Closed() bool             { return d.closed.Fired() }

func (d *DataConnection) Close() error {
	d.closes.Add(1)
	if d.closed.Fire(nil) {
		d.client.Record("data.close " + d.peer)
	}
	return nil
}

// Call is a fake signaling.Call whose senders record replacements.
type Call struct {
	client  *Client
	id      string
	peer    string
	inbound bool

	mu           sync.Mutex
	senders      []*Sender
	answered     bool
	answeredWith *media.Stream

	stream util.Latch[media.RemoteStream]
	closed util.Latch[error]
}

func (c *Call) ID() string   { return c.id }
func (c *Call) Peer() string { return c.peer }
func (c *Call) Closed() bool { return c.closed.Fired() }

func (c *Call) Answer(stream *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inbound || c.answered {
		return signaling.ErrAlreadyAnswered
	}
	c.answered = true
	c.answeredWith = stream
	c.setSendersLocked(stream)
	return nil
}

// Answered reports whether Answer ran and with which stream.
func (c *Call) Answered() (bool, *media.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered, c.answeredWith
}

func (c *Call) Senders() []media.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]media.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// FakeSenders exposes the concrete senders.
func (c *Call) FakeSenders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

// Sender returns the sender of kind, or nil.
func (c *Call) Sender(kind webrtc.RTPCodecType) *Sender {
	for _, s := range c.FakeSenders() {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (c *Call) OnStream(fn func(media.RemoteStream)) { c.stream.On(fn) }
func (c *Call) OnClose(fn func(error))               { c.closed.On(fn) }

// EmitStream delivers a remote stream to OnStream handlers.
func (c *Call) EmitStream(rs media.RemoteStream) { c.stream.Fire(rs) }

// Hangup closes the call from the remote side.
func (c *Call) Hangup() {
	c.closed.Fire(&signaling.CallTerminatedError{Peer: c.peer})
}

func (c *Call) Close() error {
	if c.closed.Fire(nil) {
		c.client.Record("call.close " + c.peer)
	}
	return nil
}

func (c *Call) setSenders(stream *media.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSendersLocked(stream)
}

func (c *Call) setSendersLocked(stream *media.Stream) {
	c.senders = nil
	for _, t := range stream.Tracks() {
		c.senders = append(c.senders, &Sender{kind: t.Kind(), track: t})
	}
}

// Sender records every track it is handed.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced = append(s.replaced, t)
	return nil
}

func (s *Sender) Replacements() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.replaced...)
}

// RemoteStream is a fake media.RemoteStream.
type RemoteStream struct {
	client  *Client
	id      string
	kinds   []webrtc.RTPCodecType
	stopped atomic.Bool
}

func (c *Client) NewRemoteStream(kinds ...webrtc.RTPCodecType) *RemoteStream {
	return &RemoteStream{client: c, id: fmt.Sprintf("remote-%d", c.seq.Add(1)), kinds: kinds}
}

func (r *RemoteStream) ID() string                   { return r.id }
func (r *RemoteStream) Kinds() []webrtc.RTPCodecType { return r.kinds }
func (r *RemoteStream) Stopped() bool                { return r.stopped.Load() }

func (r *RemoteStream) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		r.client.Record("remote.stop " + r.id)
	}
}
