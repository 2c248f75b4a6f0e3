package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/proto"
)

var log = logging.Logger("signaling")

const writeWait = 10 * time.Second

// BrokerOptions configures a BrokerClient. Zero durations take defaults.
type BrokerOptions struct {
	URL        string
	ICEServers []webrtc.ICEServer

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration

	IdentityTimeout time.Duration
	// ReadTimeout bounds silence on the broker link; broker pings reset it.
	ReadTimeout time.Duration

	// Codecs registers the codecs of the local capturer. Defaults to the
	// pion default codec set.
	Codecs       func(*webrtc.MediaEngine) error
	PionLogLevel string
	Dialer       *websocket.Dialer
}

func (o BrokerOptions) withDefaults() BrokerOptions {
	if o.ICEDisconnectedTimeout <= 0 {
		o.ICEDisconnectedTimeout = 30 * time.Second
	}
	if o.ICEFailedTimeout <= 0 {
		o.ICEFailedTimeout = 120 * time.Second
	}
	if o.ICEKeepalive <= 0 {
		o.ICEKeepalive = 2 * time.Second
	}
	if o.IdentityTimeout <= 0 {
		o.IdentityTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// BrokerClient implements Client over the websocket broker, with one pion
// PeerConnection per data connection and per call.
type BrokerClient struct {
	opts BrokerOptions
	api  *webrtc.API

	mu        sync.Mutex
	ws        *websocket.Conn
	id        string
	dialing   bool
	destroyed bool
	conns     map[string]*peerConn // conn_id -> connection
	identity  chan string

	writeMu sync.Mutex

	hmu            sync.RWMutex
	onCall         func(Call)
	onConnection   func(DataConnection)
	onDisconnected func(error)
	onError        func(error)
}

var _ Client = (*BrokerClient)(nil)

func NewBrokerClient(opts BrokerOptions) (*BrokerClient, error) {
	if opts.URL == "" {
		return nil, errors.New("broker url is empty")
	}
	opts = opts.withDefaults()
	api, err := newAPI(opts)
	if err != nil {
		return nil, err
	}
	return &BrokerClient{
		opts:     opts,
		api:      api,
		conns:    make(map[string]*peerConn),
		identity: make(chan string, 1),
	}, nil
}

// ID returns the assigned identity, or "" before assignment.
func (c *BrokerClient) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *BrokerClient) AssignIdentity(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch {
	case c.destroyed:
		c.mu.Unlock()
		return "", &IdentityAssignmentError{Err: ErrDestroyed}
	case c.id != "":
		id := c.id
		c.mu.Unlock()
		return id, nil
	case c.dialing:
		c.mu.Unlock()
		return "", &IdentityAssignmentError{Err: errors.New("assignment already in progress")}
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.IdentityTimeout)
	defer cancel()

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return "", &IdentityAssignmentError{Err: fmt.Errorf("dial broker: %w", err)}
	}
	ws.SetReadLimit(64 << 10)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = ws.Close()
		return "", &IdentityAssignmentError{Err: ErrDestroyed}
	}
	c.ws = ws
	c.mu.Unlock()

	readDone := make(chan struct{})
	go c.readLoop(ws, readDone)

	select {
	case id := <-c.identity:
		log.Infow("identity assigned", "id", id, "broker", c.opts.URL)
		return id, nil
	case <-readDone:
		return "", &IdentityAssignmentError{Err: errors.New("broker closed the link before assigning an identity")}
	case <-ctx.Done():
		c.dropLink(ws)
		return "", &IdentityAssignmentError{Err: ctx.Err()}
	}
}

func (c *BrokerClient) Connect(ctx context.Context, remote string) (DataConnection, error) {
	if err := c.checkRemote(ctx, remote); err != nil {
		return nil, err
	}

	p := c.newPeer(uuid.NewString(), remote, proto.KindData)
	d := newDataConn(p)
	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	dc, err := pc.CreateDataChannel(proto.DataChannelLabel, nil)
	if err != nil {
		p.shutdown(nil, false)
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	d.attach(dc)

	c.register(p)
	if err := p.sendOffer(); err != nil {
		p.shutdown(nil, false)
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	log.Infow("connecting", "peer", remote, "conn", p.id)
	return d, nil
}

func (c *BrokerClient) PlaceCall(ctx context.Context, remote string, stream *media.Stream) (Call, error) {
	if err := c.checkRemote(ctx, remote); err != nil {
		return nil, err
	}

	p := c.newPeer(uuid.NewString(), remote, proto.KindMedia)
	call := newCallConn(p, nil)
	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	call.watchTracks(pc)

	if err := addLocalTracks(pc, stream); err != nil {
		p.shutdown(nil, false)
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	var missing []webrtc.RTPCodecType
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if !stream.HasKind(kind) {
			missing = append(missing, kind)
		}
	}
	if err := addRecvOnlyTransceivers(pc, missing...); err != nil {
		p.shutdown(nil, false)
		return nil, &ConnectionError{Peer: remote, Err: err}
	}

	c.register(p)
	if err := p.sendOffer(); err != nil {
		p.shutdown(nil, false)
		return nil, &ConnectionError{Peer: remote, Err: err}
	}
	log.Infow("calling", "peer", remote, "call", p.id, "tracks", len(stream.Tracks()))
	return call, nil
}

func (c *BrokerClient) OnIncomingCall(fn func(Call)) {
	c.hmu.Lock()
	c.onCall = fn
	c.hmu.Unlock()
}

func (c *BrokerClient) OnIncomingConnection(fn func(DataConnection)) {
	c.hmu.Lock()
	c.onConnection = fn
	c.hmu.Unlock()
}

func (c *BrokerClient) OnDisconnected(fn func(error)) {
	c.hmu.Lock()
	c.onDisconnected = fn
	c.hmu.Unlock()
}

func (c *BrokerClient) OnError(fn func(error)) {
	c.hmu.Lock()
	c.onError = fn
	c.hmu.Unlock()
}

// Destroy hangs up every connection and closes the broker link. Idempotent.
func (c *BrokerClient) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conns := make([]*peerConn, 0, len(c.conns))
	for _, p := range c.conns {
		conns = append(conns, p)
	}
	ws := c.ws
	c.mu.Unlock()

	// hangups go out before the link closes
	for _, p := range conns {
		p.shutdown(nil, true)
	}

	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	log.Infow("signaling client destroyed", "id", c.ID())
	return ws.Close()
}

func (c *BrokerClient) checkRemote(ctx context.Context, remote string) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Peer: remote, Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return &ConnectionError{Peer: remote, Err: ErrDestroyed}
	case c.id == "":
		return &ConnectionError{Peer: remote, Err: ErrNoIdentity}
	case c.ws == nil:
		return &ConnectionError{Peer: remote, Err: ErrNotConnected}
	case remote == "":
		return &ConnectionError{Peer: remote, Err: ErrPeerUnavailable}
	case remote == c.id:
		return &ConnectionError{Peer: remote, Err: errors.New("cannot connect to self")}
	}
	return nil
}

func (c *BrokerClient) newPeer(connID, remote, kind string) *peerConn {
	return &peerConn{client: c, id: connID, peer: remote, kind: kind}
}

func (c *BrokerClient) register(p *peerConn) {
	c.mu.Lock()
	c.conns[p.id] = p
	c.mu.Unlock()
}

func (c *BrokerClient) forget(connID string) {
	c.mu.Lock()
	delete(c.conns, connID)
	c.mu.Unlock()
}

func (c *BrokerClient) lookup(connID string) *peerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[connID]
}

func (c *BrokerClient) send(m *proto.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	m.TS = proto.NowMillis()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(m)
}

// dropLink closes ws if it is still the current link.
func (c *BrokerClient) dropLink(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *BrokerClient) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			destroyed := c.destroyed
			current := c.ws == ws
			c.mu.Unlock()
			c.dropLink(ws)
			if destroyed || !current {
				return
			}
			log.Warnw("broker link lost", "err", err)
			c.hmu.RLock()
			fn := c.onDisconnected
			c.hmu.RUnlock()
			if fn != nil {
				fn(err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var m proto.Message
		if err := json.Unmarshal(data, &m); err != nil {
			log.Debugw("bad broker message", "err", err)
			continue
		}
		c.dispatch(&m)
	}
}

func (c *BrokerClient) dispatch(m *proto.Message) {
	switch m.Type {
	case proto.TypeIdentity:
		c.mu.Lock()
		if c.id == "" {
			c.id = m.ID
		}
		c.mu.Unlock()
		select {
		case c.identity <- m.ID:
		default:
		}

	case proto.TypeError:
		if p := c.lookup(m.ConnID); p != nil {
			err := ErrPeerUnavailable
			if m.Code != proto.ErrPeerUnavailable {
				err = &SignalingError{Code: m.Code, Message: m.Error}
			}
			p.shutdown(&ConnectionError{Peer: p.peer, Err: err}, false)
			return
		}
		log.Warnw("broker error", "code", m.Code, "msg", m.Error)
		c.hmu.RLock()
		fn := c.onError
		c.hmu.RUnlock()
		if fn != nil {
			fn(&SignalingError{Code: m.Code, Message: m.Error})
		}

	case proto.TypeOffer:
		if m.SDP == nil || m.From == "" || m.ConnID == "" {
			return
		}
		if c.lookup(m.ConnID) != nil {
			log.Debugw("renegotiation not supported, offer ignored", "conn", m.ConnID)
			return
		}
		switch m.Kind {
		case proto.KindData:
			c.acceptData(m)
		case proto.KindMedia:
			c.acceptCall(m)
		}

	case proto.TypeAnswer:
		p := c.lookup(m.ConnID)
		if p == nil || m.SDP == nil {
			return
		}
		if err := p.setRemote(*m.SDP); err != nil {
			log.Warnw("apply answer", "conn", p.id, "err", err)
			p.shutdown(&ConnectionError{Peer: p.peer, Err: err}, true)
		}

	case proto.TypeCandidate:
		if p := c.lookup(m.ConnID); p != nil && m.Candidate != nil {
			p.addCandidate(*m.Candidate)
		}

	case proto.TypeHangup:
		if p := c.lookup(m.ConnID); p != nil {
			log.Infow("remote hung up", "peer", p.peer, "conn", p.id)
			p.shutdown(&CallTerminatedError{Peer: p.peer}, false)
		}
	}
}

func (c *BrokerClient) acceptData(m *proto.Message) {
	p := c.newPeer(m.ConnID, m.From, proto.KindData)
	d := newDataConn(p)
	pc, err := p.newPeerConnection()
	if err != nil {
		log.Warnw("inbound data connection", "peer", m.From, "err", err)
		return
	}
	pc.OnDataChannel(d.attach)

	c.register(p)
	if err := p.setRemote(*m.SDP); err != nil {
		log.Warnw("apply offer", "peer", m.From, "err", err)
		p.shutdown(err, true)
		return
	}
	if err := p.sendAnswer(); err != nil {
		log.Warnw("answer data connection", "peer", m.From, "err", err)
		p.shutdown(err, true)
		return
	}

	log.Infow("incoming data connection", "peer", m.From, "conn", p.id)
	c.hmu.RLock()
	fn := c.onConnection
	c.hmu.RUnlock()
	if fn == nil {
		p.shutdown(nil, true)
		return
	}
	fn(d)
}

func (c *BrokerClient) acceptCall(m *proto.Message) {
	p := c.newPeer(m.ConnID, m.From, proto.KindMedia)
	call := newCallConn(p, m.SDP)
	c.register(p)

	log.Infow("incoming call", "peer", m.From, "call", p.id)
	c.hmu.RLock()
	fn := c.onCall
	c.hmu.RUnlock()
	if fn == nil {
		p.shutdown(nil, true)
		return
	}
	fn(call)
}
