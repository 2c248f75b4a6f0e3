package signaling

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/proto"
	"github.com/petervdpas/peershare/internal/util"
)

// peerConn is the part shared by data connections and calls: one pion
// PeerConnection, trickle ICE over the broker and a one-shot close.
type peerConn struct {
	client *BrokerClient
	id     string
	peer   string
	kind   string

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	remoteSet bool
	pending   []webrtc.ICECandidateInit // remote candidates before the remote description

	closing    atomic.Bool
	closed     util.Latch[error]
	onShutdown func()
}

func (p *peerConn) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := p.client.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: p.client.opts.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := p.send(&proto.Message{Type: proto.TypeCandidate, Candidate: &init}); err != nil {
			log.Debugw("send candidate", "conn", p.id, "err", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugw("peer connection state", "peer", p.peer, "conn", p.id, "kind", p.kind, "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			p.shutdown(&ConnectionError{Peer: p.peer, Err: ErrICEFailed}, true)
		}
	})

	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	if p.closing.Load() {
		_ = pc.Close()
		return nil, ErrClosed
	}
	return pc, nil
}

func (p *peerConn) peerConnection() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

func (p *peerConn) send(m *proto.Message) error {
	m.To = p.peer
	m.ConnID = p.id
	m.Kind = p.kind
	return p.client.send(m)
}

// sendOffer sends the offer before applying it locally so our first
// candidates cannot overtake it on the broker link.
func (p *peerConn) sendOffer() error {
	pc := p.peerConnection()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.send(&proto.Message{Type: proto.TypeOffer, SDP: &offer}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (p *peerConn) sendAnswer() error {
	pc := p.peerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.send(&proto.Message{Type: proto.TypeAnswer, SDP: &answer}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

// setRemote applies the remote description and flushes buffered candidates.
func (p *peerConn) setRemote(sdp webrtc.SessionDescription) error {
	pc := p.peerConnection()
	if pc == nil {
		return ErrClosed
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Debugw("add buffered candidate", "conn", p.id, "err", err)
		}
	}
	return nil
}

func (p *peerConn) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if p.pc == nil || !p.remoteSet {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		log.Debugw("add candidate", "conn", p.id, "err", err)
	}
}

// shutdown closes the connection once. notify tells the remote side; err
// is the reason handed to OnClose handlers (nil for a local close).
func (p *peerConn) shutdown(err error, notify bool) {
	if !p.closing.CompareAndSwap(false, true) {
		return
	}
	p.client.forget(p.id)
	if notify {
		if serr := p.send(&proto.Message{Type: proto.TypeHangup}); serr != nil {
			log.Debugw("send hangup", "conn", p.id, "err", serr)
		}
	}
	if p.onShutdown != nil {
		p.onShutdown()
	}
	if pc := p.peerConnection(); pc != nil {
		if cerr := pc.Close(); cerr != nil {
			log.Debugw("close peer connection", "conn", p.id, "err", cerr)
		}
	}

	log.Infow("connection closed", "peer", p.peer, "conn", p.id, "kind", p.kind, "reason", err)
	p.closed.Fire(err)
}
