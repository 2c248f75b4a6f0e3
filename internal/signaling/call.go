package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/util"
)

const keyframeInterval = 3 * time.Second

type callConn struct {
	*peerConn
	offer    *webrtc.SessionDescription // inbound only, consumed by Answer
	answered atomic.Bool
	stream   util.Latch[media.RemoteStream]
	remote   *remoteStream
}

func newCallConn(p *peerConn, offer *webrtc.SessionDescription) *callConn {
	c := &callConn{peerConn: p, offer: offer, remote: newRemoteStream(p.id)}
	p.onShutdown = c.remote.Stop
	return c
}

func (c *callConn) ID() string   { return c.id }
func (c *callConn) Peer() string { return c.peer }
func (c *callConn) Closed() bool { return c.closing.Load() }

func (c *callConn) OnStream(fn func(media.RemoteStream)) { c.stream.On(fn) }
func (c *callConn) OnClose(fn func(error))               { c.closed.On(fn) }

func (c *callConn) Close() error {
	c.shutdown(nil, true)
	return nil
}

// Answer accepts an inbound call, sending stream's tracks on the
// transceivers the offer created.
func (c *callConn) Answer(stream *media.Stream) error {
	if c.offer == nil || !c.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}
	if c.Closed() {
		return ErrClosed
	}

	pc, err := c.newPeerConnection()
	if err != nil {
		c.shutdown(err, true)
		return err
	}
	c.watchTracks(pc)

	if err := c.setRemote(*c.offer); err != nil {
		c.shutdown(err, true)
		return err
	}
	if err := addLocalTracks(pc, stream); err != nil {
		c.shutdown(err, true)
		return err
	}
	if err := c.sendAnswer(); err != nil {
		c.shutdown(err, true)
		return err
	}
	log.Infow("call answered", "peer", c.peer, "call", c.id, "tracks", len(stream.Tracks()))
	return nil
}

// Senders lists the senders currently carrying a track.
func (c *callConn) Senders() []media.Sender {
	pc := c.peerConnection()
	if pc == nil || c.Closed() {
		return nil
	}
	var out []media.Sender
	for _, s := range pc.GetSenders() {
		t := s.Track()
		if t == nil {
			continue
		}
		out = append(out, &rtpSender{sender: s, kind: t.Kind()})
	}
	return out
}

func (c *callConn) watchTracks(pc *webrtc.PeerConnection) {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infow("remote track", "peer", c.peer, "call", c.id,
			"kind", track.Kind().String(), "codec", track.Codec().MimeType)
		c.remote.add(pc, track)
		c.stream.Fire(c.remote)
	})
}

func addLocalTracks(pc *webrtc.PeerConnection, stream *media.Stream) error {
	for _, t := range stream.Tracks() {
		sender, err := pc.AddTrack(t)
		if err != nil {
			return err
		}
		go readRTCP(sender)
	}
	return nil
}

// readRTCP drains sender reports so interceptors keep running.
func readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				log.Debugw("keyframe requested by peer")
			}
		}
	}
}

type rtpSender struct {
	sender *webrtc.RTPSender
	kind   webrtc.RTPCodecType
}

func (s *rtpSender) Kind() webrtc.RTPCodecType             { return s.kind }
func (s *rtpSender) Track() webrtc.TrackLocal              { return s.sender.Track() }
func (s *rtpSender) ReplaceTrack(t webrtc.TrackLocal) error { return s.sender.ReplaceTrack(t) }

// RemoteStats are receive counters of a remote stream.
type RemoteStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

// remoteStream drains the peer's tracks and asks for periodic keyframes.
type remoteStream struct {
	id string

	mu    sync.Mutex
	kinds []webrtc.RTPCodecType

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{id: id, stop: make(chan struct{})}
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) Kinds() []webrtc.RTPCodecType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), r.kinds...)
}

func (r *remoteStream) Stats() RemoteStats {
	return RemoteStats{
		Packets: r.packets.Load(),
		Bytes:   r.bytes.Load(),
		Lost:    r.lost.Load(),
	}
}

func (r *remoteStream) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *remoteStream) add(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.kinds = append(r.kinds, track.Kind())
	r.mu.Unlock()

	go r.drain(track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go r.requestKeyframes(pc, track.SSRC())
	}
}

func (r *remoteStream) drain(track *webrtc.TrackRemote) {
	var (
		last uint16
		seen bool
	)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		r.observe(pkt, last, seen)
		last, seen = pkt.SequenceNumber, true
	}
}

func (r *remoteStream) observe(pkt *rtp.Packet, last uint16, seen bool) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(pkt.Payload)))
	if !seen {
		return
	}
	// uint16 arithmetic handles wraparound; large gaps are reorders
	if gap := pkt.SequenceNumber - last; gap > 1 && gap < 1<<15 {
		r.lost.Add(uint64(gap - 1))
	}
}

func (r *remoteStream) requestKeyframes(pc *webrtc.PeerConnection, ssrc webrtc.SSRC) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
				return
			}
		}
	}
}
