package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peershare/internal/util"
)

type dataConn struct {
	*peerConn
	opened util.Latch[struct{}]
}

func newDataConn(p *peerConn) *dataConn {
	return &dataConn{peerConn: p}
}

// attach wires the channel's open/close into the connection lifecycle.
func (d *dataConn) attach(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		log.Infow("data connection open", "peer", d.peer, "conn", d.id)
		d.opened.Fire(struct{}{})
	})
	dc.OnClose(func() {
		d.shutdown(&CallTerminatedError{Peer: d.peer}, false)
	})
}

func (d *dataConn) Peer() string { return d.peer }

func (d *dataConn) OnOpen(fn func()) {
	d.opened.On(func(struct{}) { fn() })
}

func (d *dataConn) OnClose(fn func(error)) { d.closed.On(fn) }

func (d *dataConn) Close() error {
	d.shutdown(nil, true)
	return nil
}
