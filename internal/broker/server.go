// Package broker is a small websocket rendezvous broker: it hands every
// link a session identity and relays addressed setup messages between
// links. Media never passes through it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/peershare/internal/proto"
	"github.com/petervdpas/peershare/internal/telemetry"
	"github.com/petervdpas/peershare/internal/util"
)

var log = logging.Logger("broker")

const (
	writeWait   = 10 * time.Second
	maxMsgBytes = 64 << 10
	sendBuffer  = 64
)

type Options struct {
	MaxPeers      int
	RatePerMinute int
	PingPeriod    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPeers <= 0 {
		o.MaxPeers = 1024
	}
	if o.RatePerMinute <= 0 || o.RatePerMinute > rateBucketCap {
		o.RatePerMinute = rateBucketCap
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	return o
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*link

	logs *util.RingBuffer[string]

	// per-link rate limiter for relayed messages
	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket
}

// rateBucket is a fixed-size ring of timestamps.
const rateBucketCap = 600

type rateBucket struct {
	times [rateBucketCap]time.Time
	head  int
	count int
}

type link struct {
	id       string
	remoteIP string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

// enqueue drops the message if the link is slow rather than block the sender.
func (l *link) enqueue(b []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.send <- b:
		return true
	default:
		return false
	}
}

func New(opts Options) *Server {
	return &Server{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers:      make(map[string]*link),
		logs:       util.NewRingBuffer[string](200),
		rateWindow: make(map[string]*rateBucket),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proto.BrokerPath, s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/peers.json", s.handlePeersJSON)
	mux.HandleFunc("/logs.json", s.handleLogsJSON)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupRateLimiter()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Infow("broker listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// PeerCount returns the number of connected links.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("upgrade failed", "err", err)
		return
	}
	ws.SetReadLimit(maxMsgBytes)

	l := &link{
		id:       uuid.NewString(),
		remoteIP: extractIP(r.RemoteAddr),
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	if err := s.addPeer(l); err != nil {
		b, _ := json.Marshal(proto.Message{Type: proto.TypeError, Code: "full", Error: err.Error()})
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, b)
		_ = ws.Close()
		return
	}
	defer s.removePeer(l)

	go s.writePump(l)

	s.reply(l, &proto.Message{Type: proto.TypeIdentity, ID: l.id})
	s.readPump(l)
}

func (s *Server) readPump(l *link) {
	pongWait := 2 * s.opts.PingPeriod
	_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("link read", "peer", l.id, "err", err)
			}
			return
		}
		_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))

		var m proto.Message
		if err := json.Unmarshal(data, &m); err != nil || !m.Routed() || m.To == "" {
			telemetry.BrokerMessage(m.Type, "invalid")
			s.reply(l, &proto.Message{Type: proto.TypeError, Code: proto.ErrBadMessage, ConnID: m.ConnID})
			continue
		}
		s.relay(l, &m)
	}
}

func (s *Server) relay(from *link, m *proto.Message) {
	if !s.allow(from.id) {
		telemetry.BrokerMessage(m.Type, "limited")
		s.reply(from, &proto.Message{Type: proto.TypeError, Code: proto.ErrRateLimited, ConnID: m.ConnID, To: m.To})
		return
	}

	m.From = from.id
	s.mu.Lock()
	target := s.peers[m.To]
	s.mu.Unlock()

	if target == nil {
		telemetry.BrokerMessage(m.Type, "unavailable")
		// a hangup to a vanished peer needs no answer
		if m.Type != proto.TypeHangup {
			s.reply(from, &proto.Message{
				Type:   proto.TypeError,
				Code:   proto.ErrPeerUnavailable,
				Error:  fmt.Sprintf("peer %s is not connected", m.To),
				ConnID: m.ConnID,
				To:     m.To,
			})
		}
		return
	}

	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if !target.enqueue(b) {
		telemetry.BrokerMessage(m.Type, "dropped")
		log.Debugw("slow link, message dropped", "peer", target.id, "type", m.Type)
		return
	}
	telemetry.BrokerMessage(m.Type, "routed")
}

func (s *Server) reply(l *link, m *proto.Message) {
	m.TS = proto.NowMillis()
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	l.enqueue(b)
}

func (s *Server) writePump(l *link) {
	ticker := time.NewTicker(s.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = l.ws.Close()
	}()

	for {
		select {
		case <-l.done:
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case b := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) addPeer(l *link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.peers) >= s.opts.MaxPeers {
		return fmt.Errorf("too many peers (%d)", s.opts.MaxPeers)
	}
	s.peers[l.id] = l
	telemetry.BrokerPeerJoined()
	s.addLog(fmt.Sprintf("peer %s joined from %s", l.id, l.remoteIP))
	return nil
}

func (s *Server) removePeer(l *link) {
	s.mu.Lock()
	if _, ok := s.peers[l.id]; ok {
		delete(s.peers, l.id)
		telemetry.BrokerPeerLeft()
	}
	s.mu.Unlock()

	l.close()
	s.rateMu.Lock()
	delete(s.rateWindow, l.id)
	s.rateMu.Unlock()
	s.addLog(fmt.Sprintf("peer %s left", l.id))
}

// Close drops every link.
func (s *Server) Close() {
	s.mu.Lock()
	links := make([]*link, 0, len(s.peers))
	for _, l := range s.peers {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

func (s *Server) addLog(msg string) {
	s.logs.Push(time.Now().Format(time.RFC3339) + " " + msg)
	log.Debug(msg)
}

func (s *Server) handlePeersJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"peers": s.PeerCount()})
}

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(s.logs.Snapshot())
}

// allow checks the per-link sliding window rate limit.
func (s *Server) allow(id string) bool {
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	bucket, ok := s.rateWindow[id]
	if !ok {
		bucket = &rateBucket{}
		s.rateWindow[id] = bucket
	}
	bucket.trim(cutoff)

	if bucket.count >= s.opts.RatePerMinute {
		return false
	}
	bucket.times[(bucket.head+bucket.count)%rateBucketCap] = now
	bucket.count++
	return true
}

func (s *Server) cleanupRateLimiter() {
	cutoff := time.Now().Add(-time.Minute)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	for id, bucket := range s.rateWindow {
		bucket.trim(cutoff)
		if bucket.count == 0 {
			delete(s.rateWindow, id)
		}
	}
}

// trim drops timestamps at or before cutoff.
func (b *rateBucket) trim(cutoff time.Time) {
	for b.count > 0 {
		if b.times[b.head].After(cutoff) {
			return
		}
		b.head = (b.head + 1) % rateBucketCap
		b.count--
	}
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
