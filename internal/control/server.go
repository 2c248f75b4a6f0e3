// Package control is the local HTTP surface of a running session: JSON
// snapshots, an SSE feed and the user commands.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/session"
	"github.com/petervdpas/peershare/internal/util"
)

var log = logging.Logger("control")

// Session is the part of *session.Manager the surface drives.
type Session interface {
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	History() []session.Transition
	ConnectTo(remote string) error
	ToggleMic() error
	ToggleCamera() error
	StartScreenShare() error
	StopScreenShare() error
	Teardown() error
}

type Options struct {
	// ShareURL builds the join link for an identity; nil or "" disables it.
	ShareURL  func(id string) string
	Logs      *LogBuffer
	Heartbeat time.Duration
}

type Server struct {
	sess Session
	opts Options
}

func New(sess Session, opts Options) *Server {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 25 * time.Second
	}
	return &Server{sess: sess, opts: opts}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(noCache)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/join/{id}", s.handleJoinLink)

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleHistory)

		r.Post("/connect", s.handleConnect)
		r.Post("/mic/toggle", s.command(s.sess.ToggleMic))
		r.Post("/camera/toggle", s.command(s.sess.ToggleCamera))
		r.Post("/screen/start", s.command(s.sess.StartScreenShare))
		r.Post("/screen/stop", s.command(s.sess.StopScreenShare))
		r.Post("/teardown", s.command(s.sess.Teardown))
	})

	if s.opts.Logs != nil {
		r.Get("/api/logs", s.opts.Logs.serveJSON)
		r.Get("/api/logs/stream", s.opts.Logs.serveSSE)
	}
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// SSE handlers end with ctx
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("control surface listening", "addr", addr)
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view(s.sess.Snapshot()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sess.History())
}

// GET /api/session/events: the current snapshot, then every change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	ch, cancel := s.sess.Subscribe()
	defer cancel()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, "session", s.view(snap))
			flusher.Flush()
		}
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RemoteID string `json:"remote_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	id, err := util.ValidateSessionID(req.RemoteID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sess.ConnectTo(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.view(s.sess.Snapshot()))
}

func (s *Server) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.view(s.sess.Snapshot()))
	}
}

// GET /join/{id} is where share links land.
func (s *Server) handleJoinLink(w http.ResponseWriter, r *http.Request) {
	id, err := util.ValidateSessionID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Join this session with:\n\n  peershare join %s\n", id)
}

func statusFor(err error) int {
	var se *session.StateError
	switch {
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.As(err, &se),
		errors.Is(err, session.ErrRemoteBound),
		errors.Is(err, session.ErrSharePending),
		errors.Is(err, media.ErrScreenActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoRemote), errors.Is(err, session.ErrSelfConnect):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}
