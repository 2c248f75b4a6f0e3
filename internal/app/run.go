// Package app wires configuration, capture, signaling, the session and its
// control surface into one running process.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/peershare/internal/broker"
	"github.com/petervdpas/peershare/internal/config"
	"github.com/petervdpas/peershare/internal/control"
	"github.com/petervdpas/peershare/internal/media"
	"github.com/petervdpas/peershare/internal/session"
	"github.com/petervdpas/peershare/internal/signaling"
	"github.com/petervdpas/peershare/internal/util"
)

var log = logging.Logger("app")

type Mode int

const (
	ModeHost Mode = iota
	ModeJoin
	ModeBroker
)

func (m Mode) String() string {
	switch m {
	case ModeJoin:
		return "join"
	case ModeBroker:
		return "broker"
	}
	return "host"
}

type Options struct {
	Mode    Mode
	CfgPath string
	Cfg     config.Config
	// RemoteID is the host identity a join run connects to.
	RemoteID string
	// EmbedBroker runs a broker on cfg.Broker.Listen next to the session.
	EmbedBroker bool
	// Open launches the control surface in the default browser.
	Open bool
}

// Run blocks until ctx is done or the session is torn down.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.Log.Apply(); err != nil {
		return err
	}
	if opt.Mode == ModeJoin && opt.RemoteID == "" {
		return fmt.Errorf("join: no session id")
	}

	logs := control.NewLogBuffer(800)
	capture := logs.Capture()
	defer capture.Close()

	logBanner(opt)
	watchLogLevel(opt.CfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if opt.Mode == ModeBroker || opt.EmbedBroker {
		b := broker.New(broker.Options{
			MaxPeers:      cfg.Broker.MaxPeers,
			RatePerMinute: cfg.Broker.RatePerMinute,
			PingPeriod:    cfg.Broker.PingPeriod(),
		})
		g.Go(func() error { return b.Run(ctx, cfg.Broker.Listen) })

		if opt.Mode == ModeBroker {
			return g.Wait()
		}
		if err := WaitTCP(cfg.Broker.Listen, 5*time.Second); err != nil {
			cancel()
			return multierr.Append(fmt.Errorf("embedded broker: %w", err), g.Wait())
		}
	}

	sess, err := newSession(cfg, opt)
	if err != nil {
		cancel()
		return multierr.Append(err, g.Wait())
	}

	listen, url := NormalizeLocalControl(cfg.Control.Listen)
	srv := control.New(sess, control.Options{
		ShareURL: cfg.Control.ShareURL,
		Logs:     logs,
	})
	g.Go(func() error { return srv.Run(ctx, listen) })

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-sess.Done():
			log.Infow("session closed, stopping")
			cancel()
		}
		return sess.Teardown()
	})

	g.Go(func() error {
		announce(ctx, sess, cfg.Control.ShareURL)
		return nil
	})

	log.Infow("control surface", "url", url)
	if opt.Open {
		go func() {
			if err := WaitTCP(listen, 5*time.Second); err != nil {
				log.Warnw("control surface not reachable", "err", err)
				return
			}
			if err := util.OpenURL(url); err != nil {
				log.Warnw("open browser", "err", err)
			}
		}()
	}

	return g.Wait()
}

func newSession(cfg config.Config, opt Options) (*session.Manager, error) {
	capturer, err := media.NewDeviceCapturer(media.CaptureOptions{
		Width:        cfg.Media.Width,
		Height:       cfg.Media.Height,
		FrameRate:    cfg.Media.FrameRate,
		VideoBitRate: cfg.Media.VideoBitRate,
		AudioBitRate: cfg.Media.AudioBitRate,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	sig, err := signaling.NewBrokerClient(signaling.BrokerOptions{
		URL:                    cfg.Broker.URL,
		ICEServers:             iceServers(cfg.ICE.Servers),
		ICEDisconnectedTimeout: cfg.ICE.DisconnectedTimeout(),
		ICEFailedTimeout:       cfg.ICE.FailedTimeout(),
		ICEKeepalive:           cfg.ICE.KeepaliveInterval(),
		IdentityTimeout:        cfg.Session.IdentityTimeout(),
		Codecs:                 capturer.RegisterCodecs,
		PionLogLevel:           cfg.ICE.PionLogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("signaling: %w", err)
	}

	ctrl := media.NewController(capturer, cfg.Media.Mic, cfg.Media.Camera)
	return session.New(sig, ctrl, session.Options{
		RemoteID:       opt.RemoteID,
		ConnectTimeout: cfg.Session.ConnectTimeout(),
		HistorySize:    cfg.Session.HistorySize,
	}), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// announce logs the identity and join link once the broker assigned one.
func announce(ctx context.Context, sess *session.Manager, shareURL func(string) string) {
	ch, cancel := sess.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if snap.LocalID == "" {
				continue
			}
			if link := shareURL(snap.LocalID); link != "" {
				log.Infow("session identity", "id", snap.LocalID, "share", link)
			} else {
				log.Infow("session identity", "id", snap.LocalID)
			}
			return
		}
	}
}

func watchLogLevel(path string) {
	if path == "" {
		return
	}
	err := config.Watch(path, func(c config.Config) {
		if err := c.Log.ApplyLevel(); err != nil {
			log.Warnw("log level not applied", "err", err)
		}
	})
	if err != nil {
		log.Debugw("config watch disabled", "file", path, "err", err)
	}
}
