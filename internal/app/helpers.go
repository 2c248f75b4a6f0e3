package app

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// NormalizeLocalControl keeps the control surface on loopback and returns
// the listen addr and the browser URL.
func NormalizeLocalControl(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(opt Options) {
	log.Info("────────────────────────────────────────")
	log.Infof("peershare %s", opt.Mode)
	if opt.CfgPath != "" {
		log.Infof(" Config file : %s", opt.CfgPath)
	}
	switch opt.Mode {
	case ModeBroker:
		log.Infof(" Broker      : %s", opt.Cfg.Broker.Listen)
	case ModeJoin:
		log.Infof(" Joining     : %s", opt.RemoteID)
		log.Infof(" Broker      : %s", opt.Cfg.Broker.URL)
	default:
		log.Infof(" Broker      : %s", opt.Cfg.Broker.URL)
	}
	log.Info("────────────────────────────────────────")
}
