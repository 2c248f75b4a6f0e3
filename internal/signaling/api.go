package signaling

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	pionlog "github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// newAPI builds the pion API shared by every peer connection of a client.
func newAPI(opts BrokerOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs(mediaEngine); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// ICE timeouts come from config; pion defaults drop calls on short NAT hiccups.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepalive)

	lf := pionlog.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLevel(opts.PionLogLevel)
	se.LoggerFactory = lf

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func pionLevel(s string) pionlog.LogLevel {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return pionlog.LogLevelDisabled
	case "error":
		return pionlog.LogLevelError
	case "info":
		return pionlog.LogLevelInfo
	case "debug":
		return pionlog.LogLevelDebug
	case "trace":
		return pionlog.LogLevelTrace
	}
	return pionlog.LogLevelWarn
}

// addRecvOnlyTransceivers keeps an m-line for each kind the local stream
// lacks so the peer can still send it.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, kinds ...webrtc.RTPCodecType) error {
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}
