package telemetry

import "github.com/prometheus/client_golang/prometheus"

const namespace = "peershare"

var (
	promSessionsActive prometheus.Gauge
	promBrokerPeers    prometheus.Gauge

	promTransitions     *prometheus.CounterVec
	promCaptureFailures *prometheus.CounterVec
	promReplacements    *prometheus.CounterVec
	promCalls           *prometheus.CounterVec
	promBrokerMessages  *prometheus.CounterVec
)

func init() {
	promSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
	})
	promBrokerPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "peers",
	})

	promTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
	}, []string{"from", "to"})

	promCaptureFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "capture_failures_total",
	}, []string{"source"})

	promReplacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "track_replacements_total",
	}, []string{"kind"})

	promCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "calls_total",
	}, []string{"direction"})

	promBrokerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "messages_total",
	}, []string{"type", "result"})

	prometheus.MustRegister(
		promSessionsActive,
		promBrokerPeers,
		promTransitions,
		promCaptureFailures,
		promReplacements,
		promCalls,
		promBrokerMessages,
	)
}

func SessionStarted() { promSessionsActive.Inc() }
func SessionStopped() { promSessionsActive.Dec() }

func Transition(from, to string) {
	promTransitions.WithLabelValues(from, to).Inc()
}

func CaptureFailed(source string) {
	promCaptureFailures.WithLabelValues(source).Inc()
}

func TrackReplaced(kind string) {
	promReplacements.WithLabelValues(kind).Inc()
}

// CallPlaced and CallAnswered count outbound and inbound calls.
func CallPlaced()   { promCalls.WithLabelValues("outbound").Inc() }
func CallAnswered() { promCalls.WithLabelValues("inbound").Inc() }

func BrokerPeerJoined() { promBrokerPeers.Inc() }
func BrokerPeerLeft()   { promBrokerPeers.Dec() }

// BrokerMessage counts relayed messages by type and result
// (routed, unavailable, limited, invalid).
func BrokerMessage(typ, result string) {
	promBrokerMessages.WithLabelValues(typ, result).Inc()
}
