package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(promTransitions.WithLabelValues("ready", "connecting"))
	Transition("ready", "connecting")
	assert.Equal(t, before+1, testutil.ToFloat64(promTransitions.WithLabelValues("ready", "connecting")))

	SessionStarted()
	SessionStarted()
	SessionStopped()
	assert.Equal(t, float64(1), testutil.ToFloat64(promSessionsActive))
	SessionStopped()

	TrackReplaced("video")
	assert.Equal(t, float64(1), testutil.ToFloat64(promReplacements.WithLabelValues("video")))
}
