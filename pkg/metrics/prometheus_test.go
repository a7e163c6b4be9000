package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// One shared instance: promauto registers on the default registry, so
// NewMetrics must run once per process.
var testMetrics = NewMetrics("test-service")

func TestActiveCallsGauge(t *testing.T) {
	testMetrics.SetActiveCalls(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(testMetrics.callsActive))

	testMetrics.SetActiveCalls(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(testMetrics.callsActive))
}

func TestCallCounters(t *testing.T) {
	testMetrics.RecordCall("audio", "offered")
	testMetrics.RecordCall("audio", "offered")
	assert.Equal(t, 2.0, testutil.ToFloat64(testMetrics.callsTotal.WithLabelValues("audio", "offered")))

	// Histogram observation must not panic.
	testMetrics.RecordCallDuration("audio", 42*time.Second)
}

func TestWebSocketConnectionsGauge(t *testing.T) {
	testMetrics.SetWebSocketConnections(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(testMetrics.websocketConnections))
}
