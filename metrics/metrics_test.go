package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/metrics"
)

func TestCollector_NilIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.ObserveOperation("deposit", "completed")
		c.ObserveApply("credit", "ok", time.Millisecond)
		c.ObserveConflict("balance")
		c.ObserveIncrement()
		c.ObserveReconcile(-3)
		c.ObserveRateLimit("minute", "allowed")
		c.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
}

func TestCollector_HandlerExposesRecordedSeries(t *testing.T) {
	c := metrics.New(nil)
	c.ObserveOperation("deposit", "completed")
	c.ObserveOperation("deposit", "completed")
	c.ObserveRateLimit("minute", "denied")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `txcore_operations_total{outcome="completed",type="deposit"} 2`)
	assert.Contains(t, string(body), `txcore_ratelimit_decisions_total{decision="denied",tier="minute"} 1`)
}

func TestCollector_RegistryGathers(t *testing.T) {
	c := metrics.New(nil)
	c.ObserveIncrement()
	c.ObserveConflict("counter")

	n, err := testutil.GatherAndCount(c.Registry(), "txcore_counter_increments_total", "txcore_version_conflicts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
