package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ErrorCaptured("shop", "http")
	m.ErrorCaptured("shop", "http")
	m.ErrorFiltered("status")
	m.GroupFlushed("threshold", 5)
	m.GroupFlushed("threshold", 3)
	m.SinkFailed("webhook")
	m.BatchInserted(10)
	m.InsertFailed(2)
	m.RetentionDeleted(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.errorsCaptured.WithLabelValues("shop", "http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsFiltered.WithLabelValues("status")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.groupFlushes.WithLabelValues("threshold")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.flushedErrors.WithLabelValues("threshold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sinkFailures.WithLabelValues("webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.insertBatches))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.insertedErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.insertFailures))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.retentionPurge))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ErrorCaptured("a", "b")
		m.GroupFlushed("manual", 1)
		m.RegisterGauge("x", "y", func() float64 { return 1 })
		m.BatchInserted(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesGauge(t *testing.T) {
	m := New()
	m.RegisterGauge("active_groups", "Live error groups", func() float64 { return 4 })
	m.ErrorCaptured("shop", "tcp")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "faultline_active_groups 4")
	assert.Contains(t, string(body), `faultline_errors_captured_total{application="shop",source="tcp"} 1`)
}
