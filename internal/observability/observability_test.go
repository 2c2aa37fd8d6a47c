package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden", "info record leaked at warn level")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err, "invalid level")
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err, "invalid format")
}

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg, "foreman")

	m.ObserveSessionEvent("started")
	m.ObserveSessionEvent("started")
	m.ObserveSessionEvent("stopped")
	m.ObserveTaskEvent("completed")
	m.ObserveTaskDuration(1500 * time.Millisecond)
	m.ObserveQueueTick("idle")
	done := m.StreamOpened("sse")

	body := scrape(t, reg)
	for _, want := range []string{
		"foreman_active_sessions 1",
		`foreman_session_events_total{event="started"} 2`,
		`foreman_stream_clients{transport="sse"} 1`,
		`foreman_task_events_total{event="completed"} 1`,
		`foreman_queue_ticks_total{outcome="idle"} 1`,
		"foreman_task_duration_seconds_count 1",
	} {
		assert.Contains(t, body, want)
	}

	done()
	assert.Contains(t, scrape(t, reg), `foreman_stream_clients{transport="sse"} 0`, "stream gauge decremented")
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	MetricsHandlerFor(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSessionEvent("started")
		m.ObserveTaskEvent("failed")
		m.ObserveTaskDuration(time.Second)
		m.ObserveQueueTick("busy")
		m.StreamOpened("ws")()
	})
}
