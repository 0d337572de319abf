package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxgate/boxgate/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	resp, err := http.Get(server.URL + "/some/unknown/path")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	get := func(path string) {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	// Session and tool-call IDs collapse into placeholders.
	beforeWS := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}/ws", "200")
	get("/api/sessions/sess_abc123/ws")
	afterWS := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}/ws", "200")
	assert.Equal(t, float64(1), afterWS-beforeWS)

	beforeHook := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}/tool-calls/{id}/start", "200")
	get("/api/sessions/sess_abc123/tool-calls/call_9/start")
	afterHook := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/api/sessions/{id}/tool-calls/{id}/start", "200")
	assert.Equal(t, float64(1), afterHook-beforeHook)

	// Health and metrics endpoints keep their own labels.
	beforeHealth := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200")
	get("/healthz")
	afterHealth := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200")
	assert.Equal(t, float64(1), afterHealth-beforeHealth)

	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	get("/metrics")
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// Everything else is grouped.
	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	get("/favicon.ico")
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business gauge tests ---

func TestActiveHubsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveHubs)
	metrics.ActiveHubs.Inc()
	after := getGaugeValue(t, metrics.ActiveHubs)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveHubs.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveHubs)
	assert.Equal(t, before, afterDec)
}

func TestConnectedClientsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ConnectedClients)
	metrics.ConnectedClients.Inc()
	after := getGaugeValue(t, metrics.ConnectedClients)
	assert.Equal(t, float64(1), after-before)

	metrics.ConnectedClients.Dec()
	afterDec := getGaugeValue(t, metrics.ConnectedClients)
	assert.Equal(t, before, afterDec)
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
