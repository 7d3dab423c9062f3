package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveFlow(t *testing.T) {
	m := New()
	m.ObserveFlow("optimize", "openai", OutcomeSuccess, 2*time.Second)
	m.ObserveFlow("optimize", "openai", OutcomeSuccess, time.Second)
	m.ObserveFlow("iterate", "openai", OutcomeError, time.Second)

	require.Equal(t, 2.0, testutil.ToFloat64(m.flows.WithLabelValues("optimize", "openai", OutcomeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.flows.WithLabelValues("iterate", "openai", OutcomeError)))
}

func TestSetHistory(t *testing.T) {
	m := New()
	m.SetHistory(7, 3)
	require.Equal(t, 7.0, testutil.ToFloat64(m.historyRecords))
	require.Equal(t, 3.0, testutil.ToFloat64(m.historyChains))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFlow("optimize", "x", OutcomeSuccess, time.Second)
	m.AddStreamToken("optimize")
	m.SetHistory(1, 1)
	m.ObserveHTTP("GET", "/", 200, time.Millisecond)
}

func TestHandler(t *testing.T) {
	m := New()
	m.AddStreamToken("optimize")
	m.ObserveHTTP("GET", "/api/health", 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `promptsmith_stream_tokens_total{flow="optimize"} 1`)
	require.Contains(t, body, `promptsmith_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}
