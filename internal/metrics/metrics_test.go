package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDedup("none", time.Millisecond, []string{"semantic"})
		m.ObserveRouting("reject", 0.1)
		m.ObserveConflict("amount", true)
		m.ObserveTransition("pilot_active", "deprecated")
		m.ObserveValidation("approved")
		m.ObserveMonitoringCheck(false)
		m.CollaboratorFailure("embedding")
		m.ObserveLockWait(time.Millisecond)
		m.ObserveSnapshot("passing")
	})
	assert.NotNil(t, m.Handler())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveDedup("exact_url", 2*time.Millisecond, nil)
	m.ObserveDedup("exact_url", time.Millisecond, []string{"semantic"})
	m.ObserveRouting("auto_approve", 0.95)
	m.ObserveConflict("amount", false)
	m.ObserveMonitoringCheck(true)
	m.ObserveMonitoringCheck(false)
	m.CollaboratorFailure("relevance")

	assert.InDelta(t, 2, testutil.ToFloat64(m.dedupChecks.WithLabelValues("exact_url")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.dedupSkipped.WithLabelValues("semantic")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.routingDecisions.WithLabelValues("auto_approve")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.conflicts.WithLabelValues("amount", "false")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.monitoringChecks.WithLabelValues("failure")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.collaboratorFailures.WithLabelValues("relevance")), 0.001)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTransition("pilot_active", "production_active")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `funding_intake_lifecycle_transitions_total{from="pilot_active",to="production_active"} 1`)
}
