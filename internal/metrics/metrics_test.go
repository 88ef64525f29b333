package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersExposed(t *testing.T) {
	m := New()
	m.SelfHealTotal.WithLabelValues("confirm_paid").Inc()
	m.JobRunsTotal.WithLabelValues("renewal-sweep", "ok").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SelfHealTotal.WithLabelValues("confirm_paid")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `billing_self_heal_total{kind="confirm_paid"} 1`))
	assert.True(t, strings.Contains(body, `billing_job_runs_total{job="renewal-sweep",outcome="ok"} 2`))
}
