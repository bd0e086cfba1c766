package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptOutcome_TrimsReasonDetail(t *testing.T) {
	before := testutil.ToFloat64(attemptOutcomes.WithLabelValues("FAILED", "DISPATCH_ERROR"))
	AttemptOutcome("FAILED", "DISPATCH_ERROR:connection refused")
	after := testutil.ToFloat64(attemptOutcomes.WithLabelValues("FAILED", "DISPATCH_ERROR"))
	assert.Equal(t, before+1, after)
}

func TestMiddleware_RecordsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/api/tasks/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/abc", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/tasks/:id", "204"))
	assert.GreaterOrEqual(t, got, 1.0)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "http_requests_total"))
}
