package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "statusBucket(%d)", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	// Gauges always appear; counters only after the first observation.
	body := w.Body.String()
	assert.Contains(t, body, `habitstakes_db_connections{state="in_use"}`)
	assert.Contains(t, body, "habitstakes_http_requests_in_flight")
	assert.Contains(t, body, "habitstakes_goroutines")
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/internal/escrows/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/internal/escrows/esc_1", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	m := &dto.Metric{}
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/internal/escrows/:id", "4xx").Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	m := &dto.Metric{}
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx").Write(m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
}

func TestRecordDBStats(t *testing.T) {
	RecordDBStats(sql.DBStats{OpenConnections: 7, Idle: 3, InUse: 4, WaitCount: 2, WaitDuration: 1500 * time.Millisecond})

	read := func(g interface{ Write(*dto.Metric) error }) float64 {
		m := &dto.Metric{}
		require.NoError(t, g.Write(m))
		return m.GetGauge().GetValue()
	}
	assert.Equal(t, 7.0, read(DBConnections.WithLabelValues("open")))
	assert.Equal(t, 3.0, read(DBConnections.WithLabelValues("idle")))
	assert.Equal(t, 4.0, read(DBConnections.WithLabelValues("in_use")))
	assert.Equal(t, 2.0, read(DBWaits.WithLabelValues("count")))
	assert.Equal(t, 1.5, read(DBWaits.WithLabelValues("seconds")))
	assert.Positive(t, read(GoroutineCount))
}
