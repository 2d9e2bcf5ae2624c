package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"abusedesk/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newMetrics() *monitoring.Metrics {
	reg := prometheus.NewRegistry()
	return monitoring.NewMetricsWithRegistry(reg, reg)
}

func TestMonitoringMiddleware(t *testing.T) {
	t.Run("按路由模板记录请求", func(t *testing.T) {
		metrics := newMetrics()
		mm := NewMonitoringMiddleware(metrics, zap.NewNop())

		r := gin.New()
		r.Use(mm.HTTPMetrics())
		r.GET("/v1/tickets/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

		for _, id := range []string{"a", "b"} {
			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/tickets/"+id, nil))
		}
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/v1/tickets/:id", "200")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	})

	t.Run("panic 恢复为 500", func(t *testing.T) {
		metrics := newMetrics()
		mm := NewMonitoringMiddleware(metrics, zap.NewNop())

		r := gin.New()
		r.Use(mm.PanicRecovery())
		r.GET("/boom", func(c *gin.Context) { panic("boom") })

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"code":500,"msg":"internal server error"}`, rec.Body.String())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/bad", "/fail"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path+"?page=2", nil))
	}

	entries := logs.All()
	if assert.Len(t, entries, 3) {
		assert.Equal(t, "request", entries[0].Message)
		assert.Equal(t, "client error", entries[1].Message)
		assert.Equal(t, "server error", entries[2].Message)
		assert.Equal(t, "page=2", entries[0].ContextMap()["query"])
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(16))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("未超限", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "16", rec.Header().Get("X-Max-Body-Size"))
	})

	t.Run("超限返回 413", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}
