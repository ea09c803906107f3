package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pam-backend/pam-backend/internal/telemetry"
)

func newMetricsRouter(handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/api/v1/activity-logs/:modelType/:modelId", handler)
	return r
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/activity-logs/:modelType/:modelId", "status": "200"}
	before := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels)

	r := newMetricsRouter(func(c *gin.Context) { c.Status(http.StatusOK) })
	for _, url := range []string{"/api/v1/activity-logs/Project/1", "/api/v1/activity-logs/Mitra/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, url, nil))
	}

	after := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels)
	if after-before != 2 {
		t.Errorf("http_requests_total delta = %v, want 2", after-before)
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": noRouteLabel, "status": "404"}
	before := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels)

	r := newMetricsRouter(func(c *gin.Context) { c.Status(http.StatusOK) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	after := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels)
	if after-before != 1 {
		t.Errorf("http_requests_total{path=%s} delta = %v, want 1", noRouteLabel, after-before)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/v1/activity-logs/:modelType/:modelId", "status": "500"}
	before := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels)

	r := newMetricsRouter(func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/activity-logs/Project/9", nil))

	if after := telemetry.CounterVecValue(telemetry.HTTPRequestsTotal, labels); after-before != 1 {
		t.Errorf("http_requests_total{status=500} delta = %v, want 1", after-before)
	}
}

func TestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	r := gin.New()
	r.Use(RequestIDMiddleware(), func(c *gin.Context) {
		c.Set(UserIDKey, int64(7))
	}, LoggerMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	req := httptest.NewRequest(http.MethodGet, "/ping?x=1", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	for _, want := range []string{`"msg":"http request"`, `"path":"/ping"`, `"query":"x=1"`, `"status":418`, `"request_id":"req-123"`, `"user_id":7`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %s missing %s", line, want)
		}
	}
}
