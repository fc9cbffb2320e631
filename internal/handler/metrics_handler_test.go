package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/internal/service"
)

type overviewServiceStub struct {
	window time.Duration
	err    error
}

func (s *overviewServiceStub) Get(ctx context.Context, window time.Duration) (*service.Overview, error) {
	s.window = window
	if s.err != nil {
		return nil, s.err
	}
	return &service.Overview{}, nil
}

func metricsRouter(h *MetricsHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", h.Prometheus)
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/admin/overview", h.Overview)
	return r
}

func TestMetricsHandlerOverviewWindow(t *testing.T) {
	overview := &overviewServiceStub{}
	router := metricsRouter(NewMetricsHandler(service.NewMetricsService(), overview, nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/overview?window=6h", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6*time.Hour, overview.window)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/overview", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, overview.window)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/overview?window=-1h", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	checks := map[string]ReadinessCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("dial tcp 10.0.0.9:6379: i/o timeout") },
	}
	router := metricsRouter(NewMetricsHandler(nil, nil, checks))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unavailable"`)
	assert.NotContains(t, w.Body.String(), "10.0.0.9")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsHandlerPrometheus(t *testing.T) {
	metrics := service.NewMetricsService()
	metrics.ObserveStaleSweep(2)
	router := metricsRouter(NewMetricsHandler(metrics, nil, nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "stale_sessions_swept_total"))
}
