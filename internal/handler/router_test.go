package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/middleware"
	"github.com/hitoshi/petsearch/internal/model"
)

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func newTestRouter(t *testing.T, svc SearchServiceInterface, limiterCfg *middleware.RateLimiterConfig) (http.Handler, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	deps := &RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		SearchService:     svc,
		HealthChecker:     &mockHealthChecker{},
		Gatherer:          reg,
	}
	if limiterCfg != nil {
		rl := middleware.NewRateLimiter(*limiterCfg, nil)
		t.Cleanup(rl.Stop)
		deps.RateLimiter = rl
	}
	return NewRouter(deps), reg
}

func TestNewRouter_Routes(t *testing.T) {
	router, _ := newTestRouter(t, &mockSearchService{}, nil)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/search", "", http.StatusOK},
		{http.MethodPost, "/api/search/start", "", http.StatusAccepted},
		{http.MethodPut, "/api/search/location", `{"location":"Austin"}`, http.StatusAccepted},
		{http.MethodPut, "/api/search/parameters", `{"type":"cat"}`, http.StatusAccepted},
		{http.MethodGet, "/api/suggestions", "", http.StatusOK},
		{http.MethodPost, "/api/location", `{"latitude":30.27,"longitude":-97.74}`, http.StatusNoContent},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
		{http.MethodDelete, "/api/search", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestNewRouter_NotFoundUsesUnifiedFormat(t *testing.T) {
	router, _ := newTestRouter(t, &mockSearchService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feeds", nil))

	if body := decodeError(t, w); body.Code != model.ErrCodeNotFound {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotFound)
	}
}

func TestNewRouter_AppliesMiddlewareChain(t *testing.T) {
	router, _ := newTestRouter(t, &mockSearchService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search", nil))

	resp := w.Result()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestNewRouter_PanicIsRecovered(t *testing.T) {
	svc := &mockSearchService{
		startSearchFn: func() error { panic("boom") },
	}
	router, _ := newTestRouter(t, svc, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/search/start", nil))

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}
}

func TestNewRouter_InputRateLimit(t *testing.T) {
	cfg := middleware.RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    100,
		InputRate:       0.1,
		InputBurst:      2,
		CleanupInterval: time.Minute,
	}
	router, _ := newTestRouter(t, &mockSearchService{}, &cfg)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/search/location", strings.NewReader(`{"location":"Aus"}`)))
		statuses = append(statuses, w.Result().StatusCode)
	}

	if statuses[0] != http.StatusAccepted || statuses[1] != http.StatusAccepted {
		t.Errorf("first requests = %v, want 202", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want %d", statuses[2], http.StatusTooManyRequests)
	}

	// 参照系は入力制限の影響を受けない
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /api/search status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}

	// ヘルスチェックはレート制限の外
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name    string
		checker HealthChecker
		want    int
	}{
		{"no checker", nil, http.StatusOK},
		{"healthy", &mockHealthChecker{}, http.StatusOK},
		{"stopped", &mockHealthChecker{pingFn: func(ctx context.Context) error {
			return errors.New("stopped")
		}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tt.checker)(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Result().StatusCode != tt.want {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.want)
			}
		})
	}
}

func TestNewRouter_MetricsExposition(t *testing.T) {
	router, _ := newTestRouter(t, &mockSearchService{}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	if !strings.Contains(body, "petsearch_search_latency_seconds") {
		t.Errorf("metrics output should contain search latency histogram, got:\n%s", body)
	}
}
