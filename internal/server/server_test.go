package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/execution"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/server/handler"
)

type stubEngine struct{}

func (stubEngine) GetStatus() execution.Status { return execution.Status{} }
func (stubEngine) GetExecutionReport(context.Context) execution.ExecutionReport {
	return execution.ExecutionReport{}
}
func (stubEngine) Positions() []domain.ExecutionPosition { return nil }

type stubHealth struct{}

func (stubHealth) HealthCheck(context.Context) bool { return true }

type denyAll struct{ calls int }

func (d *denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls++
	return false, nil
}

func routes(cfg Config, limiter domain.RateLimiter) http.Handler {
	return Routes(cfg, Handlers{
		Health: handler.NewHealthHandler(stubHealth{}, nil, nil),
		Status: handler.NewStatusHandler(stubEngine{}, nil),
	}, nil, limiter, nil)
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name        string
		description string
		cfg         Config
		method      string
		path        string
		header      map[string]string
		wantCode    int
	}{
		{
			name:        "health open",
			description: "health is reachable without a key",
			cfg:         Config{APIKey: "secret"},
			method:      http.MethodGet,
			path:        "/healthz",
			wantCode:    http.StatusOK,
		},
		{
			name:        "status requires key",
			description: "api routes reject missing credentials",
			cfg:         Config{APIKey: "secret"},
			method:      http.MethodGet,
			path:        "/api/v1/status",
			wantCode:    http.StatusUnauthorized,
		},
		{
			name:        "status with bearer",
			description: "a matching bearer token is accepted",
			cfg:         Config{APIKey: "secret"},
			method:      http.MethodGet,
			path:        "/api/v1/status",
			header:      map[string]string{"Authorization": "Bearer secret"},
			wantCode:    http.StatusOK,
		},
		{
			name:        "status with api key header",
			description: "X-API-Key is an alternative to bearer",
			cfg:         Config{APIKey: "secret"},
			method:      http.MethodGet,
			path:        "/api/v1/report",
			header:      map[string]string{"X-API-Key": "secret"},
			wantCode:    http.StatusOK,
		},
		{
			name:        "read only",
			description: "writes are not routed",
			method:      http.MethodPost,
			path:        "/api/v1/status",
			wantCode:    http.StatusMethodNotAllowed,
		},
		{
			name:        "preflight",
			description: "OPTIONS is answered by CORS before auth",
			cfg:         Config{APIKey: "secret"},
			method:      http.MethodOptions,
			path:        "/api/v1/status",
			header:      map[string]string{"Origin": "http://localhost:3000"},
			wantCode:    http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			routes(tt.cfg, nil).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code, tt.description)
		})
	}
}

func TestRoutesRateLimit(t *testing.T) {
	limiter := &denyAll{}

	rec := httptest.NewRecorder()
	routes(Config{RateLimit: 10, RateWindow: time.Second}, limiter).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, limiter.calls)

	rec = httptest.NewRecorder()
	routes(Config{}, limiter).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "a zero limit disables the limiter")
}
