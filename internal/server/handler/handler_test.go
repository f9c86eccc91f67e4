package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/execution"
)

type fakeEngine struct {
	status    execution.Status
	positions []domain.ExecutionPosition
}

func (f *fakeEngine) GetStatus() execution.Status { return f.status }
func (f *fakeEngine) GetExecutionReport(context.Context) execution.ExecutionReport {
	return execution.ExecutionReport{SuccessRate: 0.5}
}
func (f *fakeEngine) Positions() []domain.ExecutionPosition { return f.positions }

type fakeHealth bool

func (f fakeHealth) HealthCheck(context.Context) bool { return bool(f) }

type fakeTriggers []domain.PriceTrigger

func (f fakeTriggers) List(symbol string) []domain.PriceTrigger {
	var out []domain.PriceTrigger
	for _, t := range f {
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}

type fakeAudit struct {
	opts domain.ListOpts
	err  error
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return []domain.AuditEntry{{ID: 1, Event: "orchestrator.start"}}, nil
}

type fakeLocks []execution.LockInfo

func (f fakeLocks) Snapshot() []execution.LockInfo { return f }

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		description string
		core        HealthChecker
		probes      map[string]Probe
		wantCode    int
		wantStatus  string
	}{
		{
			name:        "healthy",
			description: "orchestrator and every probe pass",
			core:        fakeHealth(true),
			probes:      map[string]Probe{"postgres": func(context.Context) error { return nil }},
			wantCode:    http.StatusOK,
			wantStatus:  "healthy",
		},
		{
			name:        "orchestrator unhealthy",
			description: "a failed self-check degrades the service",
			core:        fakeHealth(false),
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  "degraded",
		},
		{
			name:        "probe failure",
			description: "an unreachable dependency degrades the service",
			core:        fakeHealth(true),
			probes:      map[string]Probe{"redis": func(context.Context) error { return errors.New("dial tcp: refused") }},
			wantCode:    http.StatusServiceUnavailable,
			wantStatus:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.core, tt.probes, nil)
			rec := httptest.NewRecorder()
			h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code, tt.description)
			assert.Equal(t, tt.wantStatus, decode(t, rec)["status"], tt.description)
		})
	}
}

func TestStatusHandlerSections(t *testing.T) {
	engine := &fakeEngine{status: execution.Status{State: domain.StateActive, IsActive: true}}
	h := NewStatusHandler(engine, nil, WithSection("feed", func() any { return map[string]int{"ticks": 3} }))

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	orch, ok := body["orchestrator"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, orch["is_active"])
	assert.Equal(t, map[string]any{"ticks": float64(3)}, body["feed"])
}

func TestListPositionsEmpty(t *testing.T) {
	h := NewStatusHandler(&fakeEngine{}, nil)
	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil))

	body := decode(t, rec)
	assert.Equal(t, []any{}, body["positions"])
	assert.Equal(t, float64(0), body["count"])
}

func TestListTriggers(t *testing.T) {
	triggers := fakeTriggers{
		{ID: "t1", Symbol: "AAAUSDT", Type: domain.TriggerPriceAbove},
		{ID: "t2", Symbol: "BBBUSDT", Type: domain.TriggerPriceBelow},
	}
	tests := []struct {
		name        string
		description string
		target      string
		wantCount   float64
	}{
		{name: "all", description: "no symbol lists every trigger", target: "/api/v1/triggers", wantCount: 2},
		{name: "by symbol", description: "symbol is normalised to upper case", target: "/api/v1/triggers?symbol=aaausdt", wantCount: 1},
		{name: "no match", description: "unknown symbol yields an empty list", target: "/api/v1/triggers?symbol=ZZZUSDT", wantCount: 0},
	}

	h := NewStatusHandler(&fakeEngine{}, nil, WithTriggers(triggers))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListTriggers(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantCount, decode(t, rec)["count"], tt.description)
		})
	}
}

func TestListLocksSorted(t *testing.T) {
	h := NewStatusHandler(&fakeEngine{}, nil, WithLocks(fakeLocks{
		{ResourceID: "BBBUSDT:buy:*"},
		{ResourceID: "AAAUSDT:buy:*"},
	}))
	rec := httptest.NewRecorder()
	h.ListLocks(rec, httptest.NewRequest(http.MethodGet, "/api/v1/locks", nil))

	body := decode(t, rec)
	locks := body["locks"].([]any)
	require.Len(t, locks, 2)
	assert.Equal(t, "AAAUSDT:buy:*", locks[0].(map[string]any)["resource_id"])
}

func TestMissingSources(t *testing.T) {
	h := NewStatusHandler(&fakeEngine{}, nil)
	for _, fn := range []http.HandlerFunc{h.ListLocks, h.ListTriggers, h.ListAudit} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestListAudit(t *testing.T) {
	t.Run("passes list options", func(t *testing.T) {
		audit := &fakeAudit{}
		h := NewStatusHandler(&fakeEngine{}, nil, WithAudit(audit))
		rec := httptest.NewRecorder()
		h.ListAudit(rec, httptest.NewRequest(http.MethodGet,
			"/api/v1/audit?limit=900&offset=10&since=2026-01-02T00:00:00Z&until=bogus", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 500, audit.opts.Limit)
		assert.Equal(t, 10, audit.opts.Offset)
		require.NotNil(t, audit.opts.Since)
		assert.True(t, audit.opts.Since.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
		assert.Nil(t, audit.opts.Until)
		assert.Len(t, decode(t, rec)["entries"], 1)
	})

	t.Run("store failure", func(t *testing.T) {
		h := NewStatusHandler(&fakeEngine{}, nil, WithAudit(&fakeAudit{err: errors.New("conn reset")}))
		rec := httptest.NewRecorder()
		h.ListAudit(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestGetReport(t *testing.T) {
	h := NewStatusHandler(&fakeEngine{}, nil)
	rec := httptest.NewRecorder()
	h.GetReport(rec, httptest.NewRequest(http.MethodGet, "/api/v1/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, decode(t, rec)["success_rate"])
}
