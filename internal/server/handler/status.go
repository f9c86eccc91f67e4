package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
	"github.com/murks3r/mexc-sniper-bot-sub011/internal/execution"
)

// Engine is the read side of the execution orchestrator.
type Engine interface {
	GetStatus() execution.Status
	GetExecutionReport(ctx context.Context) execution.ExecutionReport
	Positions() []domain.ExecutionPosition
}

// LockLister lists held resource locks.
type LockLister interface {
	Snapshot() []execution.LockInfo
}

// TriggerLister lists price triggers, optionally for one symbol.
type TriggerLister interface {
	List(symbol string) []domain.PriceTrigger
}

// AuditReader pages through the audit log.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// Section contributes one extra block to the status response.
type Section func() any

// StatusHandler serves the operational read endpoints.
type StatusHandler struct {
	engine   Engine
	locks    LockLister
	triggers TriggerLister
	audit    AuditReader
	sections map[string]Section
	logger   *slog.Logger
}

// StatusOption configures optional sources.
type StatusOption func(*StatusHandler)

// WithLocks exposes the lock registry.
func WithLocks(l LockLister) StatusOption { return func(h *StatusHandler) { h.locks = l } }

// WithTriggers exposes registered price triggers.
func WithTriggers(t TriggerLister) StatusOption { return func(h *StatusHandler) { h.triggers = t } }

// WithAudit exposes the audit log.
func WithAudit(a AuditReader) StatusOption { return func(h *StatusHandler) { h.audit = a } }

// WithSection adds a named block to /api/v1/status, e.g. feed or bus stats.
func WithSection(name string, fn Section) StatusOption {
	return func(h *StatusHandler) { h.sections[name] = fn }
}

// NewStatusHandler creates a StatusHandler over engine.
func NewStatusHandler(engine Engine, logger *slog.Logger, opts ...StatusOption) *StatusHandler {
	h := &StatusHandler{
		engine:   engine,
		sections: make(map[string]Section),
		logger:   logHandler(logger, "status"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// GetStatus responds with the orchestrator status plus any sections.
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"orchestrator": h.engine.GetStatus()}
	for name, fn := range h.sections {
		resp[name] = fn()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetReport responds with the execution report.
// GET /api/v1/report
func (h *StatusHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetExecutionReport(r.Context()))
}

// ListPositions responds with open positions.
// GET /api/v1/positions
func (h *StatusHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Positions()
	if positions == nil {
		positions = []domain.ExecutionPosition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions, "count": len(positions)})
}

// ListLocks responds with held locks sorted by resource.
// GET /api/v1/locks
func (h *StatusHandler) ListLocks(w http.ResponseWriter, r *http.Request) {
	if h.locks == nil {
		writeError(w, http.StatusNotFound, "lock registry not available")
		return
	}
	locks := h.locks.Snapshot()
	if locks == nil {
		locks = []execution.LockInfo{}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].ResourceID < locks[j].ResourceID })
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks, "count": len(locks)})
}

// ListTriggers responds with price triggers. ?symbol= narrows the list.
// GET /api/v1/triggers
func (h *StatusHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	if h.triggers == nil {
		writeError(w, http.StatusNotFound, "price triggers not available")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	triggers := h.triggers.List(symbol)
	if triggers == nil {
		triggers = []domain.PriceTrigger{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers, "count": len(triggers)})
}

// ListAudit pages through the audit log, newest first.
// GET /api/v1/audit
func (h *StatusHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not available")
		return
	}
	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list audit entries", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}
