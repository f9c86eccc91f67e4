package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const probeTimeout = 3 * time.Second

// Probe reports whether one dependency is reachable.
type Probe func(ctx context.Context) error

// HealthChecker is the orchestrator's self-check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	core   HealthChecker
	probes map[string]Probe
	now    func() time.Time
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. probes may be nil.
func NewHealthHandler(core HealthChecker, probes map[string]Probe, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		core:   core,
		probes: probes,
		now:    time.Now,
		logger: logHandler(logger, "health"),
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Orchestrator bool              `json:"orchestrator"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

// HealthCheck reports "healthy" when the orchestrator and every probe pass,
// otherwise "degraded" with 503.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Orchestrator: true}
	if h.core != nil {
		resp.Orchestrator = h.core.HealthCheck(ctx)
	}
	healthy := resp.Orchestrator

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Dependencies = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := h.probes[name](ctx); err != nil {
			h.logger.Warn("dependency unhealthy", slog.String("dependency", name), slog.String("error", err.Error()))
			resp.Dependencies[name] = err.Error()
			healthy = false
			continue
		}
		resp.Dependencies[name] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)
	writeJSON(w, status, resp)
}
