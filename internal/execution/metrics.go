package execution

import (
	"sync/atomic"
	"time"
)

// Metrics are the orchestrator's execution counters.
type Metrics struct {
	TotalExecutions  int64   `json:"total_executions"`
	Successful       int64   `json:"successful"`
	Failed           int64   `json:"failed"`
	RiskRejected     int64   `json:"risk_rejected"`
	LockBusy         int64   `json:"lock_busy"`
	ExchangeRequests int64   `json:"exchange_requests"`
	ExchangeErrors   int64   `json:"exchange_errors"`
	ActiveOrders     int64   `json:"active_orders"`
	ActivePositions  int     `json:"active_positions"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	SuccessRate      float64 `json:"success_rate"`
}

type metrics struct {
	total        atomic.Int64
	successful   atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	busy         atomic.Int64
	requests     atomic.Int64
	exchangeErrs atomic.Int64
	activeOrders atomic.Int64
	latencySum   atomic.Int64
	latencyCount atomic.Int64
}

func (m *metrics) observeLatency(d time.Duration) {
	m.latencySum.Add(d.Milliseconds())
	m.latencyCount.Add(1)
}

func (m *metrics) snapshot(positions int) Metrics {
	out := Metrics{
		TotalExecutions:  m.total.Load(),
		Successful:       m.successful.Load(),
		Failed:           m.failed.Load(),
		RiskRejected:     m.rejected.Load(),
		LockBusy:         m.busy.Load(),
		ExchangeRequests: m.requests.Load(),
		ExchangeErrors:   m.exchangeErrs.Load(),
		ActiveOrders:     m.activeOrders.Load(),
		ActivePositions:  positions,
	}
	if n := m.latencyCount.Load(); n > 0 {
		out.AvgLatencyMs = float64(m.latencySum.Load()) / float64(n)
	}
	if out.TotalExecutions > 0 {
		out.SuccessRate = float64(out.Successful) / float64(out.TotalExecutions) * 100
	}
	return out
}
