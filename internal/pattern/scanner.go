package pattern

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// WatchFunc subscribes market data for symbols that produced a match.
type WatchFunc func(ctx context.Context, symbols ...string)

// Scanner polls a listing source and runs the analyzer over each batch.
type Scanner struct {
	source   domain.ListingSource
	analyzer *Analyzer
	watch    WatchFunc
	logger   *slog.Logger

	scans    atomic.Int64
	failures atomic.Int64
	lastScan atomic.Int64 // unix nanos
}

// NewScanner creates a Scanner. watch may be nil.
func NewScanner(source domain.ListingSource, analyzer *Analyzer, watch WatchFunc, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		source:   source,
		analyzer: analyzer,
		watch:    watch,
		logger:   logger.With(slog.String("component", "pattern_scanner")),
	}
}

// Scan fetches symbols and the calendar concurrently and analyzes them.
// One failed fetch is tolerated; both failing is an error.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var (
		snaps    []domain.SymbolSnapshot
		calendar []domain.CalendarEntry
		snapErr  error
		calErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snaps, snapErr = s.source.SymbolSnapshots(gctx)
		return nil
	})
	g.Go(func() error {
		calendar, calErr = s.source.Calendar(gctx)
		return nil
	})
	_ = g.Wait()

	if snapErr != nil && calErr != nil {
		s.failures.Add(1)
		return Result{}, fmt.Errorf("pattern: scan: %w", errors.Join(snapErr, calErr))
	}
	if snapErr != nil {
		s.logger.Warn("symbol snapshot fetch failed", slog.String("error", snapErr.Error()))
	}
	if calErr != nil {
		s.logger.Warn("calendar fetch failed", slog.String("error", calErr.Error()))
	}

	res := s.analyzer.Analyze(Request{Snapshots: snaps, Calendar: calendar})
	s.scans.Add(1)
	s.lastScan.Store(time.Now().UnixNano())

	if s.watch != nil {
		if symbols := tradableSymbols(res.Matches); len(symbols) > 0 {
			s.watch(ctx, symbols...)
		}
	}
	return res, nil
}

// tradableSymbols returns the distinct symbols of ready and pre-ready
// matches, in match order.
func tradableSymbols(matches []domain.PatternMatch) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if m.PatternType != domain.PatternReadyState && m.PatternType != domain.PatternPreReady {
			continue
		}
		if m.Symbol == "" || seen[m.Symbol] {
			continue
		}
		seen[m.Symbol] = true
		out = append(out, m.Symbol)
	}
	return out
}

// ScannerStats is a read snapshot of scanner activity.
type ScannerStats struct {
	Scans    int64      `json:"scans"`
	Failures int64      `json:"failures"`
	Batches  int64      `json:"batches"`
	Errors   int64      `json:"detector_errors"`
	LastScan *time.Time `json:"last_scan,omitempty"`
}

// Stats returns scan counters.
func (s *Scanner) Stats() ScannerStats {
	st := ScannerStats{
		Scans:    s.scans.Load(),
		Failures: s.failures.Load(),
		Batches:  s.analyzer.BatchCount(),
		Errors:   s.analyzer.ErrorCount(),
	}
	if n := s.lastScan.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastScan = &t
	}
	return st
}
