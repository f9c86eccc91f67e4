package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultRetention is how long execution history and closed positions are
// kept in the primary store.
const DefaultRetention = 90 * 24 * time.Hour

// Purger removes rows older than a cutoff.
type Purger interface {
	Name() string
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// PurgeFunc adapts a delete-before function to Purger.
type PurgeFunc struct {
	Label string
	Fn    func(ctx context.Context, before time.Time) (int64, error)
}

func (p PurgeFunc) Name() string { return p.Label }
func (p PurgeFunc) Purge(ctx context.Context, before time.Time) (int64, error) {
	return p.Fn(ctx, before)
}

// RetentionJob purges every target of rows older than retention. All
// targets are attempted even when one fails.
func RetentionJob(retention time.Duration, now func() time.Time, logger *slog.Logger, targets ...Purger) Job {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return JobFunc{JobName: "retention_purge", Fn: func(ctx context.Context) error {
		before := now().Add(-retention)
		var errs []error
		for _, t := range targets {
			n, err := t.Purge(ctx, before)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if n > 0 {
				logger.Info("rows purged", slog.String("target", t.Name()), slog.Int64("rows", n))
			}
		}
		return errors.Join(errs...)
	}}
}

// Archiver moves rows older than a cutoff to cold storage.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveJob archives execution history older than age.
func ArchiveJob(a Archiver, age time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return JobFunc{JobName: "archive_executions", Fn: func(ctx context.Context) error {
		_, err := a.ArchiveExecutions(ctx, now().Add(-age))
		return err
	}}
}

// CountJob runs a maintenance sweep that reports how many items it
// touched, logging non-zero counts.
func CountJob(name string, fn func() int, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return JobFunc{JobName: name, Fn: func(context.Context) error {
		if n := fn(); n > 0 {
			logger.Debug("sweep", slog.String("job", name), slog.Int("items", n))
		}
		return nil
	}}
}

// ErrUnhealthy is returned by HealthJob when the probe fails.
var ErrUnhealthy = errors.New("scheduler: health probe failed")

// HealthJob runs probe; a false result is reported as a job failure.
func HealthJob(probe func(ctx context.Context) bool) Job {
	return JobFunc{JobName: "health_check", Fn: func(ctx context.Context) error {
		if !probe(ctx) {
			return ErrUnhealthy
		}
		return nil
	}}
}
