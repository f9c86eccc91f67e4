// Package scheduler runs periodic maintenance jobs on cron schedules. Each
// registration returns a handle that cancels the job; Stop waits for any
// running job to return.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNotStarted is returned by RunNow before Start.
var ErrNotStarted = errors.New("scheduler: not started")

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }

// JobStats describes one registered job.
type JobStats struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Next      *time.Time `json:"next,omitempty"`
}

// Handle cancels one registration.
type Handle struct {
	s  *Scheduler
	id cron.EntryID
}

// Cancel removes the job. A run in progress finishes.
func (h Handle) Cancel() {
	h.s.remove(h.id)
}

type entry struct {
	job      Job
	schedule string
	runs     int64
	failures int64
	lastRun  time.Time
	lastErr  string
}

// Scheduler wraps a seconds-precision cron. Overlapping runs of the same
// job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[cron.EntryID]*entry
}

// New creates a scheduler. timeout bounds each run; zero means one minute.
func New(timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		logger:  logger,
		entries: make(map[cron.EntryID]*entry),
	}
}

// Add registers job on schedule. Schedules take a seconds field
// ("*/5 * * * * *") or a descriptor ("@every 30s", "@daily").
func (s *Scheduler) Add(schedule string, job Job) (Handle, error) {
	e := &entry{job: job, schedule: schedule}
	id, err := s.cron.AddFunc(schedule, func() { s.run(e) })
	if err != nil {
		return Handle{}, fmt.Errorf("scheduler: add %s %q: %w", job.Name(), schedule, err)
	}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	s.logger.Info("job registered", slog.String("job", job.Name()), slog.String("schedule", schedule))
	return Handle{s: s, id: id}, nil
}

func (s *Scheduler) remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Start begins firing jobs. Jobs run with contexts derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}

// RunNow executes the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	var found *entry
	for _, e := range s.entries {
		if e.job.Name() == name {
			found = e
			break
		}
	}
	started := s.ctx != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if found == nil {
		return fmt.Errorf("scheduler: job %s: not registered", name)
	}
	return s.run(found)
}

func (s *Scheduler) run(e *entry) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.runs++
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.failures++
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed",
			slog.String("job", e.job.Name()),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("job completed",
		slog.String("job", e.job.Name()),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

// Stats returns every registered job sorted by name.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.entries))
	for id, e := range s.entries {
		st := JobStats{
			Name:      e.job.Name(),
			Schedule:  e.schedule,
			Runs:      e.runs,
			Failures:  e.failures,
			LastError: e.lastErr,
		}
		if !e.lastRun.IsZero() {
			t := e.lastRun
			st.LastRun = &t
		}
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			st.Next = &next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, slog.String("error", err.Error()))...)
}
