package execution

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// ResourceID derives the lock key for a trading resource.
func ResourceID(symbol string, side domain.OrderSide, targetID string) string {
	if targetID == "" {
		targetID = "*"
	}
	return fmt.Sprintf("%s:%s:%s", symbol, side, targetID)
}

// LockRequest describes one acquisition attempt. A Timeout <= 0 makes the
// call a try-lock that fails immediately when the resource is held.
type LockRequest struct {
	ResourceID      string
	OwnerID         string
	OwnerType       string
	TransactionType string
	Priority        domain.Priority
	Timeout         time.Duration
}

// LockHandle is held by the owner of a resource. Release is idempotent.
type LockHandle struct {
	ResourceID      string          `json:"resource_id"`
	OwnerID         string          `json:"owner_id"`
	OwnerType       string          `json:"owner_type"`
	TransactionType string          `json:"transaction_type"`
	Priority        domain.Priority `json:"priority"`
	AcquiredAt      time.Time       `json:"acquired_at"`
	TimeoutAt       time.Time       `json:"timeout_at"`

	registry *LockRegistry
	unmirror func()
	once     sync.Once
}

// Release frees the resource and hands it to the next waiter.
func (h *LockHandle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.registry.release(h, false) })
}

// LockInfo is a read snapshot of one held resource.
type LockInfo struct {
	ResourceID      string          `json:"resource_id"`
	OwnerID         string          `json:"owner_id"`
	OwnerType       string          `json:"owner_type"`
	TransactionType string          `json:"transaction_type"`
	Priority        domain.Priority `json:"priority"`
	AcquiredAt      time.Time       `json:"acquired_at"`
	TimeoutAt       time.Time       `json:"timeout_at"`
	QueueLength     int             `json:"queue_length"`
}

// LockStats counts registry activity.
type LockStats struct {
	Held      int   `json:"held"`
	Waiting   int   `json:"waiting"`
	Acquired  int64 `json:"acquired"`
	Timeouts  int64 `json:"timeouts"`
	Cancelled int64 `json:"cancelled"`
	Expired   int64 `json:"expired"`
}

type grant struct {
	handle *LockHandle
	err    error
}

type waiter struct {
	req   LockRequest
	seq   uint64
	ch    chan grant
	index int
}

// waitQueue orders waiters by priority, then arrival.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }
func (q waitQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}
func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}
func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

type lockEntry struct {
	holder *LockHandle
	queue  waitQueue
}

// LockRegistry serialises work per resource. At most one handle exists per
// resource at any time; contenders wait in priority-then-FIFO order. An
// optional distributed LockManager mirrors every grant across processes.
type LockRegistry struct {
	lease     time.Duration
	mirror    domain.LockManager
	now       func() time.Time
	logger    *slog.Logger
	mu        sync.Mutex
	locks     map[string]*lockEntry
	seq       uint64
	acquired  atomic.Int64
	timeouts  atomic.Int64
	cancelled atomic.Int64
	expired   atomic.Int64
}

// NewLockRegistry creates a registry. lease bounds how long a handle may be
// held before ReleaseExpired reclaims it; mirror may be nil.
func NewLockRegistry(lease time.Duration, mirror domain.LockManager, logger *slog.Logger) *LockRegistry {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockRegistry{
		lease:  lease,
		mirror: mirror,
		now:    time.Now,
		logger: logger.With(slog.String("component", "lock_registry")),
		locks:  make(map[string]*lockEntry),
	}
}

// Acquire obtains the resource or fails with ErrLockBusy (try-lock),
// ErrLockTimeout, ErrLockCancelled or the context error.
func (r *LockRegistry) Acquire(ctx context.Context, req LockRequest) (*LockHandle, error) {
	if req.ResourceID == "" {
		return nil, fmt.Errorf("lock: empty resource id: %w", domain.ErrValidation)
	}

	r.mu.Lock()
	e, ok := r.locks[req.ResourceID]
	if !ok {
		e = &lockEntry{}
		r.locks[req.ResourceID] = e
	}
	if e.holder == nil && e.queue.Len() == 0 {
		h := r.grantLocked(e, req)
		r.mu.Unlock()
		return r.mirrorGrant(ctx, h)
	}
	if req.Timeout <= 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", req.ResourceID, domain.ErrLockBusy)
	}
	r.seq++
	w := &waiter{req: req, seq: r.seq, ch: make(chan grant, 1)}
	heap.Push(&e.queue, w)
	r.mu.Unlock()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case g := <-w.ch:
		if g.err != nil {
			return nil, g.err
		}
		return r.mirrorGrant(ctx, g.handle)
	case <-timer.C:
		if r.abandon(w) {
			r.timeouts.Add(1)
			return nil, fmt.Errorf("lock %s: waited %s: %w", req.ResourceID, req.Timeout, domain.ErrLockTimeout)
		}
	case <-ctx.Done():
		if r.abandon(w) {
			return nil, fmt.Errorf("lock %s: %w", req.ResourceID, ctx.Err())
		}
	}
	// Granted or cancelled concurrently with the timeout.
	g := <-w.ch
	if g.err != nil {
		return nil, g.err
	}
	return r.mirrorGrant(ctx, g.handle)
}

// abandon removes w from its queue. It returns false when w was already
// dequeued by a release or cancellation.
func (r *LockRegistry) abandon(w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.index < 0 {
		return false
	}
	e := r.locks[w.req.ResourceID]
	heap.Remove(&e.queue, w.index)
	if e.holder == nil && e.queue.Len() == 0 {
		delete(r.locks, w.req.ResourceID)
	}
	return true
}

func (r *LockRegistry) grantLocked(e *lockEntry, req LockRequest) *LockHandle {
	now := r.now()
	h := &LockHandle{
		ResourceID:      req.ResourceID,
		OwnerID:         req.OwnerID,
		OwnerType:       req.OwnerType,
		TransactionType: req.TransactionType,
		Priority:        req.Priority,
		AcquiredAt:      now,
		TimeoutAt:       now.Add(r.lease),
		registry:        r,
	}
	e.holder = h
	r.acquired.Add(1)
	return h
}

// mirrorGrant takes the distributed lock for h. Failure releases h.
func (r *LockRegistry) mirrorGrant(ctx context.Context, h *LockHandle) (*LockHandle, error) {
	if r.mirror == nil {
		return h, nil
	}
	unlock, err := r.mirror.Acquire(ctx, h.ResourceID, r.lease)
	if err != nil {
		h.Release()
		return nil, fmt.Errorf("lock %s: distributed: %w", h.ResourceID, err)
	}
	h.unmirror = unlock
	return h, nil
}

func (r *LockRegistry) release(h *LockHandle, expired bool) {
	if h.unmirror != nil {
		h.unmirror()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[h.ResourceID]
	if !ok || e.holder != h {
		return
	}
	e.holder = nil
	if expired {
		r.expired.Add(1)
	}
	if e.queue.Len() == 0 {
		delete(r.locks, h.ResourceID)
		return
	}
	next := heap.Pop(&e.queue).(*waiter)
	next.ch <- grant{handle: r.grantLocked(e, next.req)}
}

// CancelWaiters fails every queued waiter with ErrLockCancelled. Held locks
// are untouched. It returns the number of waiters cancelled.
func (r *LockRegistry) CancelWaiters(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.locks {
		for e.queue.Len() > 0 {
			w := heap.Pop(&e.queue).(*waiter)
			w.ch <- grant{err: fmt.Errorf("lock %s: %s: %w", id, reason, domain.ErrLockCancelled)}
			n++
		}
		if e.holder == nil {
			delete(r.locks, id)
		}
	}
	r.cancelled.Add(int64(n))
	if n > 0 {
		r.logger.Warn("cancelled queued lock waiters", slog.Int("count", n), slog.String("reason", reason))
	}
	return n
}

// ReleaseExpired reclaims handles held past their lease.
func (r *LockRegistry) ReleaseExpired() int {
	now := r.now()
	r.mu.Lock()
	var stale []*LockHandle
	for _, e := range r.locks {
		if e.holder != nil && now.After(e.holder.TimeoutAt) {
			stale = append(stale, e.holder)
		}
	}
	r.mu.Unlock()

	for _, h := range stale {
		r.logger.Warn("reclaiming expired lock",
			slog.String("resource_id", h.ResourceID),
			slog.String("owner_id", h.OwnerID),
			slog.Time("acquired_at", h.AcquiredAt),
		)
		h.once.Do(func() { r.release(h, true) })
	}
	return len(stale)
}

// IsLocked reports whether resourceID is held.
func (r *LockRegistry) IsLocked(resourceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.locks[resourceID]
	return ok && e.holder != nil
}

// Snapshot lists held resources sorted by id.
func (r *LockRegistry) Snapshot() []LockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LockInfo, 0, len(r.locks))
	for _, e := range r.locks {
		if e.holder == nil {
			continue
		}
		out = append(out, LockInfo{
			ResourceID:      e.holder.ResourceID,
			OwnerID:         e.holder.OwnerID,
			OwnerType:       e.holder.OwnerType,
			TransactionType: e.holder.TransactionType,
			Priority:        e.holder.Priority,
			AcquiredAt:      e.holder.AcquiredAt,
			TimeoutAt:       e.holder.TimeoutAt,
			QueueLength:     e.queue.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Stats returns registry counters.
func (r *LockRegistry) Stats() LockStats {
	r.mu.Lock()
	st := LockStats{}
	for _, e := range r.locks {
		if e.holder != nil {
			st.Held++
		}
		st.Waiting += e.queue.Len()
	}
	r.mu.Unlock()
	st.Acquired = r.acquired.Load()
	st.Timeouts = r.timeouts.Load()
	st.Cancelled = r.cancelled.Load()
	st.Expired = r.expired.Load()
	return st
}
