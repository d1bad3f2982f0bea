// Package registry bounds the number of concurrently open backend
// subscriptions and guarantees every subscription is eventually released.
// All components funnel their subscription lifetimes through one injected
// Registry instance so the global budget holds across features.
package registry

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults matching the backend connection budget.
const (
	DefaultCapacity      = 20
	DefaultSweepInterval = 10 * time.Minute
	DefaultMaxAge        = time.Hour
)

type entry struct {
	id           string
	cleanup      func()
	registeredAt time.Time
}

// Registry is a bounded store of active subscription handles with
// oldest-first eviction and periodic expiry.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	capacity int
	logger   *zap.Logger
	cancel   context.CancelFunc

	now func() time.Time // test hook
}

// New creates a registry with the given capacity. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries:  make(map[string]*entry),
		capacity: capacity,
		logger:   logger,
		now:      time.Now,
	}
}

// Register stores a subscription handle. If id is already registered its
// existing cleanup runs first (idempotent replace). At capacity, the oldest
// 20% of entries are evicted, their cleanups invoked.
func (r *Registry) Register(id string, cleanup func()) {
	var toClean []*entry

	r.mu.Lock()
	if existing, ok := r.entries[id]; ok {
		toClean = append(toClean, existing)
		delete(r.entries, id)
	}
	if len(r.entries) >= r.capacity {
		toClean = append(toClean, r.popOldestLocked()...)
	}
	r.entries[id] = &entry{id: id, cleanup: cleanup, registeredAt: r.now()}
	r.mu.Unlock()

	for _, e := range toClean {
		r.runCleanup(e)
	}
}

// Unregister invokes the entry's cleanup and removes it. Unknown ids are a
// no-op, so double-unregister is safe.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		r.runCleanup(e)
	}
}

// SweepExpired removes and cleans up entries older than maxAge regardless
// of capacity pressure. Returns the number of entries removed.
func (r *Registry) SweepExpired(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)

	var expired []*entry
	r.mu.Lock()
	for id, e := range r.entries {
		if e.registeredAt.Before(cutoff) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.runCleanup(e)
	}
	if len(expired) > 0 {
		r.logger.Info("swept expired subscriptions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// TeardownAll invokes every cleanup and clears the registry. Called on
// process termination.
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		r.runCleanup(e)
	}
}

// Len returns the number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartSweeper runs SweepExpired on a fixed interval until Stop or ctx
// cancellation.
func (r *Registry) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ctx, r.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.SweepExpired(maxAge)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweeper. Registered entries are untouched.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// popOldestLocked removes the oldest 20% of entries (at least one) and
// returns them for cleanup. Caller holds r.mu.
func (r *Registry) popOldestLocked() []*entry {
	sorted := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].registeredAt.Before(sorted[j].registeredAt)
	})

	n := int(math.Ceil(float64(len(sorted)) * 0.2))
	if n < 1 {
		n = 1
	}
	victims := sorted[:n]
	for _, e := range victims {
		delete(r.entries, e.id)
	}
	return victims
}

// runCleanup invokes a cleanup callback, containing panics so one bad
// cleanup never blocks eviction or teardown of the rest.
func (r *Registry) runCleanup(e *entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("subscription cleanup panicked",
				zap.String("id", e.id),
				zap.Any("panic", rec))
		}
	}()
	e.cleanup()
}
