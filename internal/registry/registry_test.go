package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := New(20, nil)
	cleaned := false
	r.Register("a", func() { cleaned = true })

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Unregister("a")
	if !cleaned {
		t.Error("cleanup not invoked on unregister")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}

	// Double-unregister is a no-op.
	r.Unregister("a")
}

func TestRegisterReplacesExisting(t *testing.T) {
	r := New(20, nil)
	firstCleanups := 0
	r.Register("a", func() { firstCleanups++ })
	r.Register("a", func() {})

	if firstCleanups != 1 {
		t.Errorf("existing cleanup invoked %d times, want 1", firstCleanups)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestCapacityEvictsOldestFifth(t *testing.T) {
	r := New(20, nil)

	// Deterministic monotonic clock so "oldest" is well defined.
	var tick int
	base := time.Now()
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	var mu sync.Mutex
	cleanups := make(map[string]int)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("sub-%02d", i)
		r.Register(id, func() {
			mu.Lock()
			cleanups[id]++
			mu.Unlock()
		})
	}

	r.Register("sub-20", func() {})

	// The 4 oldest must be evicted, leaving 17 (16 survivors + new entry = 17).
	if r.Len() != 17 {
		t.Errorf("Len() after eviction = %d, want 17", r.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("sub-%02d", i)
		if cleanups[id] != 1 {
			t.Errorf("cleanup for %s invoked %d times, want exactly 1", id, cleanups[id])
		}
	}
	for i := 4; i < 20; i++ {
		id := fmt.Sprintf("sub-%02d", i)
		if cleanups[id] != 0 {
			t.Errorf("cleanup for %s invoked %d times, want 0", id, cleanups[id])
		}
	}
}

func TestSweepExpired(t *testing.T) {
	r := New(20, nil)

	now := time.Now()
	r.now = func() time.Time { return now }

	expiredCleaned := false
	r.Register("old", func() { expiredCleaned = true })

	// Advance the clock past max age for subsequent operations.
	r.now = func() time.Time { return now.Add(2 * time.Hour) }
	r.Register("fresh", func() { t.Error("fresh entry must not be swept") })

	removed := r.SweepExpired(time.Hour)
	if removed != 1 {
		t.Errorf("SweepExpired() = %d, want 1", removed)
	}
	if !expiredCleaned {
		t.Error("expired cleanup not invoked")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestTeardownAll(t *testing.T) {
	r := New(20, nil)
	count := 0
	for i := 0; i < 5; i++ {
		r.Register(fmt.Sprintf("s%d", i), func() { count++ })
	}

	r.TeardownAll()
	if count != 5 {
		t.Errorf("cleanups invoked = %d, want 5", count)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestPanickingCleanupDoesNotBlockOthers(t *testing.T) {
	r := New(20, nil)
	survivors := 0
	r.Register("bad", func() { panic("boom") })
	r.Register("good-1", func() { survivors++ })
	r.Register("good-2", func() { survivors++ })

	r.TeardownAll()
	if survivors != 2 {
		t.Errorf("surviving cleanups = %d, want 2", survivors)
	}
}
