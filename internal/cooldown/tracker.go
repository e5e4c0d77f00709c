package cooldown

import (
	"context"
	"sync"
	"time"

	"chatguard/internal/domain"
)

const (
	DefaultInterval   = 2 * time.Second
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10000
)

// Tracker limits how often a warning may be sent per scope.
// All access to the map goes through mu. An entry is never dropped while it
// can still suppress a warning, so maxEntries is a soft cap.
type Tracker struct {
	mu          sync.Mutex
	last        map[domain.Scope]time.Time
	ttl         time.Duration
	maxEntries  int
	maxInterval time.Duration // largest minInterval seen by ShouldWarn
}

func NewTracker(ttl time.Duration, maxEntries int) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Tracker{
		last:       make(map[domain.Scope]time.Time),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// ShouldWarn reports whether a warning may be sent for scope at now, and
// records now as the last warning time if and only if it returns true.
// Within any minInterval window at most one caller per scope gets true.
func (t *Tracker) ShouldWarn(scope domain.Scope, now time.Time, minInterval time.Duration) bool {
	if minInterval <= 0 {
		minInterval = DefaultInterval
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if minInterval > t.maxInterval {
		t.maxInterval = minInterval
	}
	if prev, ok := t.last[scope]; ok && now.Sub(prev) < minInterval {
		return false
	}
	if _, ok := t.last[scope]; !ok && len(t.last) >= t.maxEntries {
		t.evictOldestLocked(now)
	}
	t.last[scope] = now
	return true
}

// Sweep drops entries whose last warning is older than the TTL and returns
// how many were removed. Entries younger than the largest interval seen are
// kept even when the TTL is shorter.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	keep := max(t.ttl, t.maxInterval)
	removed := 0
	for k, ts := range t.last {
		if now.Sub(ts) > keep {
			delete(t.last, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked scopes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// evictOldestLocked drops the oldest entry if it is past every interval seen.
// Otherwise the map is left to grow past maxEntries.
func (t *Tracker) evictOldestLocked(now time.Time) {
	var (
		oldestKey domain.Scope
		oldest    time.Time
		found     bool
	)
	for k, ts := range t.last {
		if !found || ts.Before(oldest) {
			oldestKey, oldest, found = k, ts, true
		}
	}
	if found && now.Sub(oldest) >= t.maxInterval {
		delete(t.last, oldestKey)
	}
}
