package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks one identifier's token bucket and its last use.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-identifier rate limiting using token buckets,
// with LRU eviction so the map cannot grow without bound.
//
// Counters are process-local: they are not shared across server processes
// and are lost on restart. A horizontally scaled deployment must move this
// state to a shared store.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
}

// defaultMaxEntries bounds the number of identifiers tracked at once.
const defaultMaxEntries = 10_000

// NewRateLimiter creates a limiter allowing burst events immediately and
// limit events per second sustained, tracked independently per identifier.
func NewRateLimiter(limit rate.Limit, burst int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		limit:      limit,
		burst:      burst,
		maxEntries: defaultMaxEntries,
		logger:     logger,
	}
}

// PerWindow returns the rate.Limit for n events per window, the shape the
// OTP limits are configured in (e.g. 5 per 5 minutes).
func PerWindow(n int, window time.Duration) rate.Limit {
	return rate.Limit(float64(n) / window.Seconds())
}

// Allow reports whether an event for identifier may proceed now, consuming
// one token if so.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = time.Now()
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: time.Now(),
	}
	rl.entries[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.Allow()
}

// evictOldest drops the least recently used entry. Caller holds the mutex.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	rl.lru.Remove(elem)
	delete(rl.entries, entry.identifier)
	rl.logger.Debug("rate limiter entry evicted",
		"identifier_count", len(rl.entries),
		"last_access", entry.lastAccess)
}

// Len reports the number of identifiers currently tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
