package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Wildcard is the identity key whose limits apply to anyone without an
// entry of their own.
const Wildcard = "*"

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Category string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the rate limit.
func Check(count int, limit *ToolRateLimit) CheckResult {
	if !limit.active() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{}
}

// Limiter tracks fixed-window counters per identity. Safe for concurrent use.
type Limiter struct {
	limits  map[string]RateLimitConfig
	mu      sync.Mutex
	windows map[string]*window
}

// NewLimiter returns nil when limits configures nothing, so callers can
// skip the check with a nil test.
func NewLimiter(limits map[string]RateLimitConfig) *Limiter {
	configured := false
	for _, c := range limits {
		configured = configured || c.HasLimits()
	}
	if !configured {
		return nil
	}
	return &Limiter{limits: limits, windows: map[string]*window{}}
}

// Allow checks identity's limit for category and, when within it, counts
// the call. Lookup order: limits[identity], then limits["*"].
func (l *Limiter) Allow(identity, category string, now time.Time) CheckResult {
	if l == nil {
		return CheckResult{}
	}
	cfg, ok := l.limits[identity]
	if !ok {
		cfg = l.limits[Wildcard]
	}
	limit := cfg[category]
	if !limit.active() {
		return CheckResult{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[identity]
	if w == nil {
		w = newWindow()
		l.windows[identity] = w
	}
	result := Check(w.snapshot(category, limit.Window, now), limit)
	if result.Exceeded {
		result.Category = category
		return result
	}
	w.increment(category)
	return CheckResult{}
}
