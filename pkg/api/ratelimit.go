package api

import (
	"sync"
	"time"

	"github.com/shapewire-net/shapewire/pkg/config"
)

// Route classes for rate limiting. Writes land in tighter classes than
// reads; login attempts get the tightest.
const (
	classDefault = "default"
	classAuth    = "auth"
	classIntents = "intents"
	classHigh    = "high"
)

type classLimit struct {
	requests int
	window   time.Duration
}

var defaultLimits = map[string]classLimit{
	classDefault: {requests: 1000, window: time.Hour},
	classAuth:    {requests: 100, window: time.Hour},
	classIntents: {requests: 500, window: time.Hour},
	classHigh:    {requests: 2000, window: time.Hour},
}

// sweepEvery bounds how often the limiter walks its whole table to drop
// departed clients.
const sweepEvery = 4096

// rateLimiter keeps a sliding window of request times per (client, class)
// pair.
type rateLimiter struct {
	mu      sync.Mutex
	limits  map[string]classLimit
	windows map[string][]time.Time
	checks  uint64
	now     func() time.Time
}

// newRateLimiter applies config overrides on top of the default classes
func newRateLimiter(overrides map[string]config.RateLimit) *rateLimiter {
	limits := make(map[string]classLimit, len(defaultLimits))
	for class, l := range defaultLimits {
		limits[class] = l
	}
	for class, o := range overrides {
		if _, ok := limits[class]; !ok {
			continue
		}
		limits[class] = classLimit{
			requests: o.Requests,
			window:   time.Duration(o.WindowSeconds) * time.Second,
		}
	}
	return &rateLimiter{
		limits:  limits,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

type rateDecision struct {
	allowed    bool
	limit      int
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// check records one request attempt and decides whether it may proceed.
// Denied attempts do not consume window slots.
func (rl *rateLimiter) check(client, class string) rateDecision {
	limit, ok := rl.limits[class]
	if !ok {
		limit = rl.limits[classDefault]
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.checks++
	if rl.checks%sweepEvery == 0 {
		rl.sweepLocked()
	}

	key := client + "|" + class
	now := rl.now()
	cutoff := now.Add(-limit.window)

	kept := rl.windows[key][:0]
	for _, t := range rl.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit.requests {
		rl.windows[key] = kept
		reset := kept[0].Add(limit.window)
		return rateDecision{
			allowed:    false,
			limit:      limit.requests,
			reset:      reset,
			retryAfter: reset.Sub(now),
		}
	}

	kept = append(kept, now)
	rl.windows[key] = kept
	return rateDecision{
		allowed:   true,
		limit:     limit.requests,
		remaining: limit.requests - len(kept),
		reset:     kept[0].Add(limit.window),
	}
}

// sweepLocked drops clients whose entire window has lapsed. The longest
// class window bounds how stale an entry can be.
func (rl *rateLimiter) sweepLocked() {
	var longest time.Duration
	for _, l := range rl.limits {
		if l.window > longest {
			longest = l.window
		}
	}
	cutoff := rl.now().Add(-longest)
	for key, window := range rl.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(rl.windows, key)
		}
	}
}
