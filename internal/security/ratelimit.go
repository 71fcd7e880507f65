// Package security holds the HTTP hardening middleware of the control API.
package security

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window.
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window.
	WindowDuration time.Duration
	// BurstMax is the maximum number of requests allowed within one second.
	BurstMax int
}

func (c *RateLimitConfig) defaults() {
	if c.RequestsPerWindow <= 0 {
		c.RequestsPerWindow = 120
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = time.Minute
	}
	if c.BurstMax <= 0 {
		c.BurstMax = 20
	}
}

// RateLimitInfo contains rate limit information for response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window limiter keyed by client.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		cfg:     cfg,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a request of key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) (RateLimitInfo, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	reqs := rl.prune(key, now)

	burst := 0
	for _, t := range reqs {
		if t.After(now.Add(-time.Second)) {
			burst++
		}
	}

	if len(reqs) >= rl.cfg.RequestsPerWindow || burst >= rl.cfg.BurstMax {
		return rl.info(reqs, now), false
	}

	reqs = append(reqs, now)
	rl.windows[key] = reqs
	return rl.info(reqs, now), true
}

func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-rl.cfg.WindowDuration)
	reqs := rl.windows[key]

	i := 0
	for i < len(reqs) && !reqs[i].After(cutoff) {
		i++
	}
	reqs = reqs[i:]
	if len(reqs) == 0 {
		delete(rl.windows, key)
		return nil
	}
	rl.windows[key] = reqs
	return reqs
}

func (rl *RateLimiter) info(reqs []time.Time, now time.Time) RateLimitInfo {
	info := RateLimitInfo{
		Limit:     rl.cfg.RequestsPerWindow,
		Remaining: rl.cfg.RequestsPerWindow - len(reqs),
		ResetAt:   now,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(reqs) > 0 {
		info.ResetAt = reqs[0].Add(rl.cfg.WindowDuration)
	}
	return info
}

// Run drops idle clients periodically until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key := range rl.windows {
				rl.prune(key, now)
			}
			rl.mu.Unlock()
		}
	}
}
