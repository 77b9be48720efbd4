package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// limiterStore 按转发目标划分的令牌桶，rate 为 0 表示不限速
type limiterStore struct {
	mu       sync.Mutex
	rate     float64
	burst    int
	ttl      time.Duration
	limiters map[string]*limiterEntry
}

func newLimiterStore(r float64, burst int) *limiterStore {
	if burst <= 0 {
		burst = 1
	}
	return &limiterStore{
		rate:     r,
		burst:    burst,
		ttl:      10 * time.Minute,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow 判断目标当前是否还有令牌
func (s *limiterStore) Allow(endpoint string) bool {
	if s == nil || s.rate <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.limiters[endpoint]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(s.rate), s.burst)}
		s.limiters[endpoint] = entry
	}
	entry.lastUsed = now
	s.evictLocked(now)
	return entry.limiter.AllowN(now, 1)
}

func (s *limiterStore) evictLocked(now time.Time) {
	cutoff := now.Add(-s.ttl)
	for key, entry := range s.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
}
