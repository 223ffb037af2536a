package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Interpreter/internal/domain"
)

// ControlRateLimiter caps control frames per session in a sliding window.
type ControlRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.SessionID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewControlRateLimiter(limit int, interval time.Duration) *ControlRateLimiter {
	return &ControlRateLimiter{
		history:  make(map[domain.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ControlRateLimiter) Allow(sid domain.SessionID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

func (rl *ControlRateLimiter) Forget(sid domain.SessionID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, sid)
	rl.mu.Unlock()
}
