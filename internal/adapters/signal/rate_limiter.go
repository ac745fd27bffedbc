package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// CallRateLimiter ограничивает число исходящих звонков на пользователя
// в скользящем окне.
type CallRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
}

func NewCallRateLimiter(limit int, interval time.Duration) *CallRateLimiter {
	return &CallRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *CallRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[uid]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		return false
	}

	fresh = append(fresh, now)
	rl.history[uid] = fresh

	return true
}
