package signal

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/karaoke/internal/domain"
)

// RateLimiter keeps one token bucket per user.
type RateLimiter struct {
	mu    sync.Mutex
	users map[domain.UserID]*rate.Limiter
	limit rate.Limit
	burst int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		users: make(map[domain.UserID]*rate.Limiter),
		limit: rate.Limit(perSecond),
		burst: burst,
	}
}

// Allow reports whether uid may act now. A nil limiter allows everything.
func (rl *RateLimiter) Allow(uid domain.UserID) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	l, ok := rl.users[uid]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.users[uid] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *RateLimiter) Forget(uid domain.UserID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.users, uid)
	rl.mu.Unlock()
}
