package api

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-user counter. It lives in process
// memory; each instance enforces its own window, which is the accepted
// tradeoff for this deployment model.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[int64]*windowState
}

type windowState struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration, now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[int64]*windowState),
	}
}

// Allow consumes one slot for the user, reporting whether the request may
// proceed. A rejected request still advances nothing but the counter.
func (r *rateLimiter) Allow(userID int64) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[userID]
	if !ok || now.Sub(w.start) >= r.window {
		r.windows[userID] = &windowState{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= r.limit
}
