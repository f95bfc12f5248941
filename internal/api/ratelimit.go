package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter caps calls per client per minute on routes that reach the
// ledger. Windows are fixed and expired ones are dropped on access.
type rateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	perMinute int
	lastSweep time.Time
	now       func() time.Time
	logger    *slog.Logger
}

type rateWindow struct {
	count int
	start time.Time
}

func newRateLimiter(perMinute int, logger *slog.Logger) *rateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &rateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		now:       time.Now,
		logger:    logger,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > 2*time.Minute {
		for k, w := range rl.windows {
			if now.Sub(w.start) > time.Minute {
				delete(rl.windows, k)
			}
		}
		rl.lastSweep = now
	}

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	if w.count > rl.perMinute {
		rl.logger.Warn("rate limit exceeded", "client", key, "count", w.count, "limit", rl.perMinute)
		return false
	}
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
