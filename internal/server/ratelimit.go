package server

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livecast/internal/api"
)

// RateLimitConfig bounds request rates. Owner limits apply per X-Owner-ID so
// one caller cannot monopolise the remote hosts. Zero disables a limit.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	OwnerRPS    float64
	OwnerBurst  int
}

type ownerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	global     *rate.Limiter
	ownerRate  rate.Limit
	ownerBurst int
	idleAfter  time.Duration
	now        func() time.Time

	mu     sync.Mutex
	owners map[string]*ownerLimiter
}

func burstFor(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	return int(math.Max(1, math.Ceil(rps)))
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.GlobalRPS <= 0 && cfg.OwnerRPS <= 0 {
		return nil
	}
	rl := &rateLimiter{
		idleAfter: 10 * time.Minute,
		now:       time.Now,
		owners:    make(map[string]*ownerLimiter),
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burstFor(cfg.GlobalRPS, cfg.GlobalBurst))
	}
	if cfg.OwnerRPS > 0 {
		rl.ownerRate = rate.Limit(cfg.OwnerRPS)
		rl.ownerBurst = burstFor(cfg.OwnerRPS, cfg.OwnerBurst)
	}
	return rl
}

func (r *rateLimiter) allowGlobal() bool {
	return r.global == nil || r.global.Allow()
}

// allowOwner reports whether owner may proceed and, if not, how long to wait.
func (r *rateLimiter) allowOwner(owner string) (bool, time.Duration) {
	if r.ownerRate == 0 || owner == "" {
		return true, 0
	}
	now := r.now()
	r.mu.Lock()
	entry, ok := r.owners[owner]
	if !ok {
		entry = &ownerLimiter{limiter: rate.NewLimiter(r.ownerRate, r.ownerBurst)}
		r.owners[owner] = entry
	}
	entry.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	return false, delay
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-r.idleAfter)
	for owner, entry := range r.owners {
		if entry.lastSeen.Before(cutoff) {
			delete(r.owners, owner)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allowGlobal() {
			w.Header().Set("Retry-After", "1")
			api.WriteError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
		if allowed, retryAfter := rl.allowOwner(owner); !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			if logger != nil {
				logger.Warn("owner rate limited", "owner_id", owner, "path", r.URL.Path)
			}
			api.WriteError(w, http.StatusTooManyRequests, "too many requests for this owner")
			return
		}
		next.ServeHTTP(w, r)
	})
}
