package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iwantamacmini2/macgas/internal/config"
	"github.com/iwantamacmini2/macgas/internal/metrics"
)

const (
	// staleLimiterTTL is how long a limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute

	// cleanupInterval is how often the background goroutine sweeps stale entries.
	cleanupInterval = 1 * time.Minute

	budgetGlobal = "global"
	budgetRelay  = "relay"
)

// limiterEntry wraps a rate.Limiter with a last-accessed timestamp for TTL-based eviction.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle applies two token-bucket budgets: a coarse per-client-IP budget on
// every endpoint, and a stricter per-project budget on the relay endpoint.
// Rejections carry Retry-After and cause no side effects.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // key: "budget|id"
	cfg      config.ThrottleConfig
	logger   *slog.Logger
	nowFunc  func() time.Time // injectable clock for testing
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewThrottle creates the throttle and starts a background goroutine that
// periodically cleans up stale limiters. Call Stop() to release it.
func NewThrottle(cfg config.ThrottleConfig, logger *slog.Logger) *Throttle {
	t := &Throttle{
		limiters: make(map[string]*limiterEntry),
		cfg:      cfg,
		logger:   logger.With("component", "throttle"),
		nowFunc:  time.Now,
		stopCh:   make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Stop shuts down the background cleanup goroutine. Safe to call multiple times.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *Throttle) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.evictStale()
		}
	}
}

func (t *Throttle) evictStale() {
	now := t.nowFunc()
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(t.limiters, key)
		}
	}
}

// LimiterCount returns the number of active limiter entries (for testing/monitoring).
func (t *Throttle) LimiterCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// Wrap applies the global per-IP budget before delegating to next.
func (t *Throttle) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		if !t.allow(budgetGlobal, clientIP, t.cfg.GlobalRPS, t.cfg.GlobalBurst) {
			t.reject(w, r, budgetGlobal, clientIP)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowRelay checks the stricter relay budget, keyed by project id and
// falling back to the client IP for anonymous requests.
func (t *Throttle) AllowRelay(r *http.Request, projectID string) bool {
	id := projectID
	if id == "" {
		id = extractClientIP(r)
	}
	return t.allow(budgetRelay, id, t.cfg.RelayRPS, t.cfg.RelayBurst)
}

// RejectRelay writes the 429 response for a relay budget rejection.
func (t *Throttle) RejectRelay(w http.ResponseWriter, r *http.Request, projectID string) {
	t.reject(w, r, budgetRelay, projectID)
}

func (t *Throttle) allow(budget, id string, rps float64, burst int) bool {
	return t.getOrCreateLimiter(budget+"|"+id, rps, burst).Allow()
}

func (t *Throttle) reject(w http.ResponseWriter, r *http.Request, budget, id string) {
	metrics.ThrottleRejectionsTotal.WithLabelValues(budget).Inc()
	w.Header().Set("Retry-After", "1")
	http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
	t.logger.Warn("request throttled",
		"budget", budget,
		"id", id,
		"method", r.Method,
		"path", r.URL.Path,
	)
}

func (t *Throttle) getOrCreateLimiter(key string, rps float64, burst int) *rate.Limiter {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	t.limiters[key] = &limiterEntry{
		limiter:  limiter,
		lastSeen: now,
	}
	return limiter
}

// extractClientIP determines the client's IP address from the request.
// It checks, in order: X-Forwarded-For (first IP), X-Real-IP, then r.RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
