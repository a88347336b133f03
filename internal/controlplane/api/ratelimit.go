package controlplane

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnhtng/vpsctl/internal/controlplane/config"
)

// RateLimitConfig holds rate limiting configuration for different endpoints.
type RateLimitConfig struct {
	DefaultRate  float64
	DefaultBurst int

	// EndpointRates holds per-endpoint overrides, keyed by normalized path.
	EndpointRates map[string]RateLimit
}

// RateLimit holds the rate and burst for a specific endpoint.
type RateLimit struct {
	Rate  float64 // requests per second
	Burst int     // maximum burst size
}

// clientLimiterKey uniquely identifies a limiter for a client+endpoint combination.
type clientLimiterKey struct {
	ClientID string
	Endpoint string
}

// RateLimiter provides per-client, per-endpoint rate limiting.
type RateLimiter struct {
	config   RateLimitConfig
	limiters map[clientLimiterKey]*rate.Limiter
	mu       sync.RWMutex

	lastUsed  map[clientLimiterKey]time.Time
	cleanupMu sync.Mutex

	hitsTotal   int64
	blocksTotal int64
	muMetrics   sync.RWMutex
}

// NewRateLimiter builds a RateLimiter from the process-wide config, layering
// the fixed per-route overrides (checkout, payment creation) on top of it.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rlCfg := RateLimitConfig{
		DefaultRate:   cfg.DefaultRate,
		DefaultBurst:  cfg.DefaultBurst,
		EndpointRates: endpointOverrides(),
	}
	if rlCfg.DefaultRate <= 0 {
		rlCfg.DefaultRate = 100.0 / 60.0
	}
	if rlCfg.DefaultBurst <= 0 {
		rlCfg.DefaultBurst = 200
	}

	rl := &RateLimiter{
		config:   rlCfg,
		limiters: make(map[clientLimiterKey]*rate.Limiter),
		lastUsed: make(map[clientLimiterKey]time.Time),
	}

	go rl.cleanupLoop()

	return rl
}

// endpointOverrides tightens the default limit on the routes most exposed
// to abuse: account creation, checkout, and payment session creation.
func endpointOverrides() map[string]RateLimit {
	return map[string]RateLimit{
		"/auth/register":           {Rate: 5.0 / 60.0, Burst: 10},
		"/auth/login":              {Rate: 10.0 / 60.0, Burst: 20},
		"/auth/forgot-password":    {Rate: 5.0 / 60.0, Burst: 10},
		"/cart/checkout":           {Rate: 10.0 / 60.0, Burst: 20},
		"/payments/{method}/create": {Rate: 10.0 / 60.0, Burst: 20},
		"/payments/{method}/repay":  {Rate: 10.0 / 60.0, Burst: 20},
	}
}

// getClientID identifies the caller for rate limiting: the authenticated
// user when a valid bearer token is present, otherwise the source IP. VPS
// rental has no API-key concept, unlike the fleet-management routes this
// package once served.
func (rl *RateLimiter) getClientID(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "ip:" + rl.getClientIP(r)
}

// getClientIP extracts the real client IP from the request, checking
// X-Forwarded-For and X-Real-IP before falling back to RemoteAddr.
func (rl *RateLimiter) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		ip := strings.TrimSpace(xri)
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if net.ParseIP(r.RemoteAddr) != nil {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// normalizeEndpoint collapses path-parameterized routes (e.g.
// /payments/momo/create) down to their template form so a per-route
// override applies regardless of which payment method or resource ID
// appears in the path.
func (rl *RateLimiter) normalizeEndpoint(path string) string {
	if idx := strings.Index(path, "?"); idx != -1 {
		path = path[:idx]
	}

	if _, ok := rl.config.EndpointRates[path]; ok {
		return path
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 3 && segments[0] == "payments" && (segments[2] == "create" || segments[2] == "repay") {
		return "/payments/{method}/" + segments[2]
	}

	return path
}

func (rl *RateLimiter) getLimiter(clientID, endpoint string) *rate.Limiter {
	key := clientLimiterKey{ClientID: clientID, Endpoint: endpoint}

	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		rl.cleanupMu.Lock()
		rl.lastUsed[key] = time.Now()
		rl.cleanupMu.Unlock()
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists = rl.limiters[key]; exists {
		return limiter
	}

	var limit RateLimit
	normalizedEndpoint := rl.normalizeEndpoint(endpoint)
	if l, ok := rl.config.EndpointRates[normalizedEndpoint]; ok {
		limit = l
	} else {
		limit = RateLimit{Rate: rl.config.DefaultRate, Burst: rl.config.DefaultBurst}
	}

	limiter = rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)
	rl.limiters[key] = limiter

	rl.cleanupMu.Lock()
	rl.lastUsed[key] = time.Now()
	rl.cleanupMu.Unlock()

	return limiter
}

// Allow checks if the request is allowed by the rate limiter.
func (rl *RateLimiter) Allow(r *http.Request, userID string) bool {
	clientID := rl.getClientID(r, userID)
	endpoint := r.URL.Path

	limiter := rl.getLimiter(clientID, endpoint)

	allowed := limiter.Allow()

	rl.muMetrics.Lock()
	if allowed {
		rl.hitsTotal++
	} else {
		rl.blocksTotal++
	}
	rl.muMetrics.Unlock()

	return allowed
}

// Middleware returns an HTTP middleware that applies rate limiting,
// responding 429 Too Many Requests when the limit is exceeded. It runs
// before authMiddleware, so resolveUser opportunistically reads an
// already-present bearer token rather than requiring one.
func (rl *RateLimiter) Middleware(resolveUser func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := resolveUser(r)
			if !rl.Allow(r, userID) {
				endpoint := r.URL.Path
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error": "rate limit exceeded for endpoint %s"}`, endpoint)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetMetrics returns the current rate limiting metrics.
func (rl *RateLimiter) GetMetrics() (hitsTotal, blocksTotal int64) {
	rl.muMetrics.RLock()
	defer rl.muMetrics.RUnlock()
	return rl.hitsTotal, rl.blocksTotal
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.cleanupStaleLimiters()
	}
}

func (rl *RateLimiter) cleanupStaleLimiters() {
	staleThreshold := time.Now().Add(-10 * time.Minute)

	rl.cleanupMu.Lock()
	var toDelete []clientLimiterKey
	for key, lastUsed := range rl.lastUsed {
		if lastUsed.Before(staleThreshold) {
			toDelete = append(toDelete, key)
		}
	}
	rl.cleanupMu.Unlock()

	if len(toDelete) == 0 {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, key := range toDelete {
		delete(rl.limiters, key)
		delete(rl.lastUsed, key)
	}
}
