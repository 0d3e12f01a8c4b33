package security

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pasoproxy/paso/internal/config"
	"github.com/pasoproxy/paso/internal/logger"
	"github.com/pasoproxy/paso/internal/util"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterIdleEviction    = 10 * time.Minute
)

// RateLimitValidator enforces a per-client token bucket keyed by client IP.
// Requests from trusted CIDRs bypass the limit entirely. Stale per-IP
// limiters are evicted by a background sweep.
type RateLimitValidator struct {
	log logger.StyledLogger

	limiters          sync.Map // client IP -> *clientLimiter
	trustedCIDRs      []*net.IPNet
	perClientRPM      int
	burstSize         int
	trustProxyHeaders bool
	enabled           bool

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
	mu         sync.Mutex
}

func NewRateLimitValidator(limits config.ServerRateLimits, log logger.StyledLogger) *RateLimitValidator {
	rl := &RateLimitValidator{
		log:               log,
		perClientRPM:      limits.PerClientRPM,
		burstSize:         limits.BurstSize,
		trustProxyHeaders: limits.TrustProxyHeaders,
		enabled:           limits.Enabled && limits.PerClientRPM > 0,
		stopCleanup:       make(chan struct{}),
	}
	if rl.burstSize <= 0 {
		rl.burstSize = rl.perClientRPM
	}

	for _, cidr := range limits.TrustedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			log.Warn("Ignoring invalid trusted CIDR", "cidr", cidr, "error", err)
			continue
		}
		rl.trustedCIDRs = append(rl.trustedCIDRs, network)
	}

	if rl.enabled {
		rl.cleanupTicker = time.NewTicker(limiterCleanupInterval)
		go rl.cleanupLoop()
	}
	return rl
}

func (rl *RateLimitValidator) Name() string { return "rate_limit" }

func (rl *RateLimitValidator) Stop() {
	rl.stopOnce.Do(func() {
		if rl.cleanupTicker != nil {
			rl.cleanupTicker.Stop()
		}
		close(rl.stopCleanup)
	})
}

func (rl *RateLimitValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := util.GetClientIP(r, rl.trustProxyHeaders, rl.trustedCIDRs)
		if rl.isTrusted(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.allow(clientIP) {
			rl.log.Warn("Rate limit exceeded", "client_ip", clientIP, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitValidator) allow(clientIP string) bool {
	now := time.Now()
	entry, _ := rl.limiters.LoadOrStore(clientIP, &clientLimiter{
		limiter:    rate.NewLimiter(rate.Limit(float64(rl.perClientRPM)/60.0), rl.burstSize),
		lastAccess: now,
	})
	cl := entry.(*clientLimiter)

	cl.mu.Lock()
	cl.lastAccess = now
	cl.mu.Unlock()
	return cl.limiter.Allow()
}

func (rl *RateLimitValidator) isTrusted(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, network := range rl.trustedCIDRs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (rl *RateLimitValidator) cleanupLoop() {
	for {
		select {
		case <-rl.cleanupTicker.C:
			cutoff := time.Now().Add(-limiterIdleEviction)
			rl.limiters.Range(func(key, value any) bool {
				cl := value.(*clientLimiter)
				cl.mu.Lock()
				stale := cl.lastAccess.Before(cutoff)
				cl.mu.Unlock()
				if stale {
					rl.limiters.Delete(key)
				}
				return true
			})
		case <-rl.stopCleanup:
			return
		}
	}
}
