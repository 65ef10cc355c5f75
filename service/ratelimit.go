package service

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/InsulaLabs/taskboard/config"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Limiters for clients that stay quiet this long are forgotten.
const limiterIdleTTL = 10 * time.Minute

// clientLimiter hands out one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int
	cache *ttlcache.Cache[string, *rate.Limiter]
}

func newClientLimiter(cfg config.RateLimiterConfig) *clientLimiter {
	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterIdleTTL),
	)
	go cache.Start()
	return &clientLimiter{
		limit: rate.Limit(cfg.Limit),
		burst: cfg.Burst,
		cache: cache,
	}
}

func (cl *clientLimiter) get(addr string) *rate.Limiter {
	item, _ := cl.cache.GetOrSet(addr, rate.NewLimiter(cl.limit, cl.burst))
	return item.Value()
}

func (cl *clientLimiter) stop() {
	cl.cache.Stop()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	limiter, ok := s.rateLimiters[category]
	if !ok {
		s.logger.Warn("No rate limiter configured for category", "category", category)
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		lim := limiter.get(addr)
		res := lim.Reserve()
		if delay := res.Delay(); delay > 0 {
			// Not proceeding, so hand the token back.
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", addr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", lim.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", lim.Burst()))
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}
