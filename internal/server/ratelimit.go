package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"devicegate/internal/observability/logging"
	"devicegate/internal/observability/metrics"
	"devicegate/internal/ratelimit"
)

const tooManyRequestsMessage = "Too many requests, please try again later."

// RateLimitConfig controls throttling of API routes. Limiter counts requests
// per client address; UpstreamRPS, when positive, additionally caps the
// request rate reaching the upstream across all clients.
type RateLimitConfig struct {
	Limiter       ratelimit.Limiter
	UpstreamRPS   float64
	UpstreamBurst int
}

type rateLimiter struct {
	perAddress ratelimit.Limiter
	upstream   *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

func newRateLimiter(cfg RateLimitConfig, logger *slog.Logger, recorder *metrics.Recorder) *rateLimiter {
	rl := &rateLimiter{
		perAddress: cfg.Limiter,
		logger:     logger,
		metrics:    recorder,
	}
	if cfg.UpstreamRPS > 0 {
		burst := cfg.UpstreamBurst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.UpstreamRPS))
		}
		rl.upstream = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), burst)
	}
	return rl
}

// middleware throttles API routes only; pages and static assets pass.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.perAddress != nil {
			address, _ := logging.ClientAddrFromContext(r.Context())
			if address == "" {
				address = "unknown"
			}
			res, err := rl.perAddress.Allow(r.Context(), address)
			if err != nil {
				loggingWithRequest(rl.logger, r).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit temporarily unavailable")
				return
			}
			setRateLimitHeaders(w, res)
			if !res.Allowed {
				rl.metrics.ObserveRateLimited("address")
				w.Header().Set("Retry-After", strconv.FormatInt(res.ResetSeconds(), 10))
				writeMiddlewareError(w, http.StatusTooManyRequests, tooManyRequestsMessage)
				return
			}
		}

		if rl.upstream != nil && !rl.upstream.Allow() {
			rl.metrics.ObserveRateLimited("upstream")
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, tooManyRequestsMessage)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	h := w.Header()
	h.Set("RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(res.ResetSeconds(), 10))
}
