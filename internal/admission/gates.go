package admission

import (
	"math"
	"net/http"
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/koltyakov/gtunnel/internal/auth"
	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/netutil"
	"github.com/koltyakov/gtunnel/internal/ratelimit"
)

type errorBody struct {
	Error string `json:"error"`
}

type rateLimitedBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
}

// IPGate rejects callers the filter does not allow with 403.
func IPGate(filter *auth.IPFilter) Gate {
	return GateFunc(func(_ http.Header, r *http.Request) Verdict {
		if filter.IsAllowed(netutil.ClientIP(r)) {
			return Continue()
		}
		return Reject(http.StatusForbidden, errorBody{Error: "Forbidden: IP address not allowed"}).
			WithCause(domain.ErrIPDenied)
	})
}

// RateGate counts the request against the caller's window. Quota headers are
// attached whether or not the request is allowed.
func RateGate(limiter *ratelimit.Limiter, clk clock.Clock) Gate {
	if clk == nil {
		clk = clock.New()
	}
	return GateFunc(func(h http.Header, r *http.Request) Verdict {
		res := limiter.Check(netutil.ClientIP(r))
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
		if res.Allowed {
			return Continue()
		}
		retryAfter := retryAfterSeconds(res, clk)
		h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		return Reject(http.StatusTooManyRequests, rateLimitedBody{Error: "Too Many Requests", RetryAfter: retryAfter}).
			WithCause(domain.ErrRateLimitExceeded)
	})
}

// APIKeyGate requires a valid Authorization header when keys are enabled.
func APIKeyGate(v *auth.APIKeyValidator) Gate {
	return GateFunc(func(_ http.Header, r *http.Request) Verdict {
		if !v.Enabled() {
			return Continue()
		}
		key, _ := auth.ExtractFromHeader(r.Header)
		if v.Validate(key) {
			return Continue()
		}
		return Reject(http.StatusUnauthorized, errorBody{Error: "Unauthorized: Invalid or missing API key"}).
			WithCause(domain.ErrUnauthorized)
	})
}

// retryAfterSeconds rounds the remaining window up to whole seconds.
func retryAfterSeconds(res ratelimit.Result, clk clock.Clock) int64 {
	ms := res.ResetAt.Sub(clk.Now()).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(ms) / 1000))
}
