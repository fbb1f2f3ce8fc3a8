package admission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/gtunnel/internal/auth"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/ratelimit"
)

type fixture struct {
	pipeline *Pipeline
	metrics  *metrics.Collector
	clock    *clock.Mock
}

func newFixture(t *testing.T, allow, deny []string, maxRequests int, keys []auth.APIKey) fixture {
	t.Helper()

	filter, err := auth.NewIPFilter(allow, deny, nil)
	require.NoError(t, err)

	mock := clock.NewMock()
	limiter := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: maxRequests}, ratelimit.WithClock(mock))
	t.Cleanup(limiter.Destroy)

	validator := auth.NewAPIKeyValidator(len(keys) > 0, keys, nil)
	rec := metrics.New()

	return fixture{
		pipeline: New(rec, nil, IPGate(filter), RateGate(limiter, mock), APIKeyGate(validator)),
		metrics:  rec,
		clock:    mock,
	}
}

func (f fixture) serve(remote, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = remote
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	f.pipeline.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	return rr
}

func errorsTotal(c *metrics.Collector, kind string) float64 {
	families, _ := c.Registry().Gather()
	for _, mf := range families {
		if mf.GetName() != "gtunnel_errors_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "type" && l.GetValue() == kind {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestPipelinePassesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil, 10, nil)
	rr := f.serve("10.0.0.1:1234", "")

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "10", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(f.clock.Now().Add(time.Minute).UnixMilli(), 10), rr.Header().Get("X-RateLimit-Reset"))
}

func TestPipelineDeniedIPStopsChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, []string{"10.0.0.0/8"}, 10, []auth.APIKey{{Name: "default", Key: "secret"}})
	rr := f.serve("10.1.2.3:5000", "")

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.JSONEq(t, `{"error":"Forbidden: IP address not allowed"}`, rr.Body.String())
	assert.Empty(t, rr.Header().Get("X-RateLimit-Limit"), "rate gate must not run after an IP rejection")
	assert.Equal(t, 1.0, errorsTotal(f.metrics, metrics.ErrIPDenied))
}

func TestPipelineRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil, 2, nil)
	f.serve("10.0.0.1:1", "")
	f.clock.Add(20500 * time.Millisecond)
	f.serve("10.0.0.1:2", "")
	rr := f.serve("10.0.0.1:3", "")

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	var body struct {
		Error      string `json:"error"`
		RetryAfter int64  `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, int64(40), body.RetryAfter)
	assert.Equal(t, "40", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 1.0, errorsTotal(f.metrics, metrics.ErrRateLimited))

	// A different client is unaffected.
	assert.Equal(t, http.StatusNoContent, f.serve("10.0.0.2:1", "").Code)
}

func TestPipelineAPIKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil, 100, []auth.APIKey{{Name: "default", Key: "secret-key-123"}})

	rr := f.serve("10.0.0.1:1", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"Unauthorized: Invalid or missing API key"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Limit"), "quota headers accompany later rejections")

	assert.Equal(t, http.StatusUnauthorized, f.serve("10.0.0.1:1", "Bearer wrong").Code)
	assert.Equal(t, http.StatusNoContent, f.serve("10.0.0.1:1", "Bearer secret-key-123").Code)
	assert.Equal(t, http.StatusNoContent, f.serve("10.0.0.1:1", "secret-key-123").Code)
	assert.Equal(t, http.StatusUnauthorized, f.serve("10.0.0.1:1", "bearer secret-key-123").Code)
	assert.Equal(t, 3.0, errorsTotal(f.metrics, metrics.ErrUnauthorized))
}

func TestPipelineRejectedRequestsConsumeQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil, 2, []auth.APIKey{{Name: "default", Key: "k"}})
	assert.Equal(t, http.StatusUnauthorized, f.serve("10.0.0.1:1", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.serve("10.0.0.1:1", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.serve("10.0.0.1:1", "Bearer k").Code)
}

func TestPipelineUnmapsIPv4MappedClients(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"192.168.1.0/24"}, nil, 10, nil)
	assert.Equal(t, http.StatusNoContent, f.serve("[::ffff:192.168.1.20]:443", "").Code)
	assert.Equal(t, http.StatusForbidden, f.serve("192.168.2.20:443", "").Code)
}

func TestEvaluateStopsAtFirstRejection(t *testing.T) {
	t.Parallel()

	var calls []string
	gate := func(name string, v Verdict) Gate {
		return GateFunc(func(http.Header, *http.Request) Verdict {
			calls = append(calls, name)
			return v
		})
	}
	p := New(nil, nil,
		gate("a", Continue()),
		gate("b", Reject(http.StatusTeapot, nil)),
		gate("c", Continue()),
	)

	v := p.Evaluate(http.Header{}, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, v.Rejected())
	assert.Equal(t, http.StatusTeapot, v.Status())
	assert.Nil(t, v.Cause())
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	now := mock.Now()
	for _, tc := range []struct {
		reset time.Duration
		want  int64
	}{
		{reset: 0, want: 0},
		{reset: time.Millisecond, want: 1},
		{reset: time.Second, want: 1},
		{reset: 1001 * time.Millisecond, want: 2},
		{reset: time.Minute, want: 60},
	} {
		got := retryAfterSeconds(ratelimit.Result{ResetAt: now.Add(tc.reset)}, mock)
		assert.Equalf(t, tc.want, got, "reset in %s", tc.reset)
	}
}
