// Package admission runs every inbound exchange through an ordered chain of
// access gates before it reaches route dispatch.
package admission

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/netutil"
)

// Verdict is the outcome of a single gate: either continue down the chain or
// reject the exchange with a status and JSON body.
type Verdict struct {
	rejected bool
	status   int
	body     any
	cause    error
}

// Continue lets the exchange proceed to the next gate.
func Continue() Verdict { return Verdict{} }

// Reject stops the chain and answers with status and body.
func Reject(status int, body any) Verdict {
	return Verdict{rejected: true, status: status, body: body}
}

// WithCause attaches the domain error that explains a rejection.
func (v Verdict) WithCause(err error) Verdict {
	v.cause = err
	return v
}

func (v Verdict) Rejected() bool { return v.rejected }
func (v Verdict) Status() int    { return v.status }
func (v Verdict) Body() any      { return v.body }
func (v Verdict) Cause() error   { return v.cause }

// Gate inspects a request. Response headers set on h are sent whatever the
// final outcome is.
type Gate interface {
	Admit(h http.Header, r *http.Request) Verdict
}

// GateFunc adapts a function to [Gate].
type GateFunc func(h http.Header, r *http.Request) Verdict

func (f GateFunc) Admit(h http.Header, r *http.Request) Verdict { return f(h, r) }

// Pipeline evaluates gates in order and stops at the first rejection.
type Pipeline struct {
	gates []Gate
	rec   metrics.Recorder
	log   *zap.Logger
}

// New builds a pipeline from gates in evaluation order.
func New(rec metrics.Recorder, logger *zap.Logger, gates ...Gate) *Pipeline {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{gates: gates, rec: rec, log: logger}
}

// Evaluate folds the gate list. Rejections are counted by category.
func (p *Pipeline) Evaluate(h http.Header, r *http.Request) Verdict {
	for _, g := range p.gates {
		v := g.Admit(h, r)
		if !v.Rejected() {
			continue
		}
		if kind := errorKind(v.Cause()); kind != "" {
			p.rec.Error(kind)
		}
		p.log.Debug("request rejected",
			log.RemoteIP(netutil.ClientIP(r)),
			log.Method(r.Method),
			log.Path(r.URL.Path),
			zap.Int("status", v.status),
			zap.NamedError("cause", v.Cause()),
		)
		return v
	}
	return Continue()
}

// Middleware answers rejected requests directly and passes the rest to next.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := p.Evaluate(w.Header(), r)
		if v.Rejected() {
			netutil.WriteJSON(w, v.status, v.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrIPDenied):
		return metrics.ErrIPDenied
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return metrics.ErrRateLimited
	case errors.Is(err, domain.ErrUnauthorized):
		return metrics.ErrUnauthorized
	default:
		return ""
	}
}
