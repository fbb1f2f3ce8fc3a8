package server

import (
	"bufio"
	"net"
	"net/http"

	"github.com/felixge/httpsnoop"
	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/health"
	"github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/netutil"
)

type errorBody struct {
	Error string `json:"error"`
}

type rootBody struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Handler returns the main listener's handler: panic recovery, request
// metrics and the admission pipeline in front of the routes.
func (s *Server) Handler() http.Handler {
	return s.wrap(http.HandlerFunc(s.route))
}

func (s *Server) wrap(h http.Handler) http.Handler {
	return s.recoverPanics(s.instrument(s.pipeline.Middleware(h)))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if isRead(r) {
			s.handleHealth(w, r)
			return
		}
	case "/ready":
		if isRead(r) {
			s.handleReady(w, r)
			return
		}
	case "/":
		if isRead(r) {
			netutil.WriteJSON(w, http.StatusOK, rootBody{Service: ServiceName, Version: s.version, Status: "running"})
			return
		}
	case TunnelPath:
		if netutil.IsWebSocketUpgrade(r.Header) {
			s.registry.Accept(w, r)
			return
		}
	}
	netutil.WriteJSON(w, http.StatusNotFound, errorBody{Error: "Not Found"})
}

func isRead(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Health(r.Context())
	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	netutil.WriteJSON(w, status, report)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.health.Readiness(r.Context())
	status := http.StatusOK
	if !ready.Ready {
		status = http.StatusServiceUnavailable
	}
	netutil.WriteJSON(w, status, ready)
}

// recoverPanics turns a panic in dispatch into a 500 response.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			s.metrics.Error(metrics.ErrPanic)
			s.log.Error("panic while handling request",
				log.Method(r.Method),
				log.Path(r.URL.Path),
				log.RemoteIP(netutil.ClientIP(r)),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			netutil.WriteJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal Server Error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records one request sample per exchange. A hijacked
// connection that never wrote a status is counted as 101.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		status := http.StatusOK
		wrote := false
		hooks := httpsnoop.Hooks{
			WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
				return func(code int) {
					if !wrote {
						status = code
						wrote = true
					}
					next(code)
				}
			},
			Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
				return func(b []byte) (int, error) {
					wrote = true
					return next(b)
				}
			},
			Hijack: func(next httpsnoop.HijackFunc) httpsnoop.HijackFunc {
				return func() (net.Conn, *bufio.ReadWriter, error) {
					c, rw, err := next()
					if err == nil && !wrote {
						status = http.StatusSwitchingProtocols
						wrote = true
					}
					return c, rw, err
				}
			},
		}

		defer func() {
			if p := recover(); p != nil {
				s.metrics.Request(r.Method, http.StatusInternalServerError, s.clock.Since(start))
				panic(p)
			}
			s.metrics.Request(r.Method, status, s.clock.Since(start))
		}()
		next.ServeHTTP(httpsnoop.Wrap(w, hooks), r)
	})
}
