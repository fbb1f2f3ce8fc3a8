package server

import (
	_ "embed"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/netutil"
)

//go:embed dashboard.html
var dashboardHTML []byte

const (
	bytesPerMB        = 1024 * 1024
	recentConnections = 20
)

// metricsHandler serves the Prometheus exposition on /metrics only.
func (s *Server) metricsHandler() http.Handler {
	promHandler := s.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metrics" {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		promHandler.ServeHTTP(w, r)
	})
}

func (s *Server) dashboardHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(dashboardHTML)
		case "/api/stats":
			netutil.WriteJSON(w, http.StatusOK, s.stats(r))
		case "/api/connections":
			netutil.WriteJSON(w, http.StatusOK, s.connections(r))
		default:
			http.Error(w, "Not Found", http.StatusNotFound)
		}
	})
}

// stats is the card set shown on the dashboard, keyed by display label.
func (s *Server) stats(r *http.Request) map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	out := map[string]any{
		"Active Connections": s.registry.Count(),
		"Uptime":             int64(s.clock.Since(startedAt).Seconds()),
		"Memory (MB)":        mem.HeapAlloc / bytesPerMB,
		"Go Version":         runtime.Version(),
	}
	if s.store != nil {
		summary, err := s.store.Summary(r.Context())
		if err != nil {
			s.log.Warn("failed to read connection history summary", zap.Error(err))
			return out
		}
		out["Total Connections"] = summary.Total
		out["Heartbeat Evictions"] = summary.Evicted
	}
	return out
}

type connView struct {
	ID             string     `json:"id"`
	RemoteIP       string     `json:"remoteIp"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	CloseReason    string     `json:"closeReason,omitempty"`
	BytesIn        int64      `json:"bytesIn"`
	BytesOut       int64      `json:"bytesOut"`
}

type connectionsBody struct {
	Active []connView `json:"active"`
	Recent []connView `json:"recent,omitempty"`
}

// connections lists open tunnels and, with storage enabled, the latest
// history records.
func (s *Server) connections(r *http.Request) connectionsBody {
	snap := s.registry.Snapshot()
	out := connectionsBody{Active: make([]connView, 0, len(snap))}
	for _, c := range snap {
		out.Active = append(out.Active, connView{
			ID:          c.ID,
			RemoteIP:    c.RemoteIP,
			ConnectedAt: c.CreatedAt,
			BytesIn:     c.BytesIn,
			BytesOut:    c.BytesOut,
		})
	}
	if s.store == nil {
		return out
	}
	recs, err := s.store.Recent(r.Context(), recentConnections)
	if err != nil {
		s.log.Warn("failed to read recent connections", zap.Error(err))
		return out
	}
	out.Recent = make([]connView, 0, len(recs))
	for _, rec := range recs {
		out.Recent = append(out.Recent, recordView(rec))
	}
	return out
}

func recordView(rec domain.ConnRecord) connView {
	return connView{
		ID:             rec.ID,
		RemoteIP:       rec.RemoteIP,
		ConnectedAt:    rec.ConnectedAt,
		DisconnectedAt: rec.DisconnectedAt,
		CloseReason:    string(rec.CloseReason),
		BytesIn:        rec.BytesIn,
		BytesOut:       rec.BytesOut,
	}
}
