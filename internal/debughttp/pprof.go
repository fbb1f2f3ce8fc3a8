// Package debughttp serves net/http/pprof on an optional side listener.
package debughttp

import (
	"context"
	"errors"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// PprofServer is a running pprof listener.
type PprofServer struct {
	srv *http.Server
	ln  net.Listener
}

// StartPprofServer starts a pprof HTTP server on addr. It returns once the
// listener is bound so address conflicts fail fast. An empty addr disables
// it and returns a nil server.
func StartPprofServer(addr string, logger *zap.Logger) (*PprofServer, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	p := &PprofServer{
		ln: ln,
		srv: &http.Server{
			Handler:           newPprofMux(),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          zap.NewStdLog(logger),
		},
	}

	logger.Info("pprof listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server error", zap.Error(err))
		}
	}()
	return p, nil
}

// Addr returns the bound address.
func (p *PprofServer) Addr() net.Addr { return p.ln.Addr() }

// Shutdown stops the listener. A nil server is a no-op.
func (p *PprofServer) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	if err := p.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newPprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	return mux
}
