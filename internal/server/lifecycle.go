package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/gtunnel/internal/debughttp"
	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/log"
)

// auxServer is a listener that serves telemetry or ACME challenges next to
// the main one.
type auxServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

// Start binds the main socket and every enabled auxiliary listener, then
// serves them in the background. Binding errors are returned and leave
// nothing running. Start on a stopped server returns
// [domain.ErrServerClosed].
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return errors.New("server already started")
	case stateStopped:
		return domain.ErrServerClosed
	}

	if s.store != nil {
		if err := s.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate history store: %w", err)
		}
		n, err := s.store.ResetOpenConnections(ctx, s.clock.Now())
		if err != nil {
			return fmt.Errorf("reset open connections: %w", err)
		}
		if n > 0 {
			s.log.Info("reconciled connections left open by a previous run", zap.Int64("count", n))
		}
	}

	ln, err := s.listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	aux, err := s.bindAux()
	if err != nil {
		_ = ln.Close()
		return err
	}
	pprof, err := debughttp.StartPprofServer(s.cfg.Monitoring.Pprof.Addr, s.log.Named("pprof"))
	if err != nil {
		_ = ln.Close()
		for _, a := range aux {
			_ = a.ln.Close()
		}
		return fmt.Errorf("start pprof server: %w", err)
	}

	s.ln = ln
	s.aux = aux
	s.pprof = pprof
	s.startedAt = s.clock.Now()
	s.httpSrv = s.newHTTPServer("main", s.Handler())
	s.listening.Store(true)
	s.state = stateRunning

	s.stopHeartbeat = s.registry.StartHeartbeat(context.Background())

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel
	if s.history != nil {
		s.history.start()
		ticker := s.clock.Ticker(purgeInterval)
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			s.runJanitor(bgCtx, ticker)
		}()
	}

	s.group, s.groupCtx = errgroup.WithContext(context.Background())
	s.serve("main", s.httpSrv, ln)
	for _, a := range aux {
		s.serve(a.name, a.srv, a.ln)
		s.log.Info(a.name+" server started", log.Addr(a.ln.Addr().String()))
	}

	s.log.Info("Tunnel server started",
		zap.String("host", s.cfg.Server.Host),
		log.Port(s.cfg.Server.Port),
		zap.Bool("tls", s.cfg.Server.TLS.Enabled),
		log.Addr(ln.Addr().String()),
	)
	return nil
}

// Run starts the server and blocks until ctx ends or a listener fails, then
// stops it. Listener failures and shutdown errors are combined.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return multierr.Append(err, s.Stop(context.Background()))
	}
	return s.Wait(ctx)
}

// Wait blocks until ctx ends or a listener fails, then stops the server
// within shutdownTimeout. It must follow a successful Start.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	group, groupCtx := s.group, s.groupCtx
	s.mu.Unlock()
	if group == nil {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
	case <-groupCtx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := s.Stop(stopCtx)
	return multierr.Append(group.Wait(), stopErr)
}

// Stop closes every tunnel connection, then the main socket, then the rate
// limiter sweep and finally the auxiliary listeners, so telemetry stays
// reachable while connections drain. It is safe to call more than once and
// before Start; later calls return the first result.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.state == stateRunning
	s.state = stateStopped
	httpSrv, aux, pprof, stopHeartbeat, cancelBg := s.httpSrv, s.aux, s.pprof, s.stopHeartbeat, s.cancelBg
	s.mu.Unlock()

	if wasRunning {
		s.log.Info("Stopping tunnel server")
	}

	var err error
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if cerr := s.registry.CloseAll(ctx); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close tunnel connections: %w", cerr))
	}

	s.listening.Store(false)
	if httpSrv != nil {
		if serr := shutdownServer(ctx, httpSrv); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown main server: %w", serr))
		}
		s.log.Info("Server closed")
	}

	s.limiter.Destroy()

	for _, a := range aux {
		if serr := shutdownServer(ctx, a.srv); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown %s server: %w", a.name, serr))
		}
	}
	err = multierr.Append(err, pprof.Shutdown(ctx))

	if cancelBg != nil {
		cancelBg()
		s.bg.Wait()
	}
	if s.history != nil {
		if herr := s.history.close(ctx); herr != nil {
			err = multierr.Append(err, fmt.Errorf("drain connection history: %w", herr))
		}
	}
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
	}
	return err
}

// bindAux opens the metrics, dashboard and ACME challenge sockets that are
// enabled. On error every socket opened so far is closed.
func (s *Server) bindAux() ([]*auxServer, error) {
	type spec struct {
		name    string
		port    int
		handler http.Handler
	}
	var specs []spec
	mon := s.cfg.Monitoring
	if mon.Metrics.Enabled {
		specs = append(specs, spec{"metrics", mon.Metrics.Port, s.metricsHandler()})
	}
	if mon.Dashboard.Enabled {
		specs = append(specs, spec{"dashboard", mon.Dashboard.Port, s.dashboardHandler()})
	}
	if s.acme != nil {
		specs = append(specs, spec{"acme challenge", s.cfg.Server.TLS.ACME.HTTPPort, s.acme.HTTPHandler(http.NotFoundHandler())})
	}

	out := make([]*auxServer, 0, len(specs))
	for _, sp := range specs {
		addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(sp.port))
		ln, err := s.listen("tcp", addr)
		if err != nil {
			for _, a := range out {
				_ = a.ln.Close()
			}
			return nil, fmt.Errorf("listen %s server on %s: %w", sp.name, addr, err)
		}
		out = append(out, &auxServer{name: sp.name, srv: s.newHTTPServer(sp.name, sp.handler), ln: ln})
	}
	return out, nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	s.group.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(name+" server failed", zap.Error(err))
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
}

func (s *Server) newHTTPServer(name string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	if errLog, err := zap.NewStdLogAt(s.log.Named("http").With(zap.String("listener", name)), zapcore.WarnLevel); err == nil {
		srv.ErrorLog = errLog
	}
	return srv
}

func shutdownServer(ctx context.Context, srv *http.Server) error {
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
