// Package registry tracks live tunnel connections, answers their control
// messages and evicts peers that stop responding to heartbeats.
package registry

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/netutil"
	"github.com/koltyakov/gtunnel/internal/tunnelproto"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxMessageBytes   = 10 << 20
	DefaultWriteTimeout      = 10 * time.Second
)

// Config controls per-connection limits and the heartbeat cadence.
type Config struct {
	HeartbeatInterval time.Duration
	MaxMessageBytes   int64
	WriteTimeout      time.Duration
	Compression       bool
}

// Observer receives connection lifecycle events. Calls happen on the
// connection's goroutine and must not block for long.
type Observer interface {
	ConnOpened(info domain.ConnInfo)
	ConnClosed(info domain.ConnInfo, reason domain.CloseReason, at time.Time)
}

type nopObserver struct{}

func (nopObserver) ConnOpened(domain.ConnInfo)                                {}
func (nopObserver) ConnClosed(domain.ConnInfo, domain.CloseReason, time.Time) {}

// Registry owns every open tunnel connection.
type Registry struct {
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
	rec      metrics.Recorder
	obs      Observer
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup
}

// Option customises a [Registry].
type Option func(*Registry)

// WithClock replaces the wall clock used for timestamps and the heartbeat.
func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.log = l } }

// WithRecorder sets the metrics sink.
func WithRecorder(rec metrics.Recorder) Option { return func(r *Registry) { r.rec = rec } }

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option { return func(r *Registry) { r.obs = o } }

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	r := &Registry{
		cfg:   cfg,
		clock: clock.New(),
		log:   zap.NewNop(),
		rec:   metrics.Nop{},
		obs:   nopObserver{},
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.upgrader = websocket.Upgrader{
		CheckOrigin:       func(*http.Request) bool { return true },
		EnableCompression: cfg.Compression,
	}
	return r
}

// Accept upgrades the request, registers the connection and starts its read
// loop. It returns once the connection is open; the loop runs until the peer
// goes away or the registry closes it.
func (r *Registry) Accept(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		netutil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
		return
	}

	remoteIP := netutil.ClientIP(req)
	ws, err := r.upgrader.Upgrade(w, req, upgradeHeader(w.Header()))
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		r.log.Warn("websocket upgrade failed", log.RemoteIP(remoteIP), zap.Error(err))
		r.rec.Error(metrics.ErrTransport)
		return
	}

	c := &conn{
		id:        uuid.NewString(),
		remoteIP:  remoteIP,
		ws:        ws,
		createdAt: r.clock.Now(),
	}
	c.alive.Store(true)
	ws.SetReadLimit(r.cfg.MaxMessageBytes)
	ws.EnableWriteCompression(r.cfg.Compression)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	if !r.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	r.rec.ConnectionOpened()
	r.obs.ConnOpened(c.info())
	r.log.Info("tunnel connection opened", log.ConnID(c.id), log.RemoteIP(remoteIP))

	if err := r.sendControl(c, tunnelproto.Welcome(r.clock.Now())); err != nil {
		r.log.Warn("failed to send welcome", log.ConnID(c.id), zap.Error(err))
		r.terminate(c, domain.CloseReasonTransport)
	}

	go r.readLoop(c)
}

// upgradeHeader carries headers set earlier in the handler chain onto the
// 101 response, which the upgrader writes on the hijacked connection.
func upgradeHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		if strings.HasPrefix(k, "X-Ratelimit-") {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

func (r *Registry) register(c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	c.state.Store(int32(domain.ConnStateOpen))
	r.conns[c.id] = c
	r.wg.Add(1)
	return true
}

func (r *Registry) readLoop(c *conn) {
	defer r.wg.Done()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			r.finish(c, r.readErrorReason(c, err))
			return
		}
		start := r.clock.Now()
		c.bytesIn.Add(int64(len(data)))
		r.rec.BytesIn(len(data))

		switch mt {
		case websocket.BinaryMessage:
			// Placeholder data plane: binary frames come back unchanged.
			if err := r.write(c, websocket.BinaryMessage, data); err != nil {
				r.log.Debug("binary echo failed", log.ConnID(c.id), zap.Error(err))
			}
		case websocket.TextMessage:
			r.handleControl(c, data)
		}

		r.rec.Duration(metrics.MethodWebSocket, r.clock.Since(start))
	}
}

// readErrorReason decides which removal path ended the read loop. A reason
// chosen by the registry itself takes precedence.
func (r *Registry) readErrorReason(c *conn, err error) domain.CloseReason {
	if reason, ok := c.closeReason(); ok {
		return reason
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return domain.CloseReasonClient
	}
	r.log.Warn("tunnel read error", log.ConnID(c.id), log.RemoteIP(c.remoteIP), zap.Error(err))
	r.rec.Error(metrics.ErrTransport)
	return domain.CloseReasonTransport
}

// finish removes c exactly once, whatever path got here first.
func (r *Registry) finish(c *conn, reason domain.CloseReason) {
	if !c.removed.CompareAndSwap(false, true) {
		return
	}
	c.markClosing(reason)
	_ = c.ws.Close()
	c.state.Store(int32(domain.ConnStateClosed))

	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	r.rec.ConnectionClosed()
	r.obs.ConnClosed(c.info(), reason, r.clock.Now())
	r.log.Info("tunnel connection closed",
		log.ConnID(c.id),
		log.RemoteIP(c.remoteIP),
		log.Reason(string(reason)),
		zap.Int64("bytes_in", c.bytesIn.Load()),
		zap.Int64("bytes_out", c.bytesOut.Load()),
	)
}

// terminate drops the transport without a close handshake. The read loop
// observes the failure and completes removal. It reports whether this call
// chose the close reason.
func (r *Registry) terminate(c *conn, reason domain.CloseReason) bool {
	if !c.markClosing(reason) {
		return false
	}
	_ = c.ws.Close()
	return true
}

// shutdown sends a going-away close frame before dropping the transport.
func (r *Registry) shutdown(c *conn, reason domain.CloseReason) {
	if !c.markClosing(reason) {
		return
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(r.cfg.WriteTimeout))
	_ = c.ws.Close()
}

// Close closes the connection with the given ID. It reports whether the
// connection was found.
func (r *Registry) Close(id string) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.shutdown(c, domain.CloseReasonClient)
	return true
}

// Sweep runs one heartbeat round: connections that did not answer the
// previous ping are terminated; the rest are marked not-alive and pinged.
func (r *Registry) Sweep() {
	for _, c := range r.open() {
		if !c.alive.Swap(false) {
			r.log.Warn("terminating inactive connection", log.ConnID(c.id), log.RemoteIP(c.remoteIP))
			r.terminate(c, domain.CloseReasonHeartbeat)
			continue
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
			r.log.Debug("heartbeat ping failed", log.ConnID(c.id), zap.Error(err))
		}
	}
}

// StartHeartbeat runs [Registry.Sweep] every heartbeat interval until stop
// is called or ctx ends. stop waits for the loop to exit.
func (r *Registry) StartHeartbeat(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// CloseAll stops accepting connections, closes every open one and waits for
// their read loops to finish or ctx to end.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.shutdown(c, domain.CloseReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the registry still accepts connections.
func (r *Registry) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Count returns the number of open connections. Connections already closing
// are left out, matching [Registry.Snapshot].
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.conns {
		if domain.ConnState(c.state.Load()) == domain.ConnStateOpen {
			n++
		}
	}
	return n
}

// Snapshot lists open connections, oldest first.
func (r *Registry) Snapshot() []domain.ConnInfo {
	conns := r.open()
	out := make([]domain.ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) open() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		if domain.ConnState(c.state.Load()) == domain.ConnStateOpen {
			conns = append(conns, c)
		}
	}
	return conns
}

func (r *Registry) write(c *conn, messageType int, data []byte) error {
	if err := c.write(messageType, data, r.cfg.WriteTimeout); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) && r.terminate(c, domain.CloseReasonTransport) {
			r.log.Warn("tunnel write error", log.ConnID(c.id), log.RemoteIP(c.remoteIP), zap.Error(err))
			r.rec.Error(metrics.ErrTransport)
		}
		return &domain.ConnError{ConnID: c.id, Op: "write", Err: err}
	}
	r.rec.BytesOut(len(data))
	return nil
}
