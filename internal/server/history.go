package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/store/sqlite"
)

const (
	historyQueueSize    = 1024
	historyWriteTimeout = 5 * time.Second
	purgeInterval       = time.Hour
)

type historyEvent struct {
	info   domain.ConnInfo
	closed bool
	reason domain.CloseReason
	at     time.Time
}

// historyWriter records connection lifecycle events in the store off the
// connection goroutines. Events that do not fit in the queue are dropped.
type historyWriter struct {
	store   *sqlite.Store
	log     *zap.Logger
	events  chan historyEvent
	dropped atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}
}

func newHistoryWriter(store *sqlite.Store, logger *zap.Logger) *historyWriter {
	return &historyWriter{
		store:  store,
		log:    logger,
		events: make(chan historyEvent, historyQueueSize),
		done:   make(chan struct{}),
	}
}

func (h *historyWriter) ConnOpened(info domain.ConnInfo) {
	h.enqueue(historyEvent{info: info})
}

func (h *historyWriter) ConnClosed(info domain.ConnInfo, reason domain.CloseReason, at time.Time) {
	h.enqueue(historyEvent{info: info, closed: true, reason: reason, at: at})
}

func (h *historyWriter) enqueue(ev historyEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		n := h.dropped.Add(1)
		h.log.Warn("connection history queue full, dropping event", log.ConnID(ev.info.ID), zap.Int64("dropped", n))
	}
}

func (h *historyWriter) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.closed {
		return
	}
	h.started = true
	go h.run()
}

func (h *historyWriter) run() {
	defer close(h.done)
	for ev := range h.events {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		var err error
		if ev.closed {
			err = h.store.RecordDisconnected(ctx, ev.info, ev.reason, ev.at)
		} else {
			err = h.store.RecordConnected(ctx, ev.info)
		}
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.Warn("failed to record connection history", log.ConnID(ev.info.ID), zap.Error(err))
		}
	}
}

// close stops accepting events and waits until queued ones are written or
// ctx ends.
func (h *historyWriter) close(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	h.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) runJanitor(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	s.purgeHistory(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeHistory(ctx)
		}
	}
}

func (s *Server) purgeHistory(ctx context.Context) {
	retention := s.cfg.Storage.Retention()
	if retention <= 0 {
		return
	}
	n, err := s.store.PurgeBefore(ctx, s.clock.Now().Add(-retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("failed to purge connection history", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.log.Info("purged connection history", zap.Int64("count", n))
	}
}
