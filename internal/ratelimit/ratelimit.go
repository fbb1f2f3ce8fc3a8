// Package ratelimit implements a per-client fixed-window request counter.
//
// Windows do not slide: a client may spend its full quota at the end of one
// window and again at the start of the next, so up to twice the limit can
// pass across a window edge. Callers relying on exact counts per window get
// exactly that behaviour.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultWindow        = time.Minute
	DefaultMaxRequests   = 100
	DefaultSweepInterval = time.Minute

	// shardCount controls how many independent shards the limiter uses. Each
	// shard has its own mutex so distinct clients rarely contend.
	shardCount = 16
)

// Config sets the window length, per-window quota and sweep cadence.
type Config struct {
	Window        time.Duration
	MaxRequests   int
	SweepInterval time.Duration
}

// Result is the outcome of a single [Limiter.Check].
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter tracks request counts per client ID. A background sweep removes
// expired entries so abandoned clients do not hold memory.
type Limiter struct {
	shards [shardCount]shard
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option customises a [Limiter].
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger used for limit and sweep events.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.log = logger }
}

// New creates a limiter and starts its sweep loop. Zero config values fall
// back to the package defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	l := &Limiter{
		cfg:   cfg,
		clock: clock.New(),
		log:   zap.NewNop(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	// The ticker is created before the loop starts so time advanced right
	// after New is never missed.
	go l.runSweep(l.clock.Ticker(l.cfg.SweepInterval))
	return l
}

// Limit returns the per-window quota.
func (l *Limiter) Limit() int {
	return l.cfg.MaxRequests
}

// Check counts one request for clientID and reports whether it is within
// the current window's quota. Rejected requests still count.
func (l *Limiter) Check(clientID string) Result {
	s := l.shard(clientID)
	now := l.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[clientID]
	if !ok || now.After(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(l.cfg.Window)}
		s.entries[clientID] = e
		return Result{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests - 1, ResetAt: e.resetAt}
	}

	e.count++
	if e.count > l.cfg.MaxRequests {
		l.log.Warn("rate limit exceeded", zap.String("client_id", clientID), zap.Int("count", e.count))
		return Result{Allowed: false, Limit: l.cfg.MaxRequests, Remaining: 0, ResetAt: e.resetAt}
	}
	return Result{Allowed: true, Limit: l.cfg.MaxRequests, Remaining: l.cfg.MaxRequests - e.count, ResetAt: e.resetAt}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Destroy stops the sweep loop and drops all entries. It is safe to call
// more than once.
func (l *Limiter) Destroy() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		clear(s.entries)
		s.mu.Unlock()
	}
}

func (l *Limiter) runSweep(ticker *clock.Ticker) {
	defer close(l.done)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if removed := l.sweep(); removed > 0 {
				l.log.Debug("rate limit entries swept", zap.Int("removed", removed))
			}
		}
	}
}

// sweep evicts entries whose window has ended. Called from the sweep loop so
// the hot Check path never iterates the map.
func (l *Limiter) sweep() int {
	now := l.clock.Now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.resetAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) shard(key string) *shard {
	return &l.shards[shardIndex(key)]
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(shardCount))
}
