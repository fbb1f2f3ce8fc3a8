package registry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/koltyakov/gtunnel/internal/domain"
	"github.com/koltyakov/gtunnel/internal/metrics"
)

type countingRecorder struct {
	metrics.Nop
	opened   atomic.Int64
	closed   atomic.Int64
	errors   sync.Map // kind -> *atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func (c *countingRecorder) ConnectionOpened() { c.opened.Add(1) }
func (c *countingRecorder) ConnectionClosed() { c.closed.Add(1) }
func (c *countingRecorder) BytesIn(n int)     { c.bytesIn.Add(int64(n)) }
func (c *countingRecorder) BytesOut(n int)    { c.bytesOut.Add(int64(n)) }
func (c *countingRecorder) Error(kind string) {
	v, _ := c.errors.LoadOrStore(kind, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *countingRecorder) errorCount(kind string) int64 {
	v, ok := c.errors.Load(kind)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

type closedEvent struct {
	id     string
	reason domain.CloseReason
}

type recordingObserver struct {
	mu     sync.Mutex
	opened []string
	closed []closedEvent
}

func (o *recordingObserver) ConnOpened(info domain.ConnInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info.ID)
}

func (o *recordingObserver) ConnClosed(info domain.ConnInfo, reason domain.CloseReason, _ time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, closedEvent{id: info.ID, reason: reason})
}

func (o *recordingObserver) closedEvents() []closedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]closedEvent(nil), o.closed...)
}

type harness struct {
	reg   *Registry
	rec   *countingRecorder
	obs   *recordingObserver
	clock *clock.Mock
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		rec:   &countingRecorder{},
		obs:   &recordingObserver{},
		clock: clock.NewMock(),
	}
	h.clock.Set(time.UnixMilli(1_700_000_000_000))
	h.reg = New(Config{WriteTimeout: time.Second, MaxMessageBytes: 1 << 16},
		WithClock(h.clock),
		WithLogger(zaptest.NewLogger(t)),
		WithRecorder(h.rec),
		WithObserver(h.obs),
	)
	h.srv = httptest.NewServer(http.HandlerFunc(h.reg.Accept))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.reg.CloseAll(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/tunnel"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	msg := readJSON(t, ws)
	require.Equal(t, "welcome", msg["type"])
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// waitCount waits until n connections are open and every other one has
// been fully removed.
func (h *harness) waitCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.obs.mu.Lock()
		live := len(h.obs.opened) - len(h.obs.closed)
		h.obs.mu.Unlock()
		return h.reg.Count() == n && live == n
	}, 5*time.Second, 5*time.Millisecond)
}

func TestAcceptSendsWelcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	msg := readJSON(t, ws)
	assert.Equal(t, "welcome", msg["type"])
	assert.Equal(t, float64(1_700_000_000_000), msg["timestamp"])

	assert.Equal(t, 1, h.reg.Count())
	assert.Equal(t, int64(1), h.rec.opened.Load())

	snap := h.reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "127.0.0.1", snap[0].RemoteIP)
	assert.NotEmpty(t, snap[0].ID)
}

func TestControlMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	pong := readJSON(t, ws)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, float64(h.clock.Now().UnixMilli()), pong["timestamp"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"echo","data":{"x":[1,"two"]}}`)))
	echo := readJSON(t, ws)
	assert.Equal(t, "echo", echo["type"])
	assert.Equal(t, map[string]any{"x": []any{float64(1), "two"}}, echo["data"])

	// Unknown and malformed messages get no reply and keep the connection.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])

	assert.Equal(t, 1, h.reg.Count())
	assert.Equal(t, int64(1), h.rec.errorCount(metrics.ErrProtocol))
}

func TestBinaryFramesAreEchoed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, got, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, payload, got)

	snap := h.reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(len(payload)), snap[0].BytesIn)
	assert.GreaterOrEqual(t, snap[0].BytesOut, int64(len(payload)))
	assert.Equal(t, int64(len(payload)), h.rec.bytesIn.Load())
}

func TestClientCloseRemovesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	h.waitCount(t, 0)

	events := h.obs.closedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonClient, events[0].reason)
	assert.Equal(t, int64(1), h.rec.closed.Load())
}

func TestTransportErrorRemovesConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	// Drop the TCP connection without a close handshake.
	require.NoError(t, ws.UnderlyingConn().Close())
	h.waitCount(t, 0)

	events := h.obs.closedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonTransport, events[0].reason)
	assert.Equal(t, int64(1), h.rec.errorCount(metrics.ErrTransport))
}

func TestWriteErrorRemovesConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)
	c := h.onlyConn(t)

	// Half-close the server side so its next write fails while reads still work.
	tcp, ok := c.ws.UnderlyingConn().(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	h.waitCount(t, 0)

	events := h.obs.closedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonTransport, events[0].reason)
	assert.Equal(t, int64(1), h.rec.errorCount(metrics.ErrTransport))
}

func TestUpgradeCarriesRateLimitHeaders(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		w.Header().Set("X-Internal", "hidden")
		h.reg.Accept(w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Empty(t, resp.Header.Get("X-Internal"))
	assert.Equal(t, "welcome", readJSON(t, ws)["type"])
}

func TestCountExcludesClosingConnections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dial(t)
	h.dial(t)
	h.waitCount(t, 2)

	snap := h.reg.Snapshot()
	require.Len(t, snap, 2)
	h.reg.mu.RLock()
	c := h.reg.conns[snap[0].ID]
	h.reg.mu.RUnlock()
	require.True(t, c.markClosing(domain.CloseReasonShutdown))

	assert.Equal(t, 1, h.reg.Count())
	assert.Len(t, h.reg.Snapshot(), 1)

	_ = c.ws.Close()
	h.waitCount(t, 1)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	_ = ws.WriteMessage(websocket.BinaryMessage, make([]byte, 1<<17))
	h.waitCount(t, 0)
	assert.Equal(t, int64(1), h.rec.closed.Load())
}

func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// The client never reads after the welcome, so pings go unanswered.
	h.dial(t)

	h.reg.Sweep()
	assert.Equal(t, 1, h.reg.Count(), "first sweep only marks and pings")

	h.reg.Sweep()
	h.waitCount(t, 0)

	events := h.obs.closedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.CloseReasonHeartbeat, events[0].reason)
	assert.Equal(t, int64(1), h.rec.closed.Load())
}

func TestHeartbeatKeepsResponsivePeer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)

	// Reading lets the client's default ping handler answer with a pong.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c := h.onlyConn(t)
	for range 3 {
		h.reg.Sweep()
		require.Eventually(t, c.alive.Load, 5*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 1, h.reg.Count())
}

func TestInboundPingMarksAlive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ws := h.dial(t)
	c := h.onlyConn(t)

	// Swallow transport pings so only the control message can revive it.
	ws.SetPingHandler(func(string) error { return nil })

	h.reg.Sweep()
	require.False(t, c.alive.Load())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, ws)["type"])
	assert.True(t, c.alive.Load())
}

func TestStartHeartbeatUsesClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dial(t)

	stop := h.reg.StartHeartbeat(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		h.clock.Add(DefaultHeartbeatInterval)
		return h.reg.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseAllDrainsAndRejectsNewConnections(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const n = 5
	for range n {
		h.dial(t)
	}
	h.waitCount(t, n)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.reg.CloseAll(ctx))
	assert.Equal(t, 0, h.reg.Count())
	assert.False(t, h.reg.Running())

	for _, ev := range h.obs.closedEvents() {
		assert.Equal(t, domain.CloseReasonShutdown, ev.reason)
	}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// Every opened connection is removed exactly once no matter which removal
// paths race each other.
func TestConnectionAccountingAcrossRemovalPaths(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const n = 12
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = h.dial(t)
	}
	h.waitCount(t, n)

	for i, ws := range conns {
		switch i % 4 {
		case 0:
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		case 1:
			_ = ws.UnderlyingConn().Close()
		case 2:
			if snap := h.reg.Snapshot(); len(snap) > 0 {
				h.reg.Close(snap[0].ID)
			}
		}
	}
	h.reg.Sweep()
	h.reg.Sweep()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.reg.CloseAll(ctx))

	assert.Equal(t, 0, h.reg.Count())
	assert.Equal(t, int64(n), h.rec.opened.Load())
	assert.Equal(t, int64(n), h.rec.closed.Load())

	seen := map[string]int{}
	for _, ev := range h.obs.closedEvents() {
		seen[ev.id]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "connection %s closed %d times", id, count)
	}
}

func (h *harness) onlyConn(t *testing.T) *conn {
	t.Helper()
	h.reg.mu.RLock()
	defer h.reg.mu.RUnlock()
	require.Len(t, h.reg.conns, 1)
	for _, c := range h.reg.conns {
		return c
	}
	return nil
}
