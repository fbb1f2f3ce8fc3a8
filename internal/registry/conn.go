package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/gtunnel/internal/domain"
)

type conn struct {
	id        string
	remoteIP  string
	ws        *websocket.Conn
	createdAt time.Time

	// gorilla/websocket allows one concurrent writer.
	writeMu sync.Mutex

	state    atomic.Int32
	alive    atomic.Bool
	closing  atomic.Bool
	removed  atomic.Bool
	reason   atomic.Value // domain.CloseReason
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func (c *conn) write(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return err
	}
	c.bytesOut.Add(int64(len(data)))
	return nil
}

// markClosing records reason and moves the connection to closing. Only the
// first caller wins.
func (c *conn) markClosing(reason domain.CloseReason) bool {
	if !c.closing.CompareAndSwap(false, true) {
		return false
	}
	c.reason.Store(reason)
	c.state.CompareAndSwap(int32(domain.ConnStateOpen), int32(domain.ConnStateClosing))
	return true
}

func (c *conn) closeReason() (domain.CloseReason, bool) {
	if v, ok := c.reason.Load().(domain.CloseReason); ok {
		return v, true
	}
	return "", false
}

func (c *conn) info() domain.ConnInfo {
	return domain.ConnInfo{
		ID:        c.id,
		RemoteIP:  c.remoteIP,
		CreatedAt: c.createdAt,
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}
