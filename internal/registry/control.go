package registry

import (
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/koltyakov/gtunnel/internal/log"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/tunnelproto"
)

// handleControl answers one text frame. Malformed and unknown messages are
// logged and dropped; the connection stays open.
func (r *Registry) handleControl(c *conn, data []byte) {
	msg, err := tunnelproto.Decode(data)
	if err != nil {
		r.log.Warn("error parsing message", log.ConnID(c.id), log.RemoteIP(c.remoteIP), zap.Error(err))
		r.rec.Error(metrics.ErrProtocol)
		return
	}
	r.log.Debug("received message", log.ConnID(c.id), zap.String("type", msg.Type))

	var reply tunnelproto.Message
	switch msg.Type {
	case tunnelproto.KindPing:
		c.alive.Store(true)
		reply = tunnelproto.Pong(r.clock.Now())
	case tunnelproto.KindEcho:
		reply = tunnelproto.Echo(msg.Data)
	default:
		r.log.Warn("unknown message type", log.ConnID(c.id), zap.String("type", msg.Type))
		return
	}
	if err := r.sendControl(c, reply); err != nil {
		r.log.Debug("control reply failed", log.ConnID(c.id), zap.Error(err))
	}
}

func (r *Registry) sendControl(c *conn, msg tunnelproto.Message) error {
	b, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return r.write(c, websocket.TextMessage, b)
}
