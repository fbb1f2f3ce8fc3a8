// Package tunnelproto defines the JSON control messages exchanged between the
// gtunnel server and its tunnel clients over a WebSocket connection.
package tunnelproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/koltyakov/gtunnel/internal/domain"
)

// Message kinds identify the type of a control [Message].
const (
	KindWelcome = "welcome"
	KindPing    = "ping"
	KindPong    = "pong"
	KindEcho    = "echo"
)

// Message is the envelope carried by every text frame. Timestamp is Unix
// milliseconds. Data is kept raw so echo replies return it byte-for-byte.
type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode parses a text frame. Anything that is not a JSON object yields an
// error wrapping [domain.ErrProtocol].
func Decode(b []byte) (Message, error) {
	var msg Message
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: expected JSON object", domain.ErrProtocol)
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}
	return msg, nil
}

// Encode renders msg as a JSON text frame payload.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Welcome is sent once when a connection enters the open state.
func Welcome(now time.Time) Message {
	return Message{Type: KindWelcome, Timestamp: now.UnixMilli()}
}

// Pong answers an application-level ping.
func Pong(now time.Time) Message {
	return Message{Type: KindPong, Timestamp: now.UnixMilli()}
}

// Echo returns data to the sender unchanged.
func Echo(data json.RawMessage) Message {
	return Message{Type: KindEcho, Data: data}
}
