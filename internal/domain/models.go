// Package domain defines the core data types shared across the gtunnel
// server, connection registry, and history store.
package domain

import "time"

// ConnState describes the lifecycle position of a tunnel connection.
type ConnState int32

const (
	ConnStateConnecting ConnState = iota
	ConnStateOpen
	ConnStateClosing
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateOpen:
		return "open"
	case ConnStateClosing:
		return "closing"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records which removal path ended a connection.
type CloseReason string

const (
	CloseReasonClient    CloseReason = "client_close"
	CloseReasonTransport CloseReason = "transport_error"
	CloseReasonHeartbeat CloseReason = "heartbeat_timeout"
	CloseReasonShutdown  CloseReason = "server_shutdown"
	CloseReasonRestart   CloseReason = "server_restart"
)

// ConnInfo is an immutable view of a tunnel connection.
type ConnInfo struct {
	ID        string
	RemoteIP  string
	CreatedAt time.Time
	BytesIn   int64
	BytesOut  int64
}

// ConnRecord is a persisted connection history entry.
type ConnRecord struct {
	ID             string
	RemoteIP       string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	CloseReason    CloseReason
	BytesIn        int64
	BytesOut       int64
}

// HistorySummary aggregates stored connection history.
type HistorySummary struct {
	Total   int64
	Open    int64
	Evicted int64
}
