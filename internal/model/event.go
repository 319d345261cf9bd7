package model

import (
	"time"
)

// Stream event names pushed over the SSE and WebSocket channels.
const (
	EventConnected = "connected"
	EventMessage   = "message"
	EventHeartbeat = "heartbeat"
	EventError     = "error"
)

// ConnectedEvent is the first event on a freshly opened stream.
type ConnectedEvent struct {
	UserID    string `json:"userId"`
	PartnerID string `json:"partnerId"`
}

// HeartbeatEvent keeps idle stream connections alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a stream-side failure to the client.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
