package model

import (
	"fmt"
	"time"
)

// ChannelKind identifies which client surface a connection serves. Each kind
// is metered against its own per-conversation cap.
type ChannelKind string

const (
	ChannelOperatorConsole ChannelKind = "operator_console"
	ChannelEmbeddedWidget  ChannelKind = "embedded_widget"
)

// ParseChannelKind converts a query/claim value into a ChannelKind.
// Empty defaults to the embedded widget.
func ParseChannelKind(s string) (ChannelKind, error) {
	switch ChannelKind(s) {
	case "", ChannelEmbeddedWidget:
		return ChannelEmbeddedWidget, nil
	case ChannelOperatorConsole:
		return ChannelOperatorConsole, nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
}

// ConnectionState is the lifecycle state of a subscriber connection.
type ConnectionState int32

const (
	StatePending ConnectionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason explains why a connection left the registry.
type CloseReason string

const (
	CloseClientGone       CloseReason = "client_closed"
	CloseHeartbeatTimeout CloseReason = "heartbeat_timeout"
	CloseDeliveryFailed   CloseReason = "delivery_failed"
	CloseShutdown         CloseReason = "shutdown"
)

// ConnectionInfo is a read-only snapshot of a registered connection.
type ConnectionInfo struct {
	ID              string          `json:"connection_id"`
	ConversationID  string          `json:"conversation_id"`
	Kind            ChannelKind     `json:"channel_kind"`
	RemoteIP        string          `json:"remote_ip"`
	Origin          string          `json:"origin"`
	State           ConnectionState `json:"-"`
	ConnectedAt     time.Time       `json:"connected_at"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
}

// AdmissionHandle is issued by admission control and consumed by the
// registry. ID makes registration idempotent for retries of the same handle.
type AdmissionHandle struct {
	ID             string
	ConversationID string
	Kind           ChannelKind
	RemoteIP       string
	Origin         string
	AdmittedAt     time.Time
	ExpiresAt      time.Time
}
