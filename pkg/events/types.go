// Package events provides the gateway's real-time fanout: a WebSocket hub
// with RBAC-filtered channel subscriptions, heartbeat-based liveness, and a
// change-gated periodic metrics broadcast.
package events

import "github.com/wardenhq/warden/pkg/rbac"

// Channel names clients may subscribe to.
const (
	ChannelMetrics  = "metrics"
	ChannelAudit    = "audit"
	ChannelTasks    = "tasks"
	ChannelSecurity = "security"
	// ChannelSystem carries hub control frames (acks); it is not
	// subscribable.
	ChannelSystem = "system"
)

// channelPermissions maps each subscribable channel to the permission a
// client must hold. Subscriptions to channels the user cannot read are
// silently dropped and not acknowledged.
var channelPermissions = map[string]rbac.Request{
	ChannelMetrics:  {Resource: "metrics", Action: "read"},
	ChannelAudit:    {Resource: "audit", Action: "read"},
	ChannelTasks:    {Resource: "tasks", Action: "read"},
	ChannelSecurity: {Resource: "security_events", Action: "read"},
}

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameAck         = "ack"
	FrameUpdate      = "update"
)

// ClientFrame is a message from a WebSocket client.
type ClientFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Channels []string `json:"channels"`
	} `json:"payload"`
}

// AckPayload lists the channels actually granted by a subscribe.
type AckPayload struct {
	Subscribed []string `json:"subscribed"`
}

// AckFrame acknowledges a subscribe with the channels actually granted.
type AckFrame struct {
	Type    string     `json:"type"`
	Channel string     `json:"channel"`
	Payload AckPayload `json:"payload"`
}

// UpdateFrame is one server-pushed event on a channel.
type UpdateFrame struct {
	Type      string `json:"type"`
	Channel   string `json:"channel"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
	Sequence  int64  `json:"sequence"`
}
