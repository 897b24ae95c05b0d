package models

import "time"

// IntegrationStatus is the connection state of a platform integration.
type IntegrationStatus string

// Integration connection states.
const (
	IntegrationDisconnected IntegrationStatus = "disconnected"
	IntegrationConnecting   IntegrationStatus = "connecting"
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationError        IntegrationStatus = "error"
)

// IntegrationConfig binds a platform adapter: which platform, whether it is
// enabled, and the opaque adapter-specific settings map.
type IntegrationConfig struct {
	ID       string `json:"id" yaml:"id"`
	Platform string `json:"platform" yaml:"platform"`
	Name     string `json:"name" yaml:"name"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	Status       IntegrationStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`

	// Config is adapter-specific and intentionally untyped; adapters project
	// the keys they understand at Init time.
	Config map[string]any `json:"config,omitempty" yaml:"config"`

	MessageCount  int64      `json:"message_count"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// MessageDirection tags a stored platform message.
type MessageDirection string

// Message directions.
const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// UnifiedMessage is the platform-neutral message shape. Adapters normalise
// platform-native events into this before handing them to the manager, and
// must skip echo messages (those originating from this agent).
type UnifiedMessage struct {
	ID            string           `json:"id"`
	IntegrationID string           `json:"integration_id"`
	Platform      string           `json:"platform"`
	Direction     MessageDirection `json:"direction"`
	ChatID        string           `json:"chat_id"`
	SenderID      string           `json:"sender_id,omitempty"`
	SenderName    string           `json:"sender_name,omitempty"`
	Text          string           `json:"text"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	PlatformMsgID string           `json:"platform_msg_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}
