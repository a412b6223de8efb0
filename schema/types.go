package schema

import "time"

// TabID is the durable identity of one attach surface. It is generated the
// first time a scope is seen and survives restarts.
type TabID string

// ConnectionID identifies one live channel, assigned by the gateway on open.
type ConnectionID string

// SessionID identifies a terminal session hosted behind the gateway.
type SessionID string

// UserID identifies a user on the gateway.
type UserID string

// ChannelState describes the lifecycle state of a session channel.
type ChannelState string

const (
	// ChannelClosed means no socket exists and no attempt is in flight.
	ChannelClosed ChannelState = "closed"
	// ChannelConnecting means a dial attempt is in flight.
	ChannelConnecting ChannelState = "connecting"
	// ChannelOpen means the channel is established and usable.
	ChannelOpen ChannelState = "open"
	// ChannelClosing means a graceful shutdown is in progress.
	ChannelClosing ChannelState = "closing"
)

// Geometry is a terminal size in character cells.
type Geometry struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// RoutingContext identifies the origin of a request: which surface sent it
// and over which channel. A zero ConnectionID means no channel was live when
// the context was captured; such requests are tab-scoped best effort.
type RoutingContext struct {
	TabID        TabID        `json:"tabId"`
	ConnectionID ConnectionID `json:"connectionId,omitempty"`
	Timestamp    int64        `json:"ts"`
}

// Project is a workspace root known to the gateway directory.
type Project struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Sessions []Session `json:"sessions,omitempty"`
}

// Session describes one terminal session under a project.
type Session struct {
	ID           SessionID `json:"id"`
	ProjectPath  string    `json:"projectPath,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}
