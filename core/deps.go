package core

import (
	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/identity"
	"pkt.systems/termwire/internal/sessionstate"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/wire"
)

// ChannelFactory builds the channel a binding dials. Production uses
// wire.NewChannel; tests inject a factory that appends a fake dialer.
type ChannelFactory func(endpoint string, cfg schema.WireConfig, handlers wire.Handlers, opts ...wire.Option) *wire.Channel

// ServiceDeps carries the service's collaborators. Zero-value fields get
// working defaults from NewService, so production callers typically set
// only Token and Logger.
type ServiceDeps struct {
	// Directory resolves projects and sessions. Defaults to an HTTP client
	// against the configured gateway.
	Directory Directory
	// Channels builds session channels. Defaults to wire.NewChannel.
	Channels ChannelFactory
	// State is the shared session activity store. Defaults to a fresh store.
	State *sessionstate.Store
	// Tabs persists tab identities under the state dir.
	Tabs *identity.Store
	// EventSink, when set, receives binding and sync events.
	EventSink EventSink
	// Token is the bearer token presented to the gateway.
	Token  string
	Logger pslog.Logger
}
