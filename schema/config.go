package schema

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults and clamp bounds for channel, redraw, and binding tunables.
const (
	// DefaultReconnectDelay is the fixed delay between reconnect attempts.
	DefaultReconnectDelay = 3 * time.Second
	// DefaultMaxReconnectAttempts bounds automatic reconnection.
	DefaultMaxReconnectAttempts = 5
	// DefaultHeartbeatInterval spaces application-level pings. The default
	// keeps the mechanism present but effectively inert.
	DefaultHeartbeatInterval = 24 * time.Hour
	// DefaultHeartbeatMaxMissed is the miss tolerance before the channel is
	// treated as dead. Zero disables the check.
	DefaultHeartbeatMaxMissed = 0
	// DefaultDialTimeout bounds a single dial attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds a single socket write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultClearThreshold is the minimum clear-line count for a redraw run
	// to be rewritten.
	DefaultClearThreshold = 5
	// DefaultCursorUpThreshold is the minimum cursor-up count for a redraw
	// run to be rewritten.
	DefaultCursorUpThreshold = 4
	// DefaultMinRepeats is the floor for rewritten redraw runs.
	DefaultMinRepeats = 3

	// DefaultCols and DefaultRows are the policy geometry sent to the
	// gateway regardless of surface size.
	DefaultCols = 200
	DefaultRows = 50
	// Geometry clamp bounds. Values outside are pulled to the nearest bound.
	MinCols = 20
	MaxCols = 500
	MinRows = 5
	MaxRows = 200

	// DefaultSettleDelay is the pause between tearing down an old binding's
	// channel and dialing the new one.
	DefaultSettleDelay = 500 * time.Millisecond
	// DefaultRecentWindow is how long a session counts as recently active.
	DefaultRecentWindow = 5 * time.Minute
	// DefaultRingSize bounds the per-binding output replay ring in bytes.
	DefaultRingSize = 256 * 1024
)

// WireConfig tunes channel reconnect and heartbeat behavior.
type WireConfig struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatMaxMissed   int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

// NormalizeWireConfig applies defaults to zero or negative values.
func NormalizeWireConfig(cfg WireConfig) WireConfig {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatMaxMissed < 0 {
		cfg.HeartbeatMaxMissed = DefaultHeartbeatMaxMissed
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return cfg
}

// RedrawConfig tunes the output redraw limiter.
type RedrawConfig struct {
	ClearThreshold    int
	CursorUpThreshold int
	MinRepeats        int
	Disabled          bool
}

// NormalizeRedrawConfig applies defaults to zero or negative values.
func NormalizeRedrawConfig(cfg RedrawConfig) RedrawConfig {
	if cfg.ClearThreshold <= 0 {
		cfg.ClearThreshold = DefaultClearThreshold
	}
	if cfg.CursorUpThreshold <= 0 {
		cfg.CursorUpThreshold = DefaultCursorUpThreshold
	}
	if cfg.MinRepeats <= 0 {
		cfg.MinRepeats = DefaultMinRepeats
	}
	return cfg
}

// BindingConfig tunes surface bindings.
type BindingConfig struct {
	// Geometry is the fixed policy size announced to the gateway.
	Geometry Geometry
	// ForwardResize forwards surface resize events (clamped) instead of
	// holding the policy geometry.
	ForwardResize bool
	// SettleDelay is the pause between unbinding and rebinding a surface.
	SettleDelay time.Duration
	// RingSize bounds the per-binding output replay ring in bytes.
	RingSize int
}

// NormalizeBindingConfig applies defaults and clamps the geometry.
func NormalizeBindingConfig(cfg BindingConfig) BindingConfig {
	if cfg.Geometry.Cols == 0 && cfg.Geometry.Rows == 0 {
		cfg.Geometry = Geometry{Cols: DefaultCols, Rows: DefaultRows}
	}
	cfg.Geometry = ClampGeometry(cfg.Geometry)
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	return cfg
}

// SyncConfig tunes the session state store.
type SyncConfig struct {
	RecentWindow time.Duration
}

// NormalizeSyncConfig applies defaults to zero or negative values.
func NormalizeSyncConfig(cfg SyncConfig) SyncConfig {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	return cfg
}

// ServiceConfig defines defaults and limits for the workspace service.
type ServiceConfig struct {
	// StateDir holds tab identities and credentials.
	StateDir string
	// GatewayURL is the base HTTP URL of the workspace gateway.
	GatewayURL string
	Wire       WireConfig
	Redraw     RedrawConfig
	Binding    BindingConfig
	Sync       SyncConfig
}

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ServiceConfig{}, err
		}
		cfg.StateDir = filepath.Join(home, ".termwire", "state")
	}
	cfg.Wire = NormalizeWireConfig(cfg.Wire)
	cfg.Redraw = NormalizeRedrawConfig(cfg.Redraw)
	cfg.Binding = NormalizeBindingConfig(cfg.Binding)
	cfg.Sync = NormalizeSyncConfig(cfg.Sync)
	return cfg, nil
}
