package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/termwire/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Gateway       GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Wire          WireConfig    `mapstructure:"wire" yaml:"wire"`
	Redraw        RedrawConfig  `mapstructure:"redraw" yaml:"redraw"`
	Binding       BindingConfig `mapstructure:"binding" yaml:"binding"`
	Sync          SyncConfig    `mapstructure:"sync" yaml:"sync"`
	SSH           SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Mock          MockConfig    `mapstructure:"mock" yaml:"mock"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// GatewayConfig points the workspace at its gateway.
type GatewayConfig struct {
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	TokenDir        string `mapstructure:"token_dir" yaml:"token_dir"`
}

// WireConfig tunes channel reconnect and heartbeat behavior.
type WireConfig struct {
	ReconnectDelayMS         int `mapstructure:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts     int `mapstructure:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	HeartbeatMaxMissed       int `mapstructure:"heartbeat_max_missed" yaml:"heartbeat_max_missed"`
	DialTimeoutSeconds       int `mapstructure:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	WriteTimeoutSeconds      int `mapstructure:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// RedrawConfig tunes the output redraw limiter.
type RedrawConfig struct {
	ClearThreshold    int  `mapstructure:"clear_threshold" yaml:"clear_threshold"`
	CursorUpThreshold int  `mapstructure:"cursor_up_threshold" yaml:"cursor_up_threshold"`
	MinRepeats        int  `mapstructure:"min_repeats" yaml:"min_repeats"`
	Disabled          bool `mapstructure:"disabled" yaml:"disabled"`
}

// BindingConfig tunes terminal surface bindings.
type BindingConfig struct {
	Cols          int  `mapstructure:"cols" yaml:"cols"`
	Rows          int  `mapstructure:"rows" yaml:"rows"`
	ForwardResize bool `mapstructure:"forward_resize" yaml:"forward_resize"`
	SettleDelayMS int  `mapstructure:"settle_delay_ms" yaml:"settle_delay_ms"`
	RingSize      int  `mapstructure:"ring_size" yaml:"ring_size"`
}

// SyncConfig tunes session activity tracking.
type SyncConfig struct {
	RecentWindowSeconds int `mapstructure:"recent_window_seconds" yaml:"recent_window_seconds"`
}

// SSHConfig configures the SSH surface server.
type SSHConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	HostKeyPath string `mapstructure:"host_key_path" yaml:"host_key_path"`
}

// MockConfig configures the development gateway.
type MockConfig struct {
	Addr     string   `mapstructure:"addr" yaml:"addr"`
	PTY      bool     `mapstructure:"pty" yaml:"pty"`
	Shell    string   `mapstructure:"shell" yaml:"shell"`
	Projects []string `mapstructure:"projects" yaml:"projects"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".termwire", "state"),
		Gateway: GatewayConfig{
			BaseURL:         "http://127.0.0.1:27680",
			CredentialsPath: filepath.Join(home, ".termwire", "state", "credentials.bundle"),
			TokenDir:        filepath.Join(home, ".termwire", "state", "tokens"),
		},
		Wire: WireConfig{
			ReconnectDelayMS:         int(schema.DefaultReconnectDelay / time.Millisecond),
			MaxReconnectAttempts:     schema.DefaultMaxReconnectAttempts,
			HeartbeatIntervalSeconds: int(schema.DefaultHeartbeatInterval / time.Second),
			HeartbeatMaxMissed:       schema.DefaultHeartbeatMaxMissed,
			DialTimeoutSeconds:       int(schema.DefaultDialTimeout / time.Second),
			WriteTimeoutSeconds:      int(schema.DefaultWriteTimeout / time.Second),
		},
		Redraw: RedrawConfig{
			ClearThreshold:    schema.DefaultClearThreshold,
			CursorUpThreshold: schema.DefaultCursorUpThreshold,
			MinRepeats:        schema.DefaultMinRepeats,
		},
		Binding: BindingConfig{
			Cols:          schema.DefaultCols,
			Rows:          schema.DefaultRows,
			SettleDelayMS: int(schema.DefaultSettleDelay / time.Millisecond),
			RingSize:      schema.DefaultRingSize,
		},
		Sync: SyncConfig{
			RecentWindowSeconds: int(schema.DefaultRecentWindow / time.Second),
		},
		SSH: SSHConfig{
			Addr:        ":27622",
			HostKeyPath: filepath.Join(home, ".termwire", "ssh_host_key"),
		},
		Mock: MockConfig{
			Addr: ":27680",
		},
		Auth: AuthConfig{
			UserFile:  filepath.Join(home, ".termwire", "users.json"),
			SeedUsers: []SeedUser{},
		},
	}, nil
}

// ServiceConfig translates the file representation into runtime settings.
func (c Config) ServiceConfig() schema.ServiceConfig {
	return schema.ServiceConfig{
		StateDir:   c.StateDir,
		GatewayURL: c.Gateway.BaseURL,
		Wire: schema.WireConfig{
			ReconnectDelay:       time.Duration(c.Wire.ReconnectDelayMS) * time.Millisecond,
			MaxReconnectAttempts: c.Wire.MaxReconnectAttempts,
			HeartbeatInterval:    time.Duration(c.Wire.HeartbeatIntervalSeconds) * time.Second,
			HeartbeatMaxMissed:   c.Wire.HeartbeatMaxMissed,
			DialTimeout:          time.Duration(c.Wire.DialTimeoutSeconds) * time.Second,
			WriteTimeout:         time.Duration(c.Wire.WriteTimeoutSeconds) * time.Second,
		},
		Redraw: schema.RedrawConfig{
			ClearThreshold:    c.Redraw.ClearThreshold,
			CursorUpThreshold: c.Redraw.CursorUpThreshold,
			MinRepeats:        c.Redraw.MinRepeats,
			Disabled:          c.Redraw.Disabled,
		},
		Binding: schema.BindingConfig{
			Geometry:      schema.Geometry{Cols: c.Binding.Cols, Rows: c.Binding.Rows},
			ForwardResize: c.Binding.ForwardResize,
			SettleDelay:   time.Duration(c.Binding.SettleDelayMS) * time.Millisecond,
			RingSize:      c.Binding.RingSize,
		},
		Sync: schema.SyncConfig{
			RecentWindow: time.Duration(c.Sync.RecentWindowSeconds) * time.Second,
		},
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".termwire", "config.yaml"), nil
}
