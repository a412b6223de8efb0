package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses
// DefaultConfigPath. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("gateway.base_url", cfg.Gateway.BaseURL)
	v.SetDefault("gateway.credentials_path", cfg.Gateway.CredentialsPath)
	v.SetDefault("gateway.token_dir", cfg.Gateway.TokenDir)
	v.SetDefault("wire.reconnect_delay_ms", cfg.Wire.ReconnectDelayMS)
	v.SetDefault("wire.max_reconnect_attempts", cfg.Wire.MaxReconnectAttempts)
	v.SetDefault("wire.heartbeat_interval_seconds", cfg.Wire.HeartbeatIntervalSeconds)
	v.SetDefault("wire.heartbeat_max_missed", cfg.Wire.HeartbeatMaxMissed)
	v.SetDefault("wire.dial_timeout_seconds", cfg.Wire.DialTimeoutSeconds)
	v.SetDefault("wire.write_timeout_seconds", cfg.Wire.WriteTimeoutSeconds)
	v.SetDefault("redraw.clear_threshold", cfg.Redraw.ClearThreshold)
	v.SetDefault("redraw.cursor_up_threshold", cfg.Redraw.CursorUpThreshold)
	v.SetDefault("redraw.min_repeats", cfg.Redraw.MinRepeats)
	v.SetDefault("redraw.disabled", cfg.Redraw.Disabled)
	v.SetDefault("binding.cols", cfg.Binding.Cols)
	v.SetDefault("binding.rows", cfg.Binding.Rows)
	v.SetDefault("binding.forward_resize", cfg.Binding.ForwardResize)
	v.SetDefault("binding.settle_delay_ms", cfg.Binding.SettleDelayMS)
	v.SetDefault("binding.ring_size", cfg.Binding.RingSize)
	v.SetDefault("sync.recent_window_seconds", cfg.Sync.RecentWindowSeconds)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("mock.addr", cfg.Mock.Addr)
	v.SetDefault("mock.pty", cfg.Mock.PTY)
	v.SetDefault("mock.shell", cfg.Mock.Shell)
	v.SetDefault("mock.projects", cfg.Mock.Projects)
	v.SetDefault("auth.user_file", cfg.Auth.UserFile)
	v.SetDefault("auth.seed_users", cfg.Auth.SeedUsers)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateGatewayConfig(cfg.Gateway); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateGatewayConfig(cfg GatewayConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gateway.base_url must include scheme and host (e.g. https://gateway.example.com)")
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("gateway.base_url scheme must be http or https, got %q", parsed.Scheme)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Gateway.BaseURL = expandEnv(cfg.Gateway.BaseURL)
	cfg.Gateway.CredentialsPath = expandEnv(cfg.Gateway.CredentialsPath)
	cfg.Gateway.TokenDir = expandEnv(cfg.Gateway.TokenDir)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.Mock.Shell = expandEnv(cfg.Mock.Shell)
	for i, project := range cfg.Mock.Projects {
		cfg.Mock.Projects[i] = expandEnv(project)
	}
	cfg.Auth.UserFile = expandEnv(cfg.Auth.UserFile)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
