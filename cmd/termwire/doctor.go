package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/backoff"
	"pkt.systems/termwire/internal/credentials"
	"pkt.systems/termwire/internal/directory"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/sshui"
	"pkt.systems/termwire/wire"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var dialTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run termwire diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath, "gateway", cfg.Gateway.BaseURL)

			if err := checkStateDir(logger, cfg.StateDir); err != nil {
				return err
			}
			checkHostKey(logger, cfg.SSH.HostKeyPath)
			token := doctorToken(logger, cfg)

			if err := checkDirectory(cmd.Context(), logger, cfg, token); err != nil {
				return err
			}
			if err := checkAttachRTT(cmd.Context(), logger, cfg, token, dialTimeout); err != nil {
				return err
			}
			logger.Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "timeout for the attach round trip check")
	return cmd
}

func checkStateDir(logger pslog.Logger, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("state_dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	probe := filepath.Join(dir, fmt.Sprintf(".doctor-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("state dir not writable: %w", err)
	}
	_ = os.Remove(probe)
	logger.Info("doctor state dir ok", "dir", dir)
	return nil
}

// checkHostKey provisions the SSH host key the way serve would. Failure is
// not fatal; the gateway checks still run.
func checkHostKey(logger pslog.Logger, path string) {
	signer, err := sshui.EnsureHostKey(path)
	if err != nil {
		logger.Warn("doctor host key failed", "path", path, "err", err)
		return
	}
	logger.Info("doctor host key ok", "path", path, "fingerprint", gossh.FingerprintSHA256(signer.PublicKey()))
}

func doctorToken(logger pslog.Logger, cfg appconfig.Config) string {
	store, err := credentials.NewStoreWithLogger(cfg.Gateway.CredentialsPath, cfg.Gateway.TokenDir, logger)
	if err != nil {
		logger.Warn("doctor credential store failed", "err", err)
		return ""
	}
	cred, err := store.Load(cfg.Gateway.BaseURL)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("doctor no stored credentials; run termwire login", "gateway", cfg.Gateway.BaseURL)
		} else {
			logger.Warn("doctor credential load failed", "err", err)
		}
		return ""
	}
	logger.Info("doctor credentials ok", "user", cred.Username, "saved", cred.SavedAt.Format(time.RFC3339))
	return cred.Token
}

func checkDirectory(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, token string) error {
	dir := directory.NewClient(cfg.Gateway.BaseURL,
		directory.WithToken(token),
		directory.WithLogger(logger))
	start := time.Now()
	if err := dir.Refresh(ctx); err != nil {
		return fmt.Errorf("doctor directory fetch failed: %w", err)
	}
	projects := dir.Projects()
	sessions := 0
	for _, project := range projects {
		sessions += len(project.Sessions)
	}
	logger.Info("doctor directory ok", "projects", len(projects), "sessions", sessions, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// checkAttachRTT dials the attach endpoint once and measures the time to
// the gateway's welcome.
func checkAttachRTT(ctx context.Context, logger pslog.Logger, cfg appconfig.Config, token string, timeout time.Duration) error {
	endpoint, err := core.AttachEndpoint(cfg.Gateway.BaseURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	opened := make(chan schema.ConnectionID, 1)
	ch := wire.NewChannel(endpoint, cfg.ServiceConfig().Wire, wire.Handlers{
		OnOpen: func(id schema.ConnectionID) {
			select {
			case opened <- id:
			default:
			}
		},
	}, wire.WithHeader(header), wire.WithLogger(logger),
		wire.WithPolicy(backoff.Fixed{Delay: time.Second, MaxAttempts: 1}))
	defer ch.ManualDisconnect()

	start := time.Now()
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("doctor attach dial failed: %w", err)
	}
	select {
	case id := <-opened:
		logger.Info("doctor attach ok", "rtt", time.Since(start).Round(time.Millisecond), "connection", string(id))
		return nil
	case <-time.After(timeout):
		return errors.New("doctor attach timed out waiting for welcome")
	case <-ctx.Done():
		return ctx.Err()
	}
}
