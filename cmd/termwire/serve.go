package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termwire"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/credentials"
	"pkt.systems/termwire/internal/gatewaymock"
	"pkt.systems/termwire/sshui"
)

//go:embed assets/LOGO-ansishadow.txt
var serveLogo string

func newServeCmd() *cobra.Command {
	var cfgPath string
	var withMock bool
	var noBanner bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the termwire workspace servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logMode := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_MODE")))
			showBanner := !noBanner && logMode != "json" && logMode != "structured"
			if showBanner && serveLogo != "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), serveLogo)
			}
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			token, err := storedToken(cfg, logger)
			if err != nil {
				return err
			}
			if token == "" && !withMock {
				logger.Warn("no stored gateway credentials; attaches will fail until termwire login", "gateway", cfg.Gateway.BaseURL)
			}

			workspaceCfg := termwire.WorkspaceConfig{
				Service: cfg.ServiceConfig(),
				SSH:     sshui.Config{Addr: cfg.SSH.Addr, HostKeyPath: cfg.SSH.HostKeyPath},
				Mock:    toMockConfig(cfg.Mock),
				Auth:    toAuthConfig(cfg.Auth),
			}
			deps := termwire.WorkspaceDeps{
				ServiceDeps: core.ServiceDeps{
					Token:  token,
					Logger: logger,
				},
			}
			opts := []termwire.WorkspaceOption{termwire.WithSSH()}
			if withMock {
				opts = append(opts, termwire.WithGateway())
			}
			workspace, err := termwire.New(workspaceCfg, deps, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := workspace.Stop(stopCtx); err != nil {
					logger.Warn("workspace stop failed", "err", err)
				}
			}()
			logger.Info("ssh surface listening", "addr", cfg.SSH.Addr)
			if err := workspace.Start(ctx); err != nil {
				return err
			}
			return workspace.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&withMock, "mock", false, "run the embedded mock gateway alongside the SSH surface")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "disable startup banner")
	return cmd
}

// storedToken loads the saved bearer token for the configured gateway.
// Missing credentials are not an error here; the workspace starts and
// attaches fail until a login happens.
func storedToken(cfg appconfig.Config, logger pslog.Logger) (string, error) {
	store, err := credentials.NewStoreWithLogger(cfg.Gateway.CredentialsPath, cfg.Gateway.TokenDir, logger)
	if err != nil {
		return "", err
	}
	cred, err := store.Load(cfg.Gateway.BaseURL)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return cred.Token, nil
}

func toMockConfig(cfg appconfig.MockConfig) gatewaymock.Config {
	mock := gatewaymock.Config{
		Addr:     cfg.Addr,
		Projects: mockProjects(cfg.Projects),
	}
	if cfg.PTY {
		mock.Shell = cfg.Shell
		if strings.TrimSpace(mock.Shell) == "" {
			mock.Shell = defaultMockShell()
		}
	}
	return mock
}

func defaultMockShell() string {
	if shell := strings.TrimSpace(os.Getenv("SHELL")); shell != "" {
		return shell
	}
	return "/bin/sh"
}

func toAuthConfig(cfg appconfig.AuthConfig) termwire.AuthConfig {
	seeds := make([]termwire.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, termwire.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	return termwire.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}
