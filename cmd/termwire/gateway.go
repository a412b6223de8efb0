package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/auth"
	"pkt.systems/termwire/internal/gatewaymock"
	"pkt.systems/termwire/schema"
)

func newGatewayCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var projects []string
	var shell string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the standalone mock gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			store, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, cfg.Auth.SeedUsers, logger)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Mock.Addr
			}
			if len(projects) == 0 {
				projects = cfg.Mock.Projects
			}
			if shell == "" && cfg.Mock.PTY {
				shell = cfg.Mock.Shell
				if strings.TrimSpace(shell) == "" {
					shell = defaultMockShell()
				}
			}
			mock := gatewaymock.New(gatewaymock.Config{
				Addr:     addr,
				Projects: mockProjects(projects),
				Auth:     store,
				Shell:    shell,
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return mock.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to mock.addr)")
	cmd.Flags().StringArrayVar(&projects, "project", nil, "project path to serve (repeatable; defaults to mock.projects or the working directory)")
	cmd.Flags().StringVar(&shell, "shell", "", "back sessions with this shell on a pty instead of the scripted terminal")
	return cmd
}

// mockProjects seeds the mock directory. With no paths configured the
// working directory is served as a single project.
func mockProjects(paths []string) []schema.Project {
	if len(paths) == 0 {
		if wd, err := os.Getwd(); err == nil {
			paths = []string{wd}
		}
	}
	out := make([]schema.Project, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		out = append(out, schema.Project{Name: filepath.Base(path), Path: path})
	}
	return out
}
