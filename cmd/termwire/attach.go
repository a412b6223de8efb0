package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/ttysurface"
	"pkt.systems/termwire/schema"
)

func newAttachCmd() *cobra.Command {
	var cfgPath string
	var scope string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "attach [project]",
		Short: "Bind the local terminal to a session",
		Long: "Attach binds this terminal to a gateway session: a project argument\n" +
			"starts a new session there, --session resumes an existing one.\n" +
			"Ctrl-] detaches and leaves the session running.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) > 0 {
				project = strings.TrimSpace(args[0])
			}
			if project == "" && sessionID == "" {
				return errors.New("project or --session required; run termwire sessions to list targets")
			}

			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			surface := ttysurface.New(logger)
			if !surface.IsTerminal() {
				return errors.New("attach requires an interactive terminal")
			}

			token, err := storedToken(cfg, logger)
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("no stored credentials for %s; run termwire login first", cfg.Gateway.BaseURL)
			}

			if scope == "" {
				scope = localScope()
			}

			watch := &bindingWatch{}
			svc, err := core.NewService(cfg.ServiceConfig(), core.ServiceDeps{
				EventSink: watch,
				Token:     token,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(context.Background()) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			attachCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			resp, err := svc.RegisterSurface(attachCtx, schema.RegisterSurfaceRequest{Scope: scope}, surface)
			if err != nil {
				return err
			}
			tabID := resp.TabID
			watch.arm(tabID, cancel)

			if geo, err := surface.Size(); err == nil {
				if _, err := svc.Resize(attachCtx, schema.ResizeRequest{TabID: tabID, Geometry: geo}); err != nil {
					logger.Debug("initial resize rejected", "err", err)
				}
			}

			if err := surface.EnterRaw(); err != nil {
				return err
			}
			defer surface.Restore()
			_ = surface.Write([]byte("termwire: attaching (detach: Ctrl-])\r\n"))

			if _, err := svc.Bind(attachCtx, schema.BindRequest{
				TabID:     tabID,
				Project:   project,
				SessionID: schema.SessionID(sessionID),
			}); err != nil {
				return err
			}

			surface.WatchResize(attachCtx, func(geo schema.Geometry) {
				if _, err := svc.Resize(attachCtx, schema.ResizeRequest{TabID: tabID, Geometry: geo}); err != nil {
					logger.Debug("resize rejected", "err", err)
				}
			})

			inputErr := make(chan error, 1)
			go func() {
				inputErr <- surface.ReadInput(attachCtx, func(data []byte) error {
					if _, err := svc.SendInput(attachCtx, schema.SendInputRequest{TabID: tabID, Data: data}); err != nil {
						// Keys typed while the channel reconnects are lost;
						// the binding writes its own status line.
						logger.Debug("input dropped", "err", err)
					}
					return nil
				})
			}()

			select {
			case <-attachCtx.Done():
				surface.Restore()
				if reason, gaveUp := watch.exhausted(); gaveUp {
					return fmt.Errorf("connection lost: %s", reason)
				}
				return nil
			case err := <-inputErr:
				surface.Restore()
				switch {
				case errors.Is(err, ttysurface.ErrDetached), errors.Is(err, io.EOF):
					if _, derr := svc.Detach(context.Background(), schema.DetachRequest{TabID: tabID}); derr != nil {
						logger.Debug("detach failed", "err", derr)
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "detached, session left running")
					return nil
				default:
					return err
				}
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&scope, "scope", "", "surface identity scope (defaults to tty:<user>@<host>)")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume this session id instead of starting a new session")
	return cmd
}

// bindingWatch cancels the attach context when the binding exhausts its
// reconnect budget. Callbacks arrive on service goroutines.
type bindingWatch struct {
	mu     sync.Mutex
	tab    schema.TabID
	cancel context.CancelFunc
	gaveUp bool
	reason string
}

func (w *bindingWatch) arm(tab schema.TabID, cancel context.CancelFunc) {
	w.mu.Lock()
	w.tab = tab
	w.cancel = cancel
	w.mu.Unlock()
}

func (w *bindingWatch) OnBindingEvent(event schema.BindingEvent) {
	w.mu.Lock()
	if w.cancel == nil || event.TabID != w.tab || event.Kind != schema.BindingGaveUp {
		w.mu.Unlock()
		return
	}
	w.gaveUp = true
	w.reason = event.Reason
	cancel := w.cancel
	w.mu.Unlock()
	cancel()
}

func (w *bindingWatch) OnSyncEvent(schema.SyncEvent) {}

func (w *bindingWatch) exhausted() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason, w.gaveUp
}

// localScope derives a durable surface identity for this user on this
// machine, so reattaching finds the same tab.
func localScope() string {
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "local"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return sanitizeScope("tty:" + username + "@" + host)
}

// sanitizeScope strips characters a scope may not contain.
func sanitizeScope(scope string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-' || r == '@' || r == ':':
			return r
		}
		return '-'
	}, scope)
}
