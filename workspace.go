package termwire

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/auth"
	"pkt.systems/termwire/internal/eventbus"
	"pkt.systems/termwire/internal/gatewaymock"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/sshui"
)

// Workspace composes the terminal service with its attach surfaces.
type Workspace interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// WorkspaceConfig configures the compositor.
type WorkspaceConfig struct {
	Service schema.ServiceConfig
	SSH     sshui.Config
	Mock    gatewaymock.Config
	Auth    AuthConfig
}

// AuthConfig defines authentication storage settings.
type AuthConfig struct {
	UserFile  string
	SeedUsers []SeedUser
}

// SeedUser seeds an initial user record.
type SeedUser struct {
	Username     string
	PasswordHash string
	TOTPSecret   string
}

// WorkspaceDeps captures dependencies required to build the workspace.
type WorkspaceDeps struct {
	ServiceDeps core.ServiceDeps
}

// WorkspaceOption toggles compositor components.
type WorkspaceOption func(*workspaceOptions)

type workspaceOptions struct {
	enableSSH     bool
	enableGateway bool
}

// WithSSH enables the SSH attach surface server.
func WithSSH() WorkspaceOption {
	return func(o *workspaceOptions) { o.enableSSH = true }
}

// WithGateway enables an embedded mock gateway, for development setups that
// run the whole stack in one process.
func WithGateway() WorkspaceOption {
	return func(o *workspaceOptions) { o.enableGateway = true }
}

// New constructs a composable termwire workspace.
func New(cfg WorkspaceConfig, deps WorkspaceDeps, opts ...WorkspaceOption) (Workspace, error) {
	options := workspaceOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableSSH && !options.enableGateway {
		return nil, errors.New("no services enabled")
	}

	logger := deps.ServiceDeps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	seeds := toSeedUsers(cfg.Auth.SeedUsers)
	authStore, err := auth.NewStoreWithLogger(cfg.Auth.UserFile, seeds, logger)
	if err != nil {
		return nil, err
	}

	var mock *gatewaymock.Mock
	if options.enableGateway {
		mockCfg := cfg.Mock
		mockCfg.Auth = authStore
		mock = gatewaymock.New(mockCfg, logger)
	}

	var service core.Service
	var sshSrv *sshui.Server
	if options.enableSSH {
		normalized, err := schema.NormalizeServiceConfig(cfg.Service)
		if err != nil {
			return nil, err
		}
		cfg.Service = normalized

		bus := eventbus.New(logger)
		serviceDeps := deps.ServiceDeps
		if serviceDeps.EventSink == nil {
			serviceDeps.EventSink = bus
		} else {
			serviceDeps.EventSink = eventFanout{sinks: []core.EventSink{serviceDeps.EventSink, bus}}
		}
		if serviceDeps.Token == "" && mock != nil {
			// The embedded gateway trusts its own workspace without a login.
			serviceDeps.Token = mock.IssueToken("workspace")
		}

		service, err = core.NewService(cfg.Service, serviceDeps)
		if err != nil {
			return nil, err
		}

		sshSrv = &sshui.Server{
			Addr:        cfg.SSH.Addr,
			HostKeyPath: cfg.SSH.HostKeyPath,
			Service:     service,
			AuthStore:   authStore,
			EventBus:    bus,
		}
	}

	return &compositeWorkspace{
		cfg:     cfg,
		options: options,
		sshSrv:  sshSrv,
		mock:    mock,
		service: service,
	}, nil
}

type compositeWorkspace struct {
	cfg     WorkspaceConfig
	options workspaceOptions
	sshSrv  *sshui.Server
	mock    *gatewaymock.Mock
	service core.Service
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (w *compositeWorkspace) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		pslog.Ctx(ctx).Warn("workspace start rejected", "reason", "already started")
		return errors.New("workspace already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.errCh = make(chan error, 2)
	w.started = true
	w.logger = pslog.Ctx(w.ctx)
	w.mu.Unlock()

	log := w.logger
	log.Info(
		"workspace start",
		"ssh", w.options.enableSSH,
		"gateway", w.options.enableGateway,
		"ssh_addr", w.cfg.SSH.Addr,
		"gateway_addr", w.cfg.Mock.Addr,
	)
	if w.options.enableSSH && w.sshSrv != nil {
		go func() {
			if err := w.sshSrv.ListenAndServe(w.ctx); err != nil {
				log.Error("ssh surface failed", "err", err)
				w.errCh <- err
			}
		}()
	}
	if w.options.enableGateway && w.mock != nil {
		go func() {
			if err := w.mock.ListenAndServe(w.ctx); err != nil {
				log.Error("mock gateway failed", "err", err)
				w.errCh <- err
			}
		}()
	}
	return nil
}

func (w *compositeWorkspace) Wait() error {
	w.mu.Lock()
	ctx := w.ctx
	errCh := w.errCh
	started := w.started
	w.mu.Unlock()
	if !started {
		return errors.New("workspace not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("workspace stopped", "err", err)
			_ = w.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (w *compositeWorkspace) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	started := w.started
	log := w.logger
	w.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("workspace stop requested")
	if w.service != nil {
		if err := w.service.Close(context.Background()); err != nil {
			log.Warn("workspace service close failed", "err", err)
		} else {
			log.Info("workspace service close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("workspace stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("workspace stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-w.ctx.Done():
		log.Info("workspace stopped")
		return nil
	}
}

func toSeedUsers(users []SeedUser) []appconfig.SeedUser {
	if len(users) == 0 {
		return nil
	}
	out := make([]appconfig.SeedUser, 0, len(users))
	for _, user := range users {
		out = append(out, appconfig.SeedUser{
			Username:     user.Username,
			PasswordHash: user.PasswordHash,
			TOTPSecret:   user.TOTPSecret,
		})
	}
	return out
}
