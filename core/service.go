package core

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/directory"
	"pkt.systems/termwire/internal/identity"
	"pkt.systems/termwire/internal/logx"
	"pkt.systems/termwire/internal/sessionstate"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/wire"
)

type service struct {
	cfg      schema.ServiceConfig
	endpoint string
	dir      Directory
	tabs     *identity.Store
	state    *sessionstate.Store
	channels ChannelFactory
	sink     EventSink
	token    string
	logger   pslog.Logger

	mu       sync.Mutex
	bindings map[schema.TabID]*binding
	unsub    func()
	closed   bool
}

// NewService wires the workspace service. Absent deps get production
// defaults: an HTTP directory client, wire.NewChannel, a fresh session
// state store, and a tab identity store under cfg.StateDir.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	endpoint, err := AttachEndpoint(cfg.GatewayURL)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	dir := deps.Directory
	if dir == nil {
		dir = directory.NewClient(cfg.GatewayURL,
			directory.WithToken(deps.Token),
			directory.WithLogger(logger))
	}
	tabs := deps.Tabs
	if tabs == nil {
		tabs = identity.NewStore(cfg.StateDir, logger)
	}
	state := deps.State
	if state == nil {
		state = sessionstate.New(cfg.Sync, logger)
	}
	channels := deps.Channels
	if channels == nil {
		channels = wire.NewChannel
	}
	s := &service{
		cfg:      cfg,
		endpoint: endpoint,
		dir:      dir,
		tabs:     tabs,
		state:    state,
		channels: channels,
		sink:     deps.EventSink,
		token:    deps.Token,
		logger:   logger,
		bindings: make(map[schema.TabID]*binding),
	}
	if s.sink != nil {
		s.unsub = state.Subscribe(s.sink.OnSyncEvent)
	}
	return s, nil
}

// AttachEndpoint turns the gateway base URL into the websocket attach URL.
func AttachEndpoint(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url %q: unsupported scheme", base)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/api/attach"
	return parsed.String(), nil
}

// channelFor builds a channel whose handlers route back into b. The
// handlers read ch through the closure; the channel only invokes them
// after Connect, well past the assignment.
func (s *service) channelFor(b *binding) *wire.Channel {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	var ch *wire.Channel
	handlers := wire.Handlers{
		OnOpen:      func(id schema.ConnectionID) { b.onOpen(ch, id) },
		OnMessage:   func(msg schema.Message) { b.onMessage(ch, msg) },
		OnClosed:    func(reason string) { b.onClosed(ch, reason) },
		OnRetrying:  func(attempt, max int, _ time.Duration) { b.onRetrying(ch, attempt, max) },
		OnExhausted: func(err error) { b.onExhausted(ch, err) },
	}
	ch = s.channels(s.endpoint, s.cfg.Wire, handlers,
		wire.WithHeader(header),
		wire.WithLogger(b.log))
	return ch
}

func (s *service) RegisterSurface(ctx context.Context, req schema.RegisterSurfaceRequest, surface Surface) (schema.RegisterSurfaceResponse, error) {
	if surface == nil {
		return schema.RegisterSurfaceResponse{}, schema.ErrSurfaceNotReady
	}
	tab, err := s.tabs.Tab(req.Scope)
	if err != nil {
		return schema.RegisterSurfaceResponse{}, err
	}
	log := logx.WithTab(ctx, tab.ID())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.RegisterSurfaceResponse{}, schema.ErrServerClosed
	}
	if existing := s.bindings[tab.ID()]; existing != nil {
		existing.setSurface(surface)
		log.Info("surface rebound", "scope", req.Scope)
		return schema.RegisterSurfaceResponse{TabID: tab.ID()}, nil
	}
	s.bindings[tab.ID()] = newBinding(s, tab, surface)
	log.Info("surface registered", "scope", req.Scope)
	return schema.RegisterSurfaceResponse{TabID: tab.ID()}, nil
}

func (s *service) UnregisterSurface(ctx context.Context, req schema.UnregisterSurfaceRequest) (schema.UnregisterSurfaceResponse, error) {
	s.mu.Lock()
	b := s.bindings[req.TabID]
	delete(s.bindings, req.TabID)
	s.mu.Unlock()
	if b == nil {
		return schema.UnregisterSurfaceResponse{}, schema.ErrSurfaceNotReady
	}
	b.detach()
	logx.WithTab(ctx, req.TabID).Info("surface unregistered")
	return schema.UnregisterSurfaceResponse{}, nil
}

func (s *service) Bind(ctx context.Context, req schema.BindRequest) (schema.BindResponse, error) {
	project := strings.TrimSpace(req.Project)
	if project == "" && req.SessionID == "" {
		return schema.BindResponse{}, schema.ErrNoProject
	}
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.BindResponse{}, err
	}
	if project == "" {
		// Resuming by id alone: recover the project path from the directory
		// cache when it has one. The gateway resolves the session either way.
		if session, err := s.dir.Find(req.SessionID); err == nil {
			project = session.ProjectPath
		}
	}
	log := logx.WithTabSession(ctx, req.TabID, req.SessionID)
	log.Info("bind start", "project", project)
	if err := b.bind(ctx, project, req.SessionID); err != nil {
		return schema.BindResponse{}, err
	}
	return schema.BindResponse{TabID: req.TabID, SessionID: req.SessionID}, nil
}

func (s *service) Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error) {
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.DetachResponse{}, err
	}
	b.detach()
	logx.WithTab(ctx, req.TabID).Info("surface detached")
	return schema.DetachResponse{}, nil
}

func (s *service) SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.SendInputResponse{}, err
	}
	if len(req.Data) == 0 {
		return schema.SendInputResponse{}, nil
	}
	if err := b.sendInput(req.Data); err != nil {
		return schema.SendInputResponse{}, err
	}
	return schema.SendInputResponse{}, nil
}

func (s *service) Resize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error) {
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.ResizeResponse{}, err
	}
	effective := b.resize(req.Geometry)
	return schema.ResizeResponse{Geometry: effective}, nil
}

func (s *service) Replay(ctx context.Context, req schema.ReplayRequest) (schema.ReplayResponse, error) {
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.ReplayResponse{}, err
	}
	n, err := b.replay()
	if err != nil {
		return schema.ReplayResponse{}, err
	}
	return schema.ReplayResponse{Bytes: n}, nil
}

func (s *service) SelectSession(ctx context.Context, req schema.SelectSessionRequest) (schema.SelectSessionResponse, error) {
	if req.SessionID == "" {
		s.state.ClearSelection()
	} else {
		s.state.Select(req.SessionID)
	}
	return schema.SelectSessionResponse{Snapshot: s.state.Snapshot()}, nil
}

func (s *service) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	if req.Refresh {
		if err := s.dir.Refresh(ctx); err != nil {
			return schema.ListSessionsResponse{}, err
		}
		s.state.NoteRefreshed()
	}
	var projects []schema.Project
	if selector := strings.TrimSpace(req.Selector); selector != "" {
		project, err := s.dir.Project(selector)
		if err != nil {
			return schema.ListSessionsResponse{}, err
		}
		projects = []schema.Project{project}
	} else {
		projects = s.dir.Projects()
	}
	return schema.ListSessionsResponse{Projects: projects, Snapshot: s.state.Snapshot()}, nil
}

func (s *service) RefreshDirectory(ctx context.Context, req schema.RefreshDirectoryRequest) (schema.RefreshDirectoryResponse, error) {
	if err := s.dir.Refresh(ctx); err != nil {
		return schema.RefreshDirectoryResponse{}, err
	}
	s.state.NoteRefreshed()
	return schema.RefreshDirectoryResponse{Projects: s.dir.Projects()}, nil
}

func (s *service) BindingState(ctx context.Context, req schema.BindingStateRequest) (schema.BindingStateResponse, error) {
	b, err := s.lookup(req.TabID)
	if err != nil {
		return schema.BindingStateResponse{}, err
	}
	return schema.BindingStateResponse{Snapshot: b.snapshot()}, nil
}

func (s *service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bindings := make([]*binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.bindings = make(map[schema.TabID]*binding)
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	for _, b := range bindings {
		b.detach()
	}
	if unsub != nil {
		unsub()
	}
	s.logger.Info("workspace service closed", "bindings", len(bindings))
	return nil
}

func (s *service) lookup(tabID schema.TabID) (*binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schema.ErrServerClosed
	}
	b := s.bindings[tabID]
	if b == nil {
		return nil, schema.ErrSurfaceNotReady
	}
	return b, nil
}
