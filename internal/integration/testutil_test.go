package integration_test

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/appconfig"
	"pkt.systems/termwire/internal/auth"
	"pkt.systems/termwire/internal/eventbus"
	"pkt.systems/termwire/internal/gatewaymock"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/sshui"
)

// testGateway serves a gatewaymock over a plain listener so tests can drop
// the gateway and bring it back on the same port. Stop severs every open
// connection, websockets included; the hosted sessions inside the mock
// survive the outage.
type testGateway struct {
	t    *testing.T
	mock *gatewaymock.Mock
	addr string

	mu    sync.Mutex
	srv   *http.Server
	conns map[net.Conn]struct{}
	done  chan struct{}
}

func startTestGateway(t *testing.T, mock *gatewaymock.Mock) *testGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &testGateway{
		t:     t,
		mock:  mock,
		addr:  ln.Addr().String(),
		conns: make(map[net.Conn]struct{}),
	}
	g.serve(ln)
	t.Cleanup(g.Stop)
	return g
}

func (g *testGateway) URL() string { return "http://" + g.addr }

func (g *testGateway) serve(ln net.Listener) {
	srv := &http.Server{
		Handler: g.mock.Handler(),
		// Hijacked websocket connections never reach StateClosed, which
		// keeps them in the map until Stop closes them by hand.
		ConnState: func(conn net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				g.mu.Lock()
				g.conns[conn] = struct{}{}
				g.mu.Unlock()
			case http.StateClosed:
				g.mu.Lock()
				delete(g.conns, conn)
				g.mu.Unlock()
			}
		},
	}
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ln)
		close(done)
	}()
	g.mu.Lock()
	g.srv = srv
	g.done = done
	g.mu.Unlock()
}

func (g *testGateway) Stop() {
	g.mu.Lock()
	srv, done := g.srv, g.done
	g.srv, g.done = nil, nil
	conns := make([]net.Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.conns = make(map[net.Conn]struct{})
	g.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	<-done
}

// Restart reclaims the gateway's old port and serves again.
func (g *testGateway) Restart() {
	g.t.Helper()
	var ln net.Listener
	var err error
	for attempt := 0; attempt < 40; attempt++ {
		ln, err = net.Listen("tcp", g.addr)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		g.t.Fatalf("relisten %s: %v", g.addr, err)
	}
	g.serve(ln)
}

type testStack struct {
	mock       *gatewaymock.Mock
	gateway    *testGateway
	bus        *eventbus.Bus
	service    core.Service
	store      *auth.Store
	sshAddr    string
	username   string
	password   string
	totpSecret string
}

// newTestStack assembles a full workspace: a seeded user store, a mock
// gateway on a real port, the service dialing it over websocket, and the
// SSH front end on a loopback listener.
func newTestStack(t *testing.T) *testStack {
	t.Helper()

	password := "test-password"
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatal(err)
	}
	secret, err := totp.Generate(totp.GenerateOpts{Issuer: "termwire", AccountName: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	seed := appconfig.SeedUser{
		Username:     "tester",
		PasswordHash: string(hash),
		TOTPSecret:   secret.Secret(),
	}
	store, err := auth.NewStoreWithLogger(filepath.Join(t.TempDir(), "users.json"), []appconfig.SeedUser{seed}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mock := gatewaymock.New(gatewaymock.Config{
		Projects: []schema.Project{
			{Name: "blog", Path: "/work/blog"},
			{Name: "shop", Path: "/work/shop"},
		},
		Auth: store,
	}, nil)
	gateway := startTestGateway(t, mock)

	bus := eventbus.New(nil)
	service, err := core.NewService(schema.ServiceConfig{
		StateDir:   filepath.Join(t.TempDir(), "state"),
		GatewayURL: gateway.URL(),
		Wire: schema.WireConfig{
			ReconnectDelay:       50 * time.Millisecond,
			MaxReconnectAttempts: 1000,
			DialTimeout:          2 * time.Second,
		},
	}, core.ServiceDeps{
		Token:     mock.IssueToken(seed.Username),
		EventSink: bus,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Close(ctx)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	sshSrv := &sshui.Server{
		Addr:        ln.Addr().String(),
		HostKeyPath: filepath.Join(t.TempDir(), "host_key"),
		Listener:    ln,
		Service:     service,
		AuthStore:   store,
		EventBus:    bus,
	}
	ctx, cancel := context.WithCancel(context.Background())
	sshDone := make(chan error, 1)
	go func() {
		sshDone <- sshSrv.ListenAndServe(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-sshDone:
		case <-time.After(5 * time.Second):
			t.Log("ssh server slow to stop")
		}
	})

	return &testStack{
		mock:       mock,
		gateway:    gateway,
		bus:        bus,
		service:    service,
		store:      store,
		sshAddr:    ln.Addr().String(),
		username:   seed.Username,
		password:   password,
		totpSecret: seed.TOTPSecret,
	}
}

// passwordAuth answers the keyboard-interactive challenge with the seeded
// password and a fresh TOTP code.
func (ts *testStack) passwordAuth(t *testing.T) ssh.AuthMethod {
	t.Helper()
	code, err := totp.GenerateCode(ts.totpSecret, time.Now())
	if err != nil {
		t.Fatalf("totp code: %v", err)
	}
	return ssh.KeyboardInteractive(func(_, _ string, _ []string, _ []bool) ([]string, error) {
		return []string{ts.password, code}, nil
	})
}

func currentTOTP(secret string) string {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return ""
	}
	return code
}

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}
