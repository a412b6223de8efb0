// Package gatewaymock hosts a self-contained session gateway for development
// and tests. It serves the login and directory endpoints plus the websocket
// attach endpoint, backed by scripted terminal sessions or, when a shell is
// configured, real processes on a pty.
//
// The mock speaks the same protocol the runtime dials, so a full stack can
// run against it on one machine with no real gateway in reach.
package gatewaymock

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

const shutdownTimeout = 5 * time.Second

// Authenticator verifies username, password, and totp for /api/login.
type Authenticator interface {
	Authenticate(username, password, totp string) error
}

// Config carries mock gateway settings.
type Config struct {
	// Addr is the listen address for ListenAndServe.
	Addr string
	// Projects seeds the directory. Sessions created over attach channels
	// are patched into their project as they appear.
	Projects []schema.Project
	// Auth verifies login credentials. Logins fail when nil.
	Auth Authenticator
	// Shell, when set, backs new sessions with a real process on a pty
	// instead of the scripted terminal.
	Shell string
}

// Mock is an in-process gateway.
type Mock struct {
	cfg Config
	log pslog.Logger

	mu       sync.Mutex
	projects []schema.Project
	tokens   map[string]string
	sessions map[schema.SessionID]*hostedSession
	nextID   int
}

// New constructs a mock gateway. A nil logger falls back to the ambient one.
func New(cfg Config, logger pslog.Logger) *Mock {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Mock{
		cfg:      cfg,
		log:      logger,
		projects: cloneProjects(cfg.Projects),
		tokens:   make(map[string]string),
		sessions: make(map[schema.SessionID]*hostedSession),
	}
}

// Handler returns the mock's http.Handler.
func (m *Mock) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", m.handleLogin)
	mux.HandleFunc("/api/projects", m.requireToken(m.handleProjects))
	mux.HandleFunc("/api/attach", m.requireToken(m.handleAttach))
	return mux
}

// ListenAndServe serves the mock until the context is cancelled.
func (m *Mock) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:     m.cfg.Addr,
		Handler:  m.Handler(),
		ErrorLog: pslog.LogLoggerWithLevel(m.log, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	m.log.Info("mock gateway listening", "addr", m.cfg.Addr, "shell", m.cfg.Shell)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		m.stopSessions()
		return nil
	case err := <-errCh:
		m.stopSessions()
		return err
	}
}

func (m *Mock) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := m.log.With("remote", r.RemoteAddr)
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("mock login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if m.cfg.Auth == nil {
		log.Warn("mock login rejected", "err", "no auth store")
		writeError(w, http.StatusUnauthorized, errors.New("no auth store"))
		return
	}
	if err := m.cfg.Auth.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("mock login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token := randomToken(32)
	if token == "" {
		writeError(w, http.StatusInternalServerError, errors.New("token generation failed"))
		return
	}
	m.mu.Lock()
	m.tokens[token] = payload.Username
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "username": payload.Username})
	log.Info("mock login ok")
}

// IssueToken mints a pre-authorized bearer token for username, bypassing
// login. An embedded workspace uses it so the in-process service can attach
// without stored credentials.
func (m *Mock) IssueToken(username string) string {
	token := randomToken(32)
	if token == "" {
		return ""
	}
	m.mu.Lock()
	m.tokens[token] = username
	m.mu.Unlock()
	return token
}

func (m *Mock) handleProjects(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, m.snapshotProjects())
}

// requireToken gates a handler on a bearer token minted by handleLogin.
func (m *Mock) requireToken(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			m.log.Warn("mock request missing token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, errors.New("missing token"))
			return
		}
		m.mu.Lock()
		username, found := m.tokens[token]
		m.mu.Unlock()
		if !found {
			m.log.Warn("mock request invalid token", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		next(w, r, username)
	}
}

func (m *Mock) snapshotProjects() []schema.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneProjects(m.projects)
}

// createSession registers a new hosted session under the project matching
// selector by path or name.
func (m *Mock) createSession(selector string) (*hostedSession, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("create session: %w", schema.ErrProjectNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for pi := range m.projects {
		if m.projects[pi].Path != selector && m.projects[pi].Name != selector {
			continue
		}
		m.nextID++
		id := schema.SessionID(fmt.Sprintf("sess-%d", m.nextID))
		sess := newHostedSession(id, m.projects[pi].Path, m.cfg.Shell, m.log)
		m.sessions[id] = sess
		summary := "mock terminal"
		if m.cfg.Shell != "" {
			summary = filepath.Base(m.cfg.Shell)
		}
		m.projects[pi].Sessions = append(m.projects[pi].Sessions, schema.Session{
			ID:           id,
			ProjectPath:  m.projects[pi].Path,
			Summary:      summary,
			LastActivity: time.Now(),
		})
		return sess, nil
	}
	return nil, fmt.Errorf("project %q: %w", selector, schema.ErrProjectNotFound)
}

func (m *Mock) findSession(id schema.SessionID) (*hostedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// touchSession bumps the directory's LastActivity for a session.
func (m *Mock) touchSession(id schema.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pi := range m.projects {
		for si := range m.projects[pi].Sessions {
			if m.projects[pi].Sessions[si].ID == id {
				m.projects[pi].Sessions[si].LastActivity = time.Now()
				return
			}
		}
	}
}

func (m *Mock) stopSessions() {
	m.mu.Lock()
	sessions := make([]*hostedSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.stop()
	}
}

func cloneProjects(projects []schema.Project) []schema.Project {
	out := make([]schema.Project, len(projects))
	for i, project := range projects {
		clone := project
		clone.Sessions = append([]schema.Session(nil), project.Sessions...)
		out[i] = clone
	}
	return out
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func randomToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
