// Package directory fetches and caches the gateway's project directory.
//
// The cache is replaced wholesale on a successful refresh and patched
// in place by session lifecycle messages between refreshes. A failed fetch
// keeps the previous cache so views degrade to stale rather than empty.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

const maxDirectoryBody = 8 << 20

// Client talks to the gateway directory endpoint.
type Client struct {
	base string
	http *http.Client
	log  pslog.Logger
	now  func() time.Time

	mu       sync.Mutex
	token    string
	projects []schema.Project
	fetched  time.Time
}

// Option adjusts client construction.
type Option func(*Client)

// WithToken sets the bearer token used for directory calls.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// NewClient constructs a directory client for the gateway at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: baseURL,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  pslog.Ctx(context.Background()),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, typically after a login.
func (c *Client) SetToken(token string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Refresh fetches the project directory and replaces the cache. On failure
// the previous cache is kept and the error returned.
func (c *Client) Refresh(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("refresh: %w", schema.ErrNotAuthenticated)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/projects", nil)
	if err != nil {
		return fmt.Errorf("directory request: %w", err)
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory fetch: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("directory fetch: %w", schema.ErrNotAuthenticated)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("directory fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectoryBody))
	if err != nil {
		return fmt.Errorf("directory read: %w", err)
	}
	var projects []schema.Project
	if err := json.Unmarshal(body, &projects); err != nil {
		return fmt.Errorf("directory decode: %w", err)
	}
	c.mu.Lock()
	c.projects = projects
	c.fetched = c.now()
	count := 0
	for _, project := range projects {
		count += len(project.Sessions)
	}
	c.mu.Unlock()
	c.log.Debug("directory refreshed", "projects", len(projects), "sessions", count)
	return nil
}

// Projects returns a copy of the cached project list.
func (c *Client) Projects() []schema.Project {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneProjects(c.projects)
}

// Project returns the cached project matching name or path.
func (c *Client) Project(selector string) (schema.Project, error) {
	if c == nil {
		return schema.Project{}, schema.ErrProjectNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, project := range c.projects {
		if project.Name == selector || project.Path == selector {
			return cloneProject(project), nil
		}
	}
	return schema.Project{}, fmt.Errorf("project %q: %w", selector, schema.ErrProjectNotFound)
}

// Sessions returns the cached sessions for a project selector.
func (c *Client) Sessions(selector string) ([]schema.Session, error) {
	project, err := c.Project(selector)
	if err != nil {
		return nil, err
	}
	return project.Sessions, nil
}

// Find returns the cached session with the given id.
func (c *Client) Find(id schema.SessionID) (schema.Session, error) {
	if c == nil {
		return schema.Session{}, schema.ErrSessionNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, project := range c.projects {
		for _, session := range project.Sessions {
			if session.ID == id {
				return session, nil
			}
		}
	}
	return schema.Session{}, fmt.Errorf("session %q: %w", id, schema.ErrSessionNotFound)
}

// LastFetched returns the time of the last successful refresh.
func (c *Client) LastFetched() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

// Apply patches the cache from a session lifecycle message. Sessions are
// added or touched, never removed: a closed channel says nothing about the
// session's existence.
func (c *Client) Apply(msg schema.Message) {
	if c == nil || msg.SessionID == "" {
		return
	}
	switch msg.Type {
	case schema.MessageSessionCreated, schema.MessageSessionResumed, schema.MessageSessionCompleted:
	default:
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for pi := range c.projects {
		if msg.Project != "" && c.projects[pi].Path != msg.Project && c.projects[pi].Name != msg.Project {
			continue
		}
		for si := range c.projects[pi].Sessions {
			if c.projects[pi].Sessions[si].ID == msg.SessionID {
				c.projects[pi].Sessions[si].LastActivity = now
				return
			}
		}
		if msg.Type == schema.MessageSessionCreated && msg.Project != "" {
			c.projects[pi].Sessions = append(c.projects[pi].Sessions, schema.Session{
				ID:           msg.SessionID,
				ProjectPath:  c.projects[pi].Path,
				LastActivity: now,
			})
			c.log.Debug("directory session added", "session", msg.SessionID, "project", c.projects[pi].Path)
			return
		}
	}
}

func cloneProjects(projects []schema.Project) []schema.Project {
	out := make([]schema.Project, len(projects))
	for i, project := range projects {
		out[i] = cloneProject(project)
	}
	return out
}

func cloneProject(project schema.Project) schema.Project {
	clone := project
	clone.Sessions = make([]schema.Session, len(project.Sessions))
	copy(clone.Sessions, project.Sessions)
	return clone
}
