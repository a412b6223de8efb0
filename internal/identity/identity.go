// Package identity persists durable attach-surface identities.
//
// Every surface scope owns one tab id, generated on first use and reloaded
// on every later start. The connection id rebinds each time a channel
// reports its server-assigned identity and clears when the channel closes;
// the tab id never changes.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

// Store hands out durable tabs keyed by surface scope. Identities live as
// one JSON file per scope under the state directory.
type Store struct {
	dir string
	log pslog.Logger
	now func() time.Time

	mu   sync.Mutex
	tabs map[string]*Tab
}

// NewStore constructs a Store rooted at dir.
func NewStore(dir string, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		dir:  dir,
		log:  logger,
		now:  time.Now,
		tabs: make(map[string]*Tab),
	}
}

// Tab returns the durable tab for scope, creating and persisting one on
// first use. Repeated calls with the same scope return the same instance.
func (s *Store) Tab(scope string) (*Tab, error) {
	if s == nil {
		return nil, schema.ErrInvalidScope
	}
	if err := schema.ValidateScope(scope); err != nil {
		return nil, fmt.Errorf("tab scope %q: %w", scope, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tab, ok := s.tabs[scope]; ok {
		return tab, nil
	}
	record, created, err := s.loadOrCreate(scope)
	if err != nil {
		return nil, err
	}
	tab := &Tab{scope: scope, id: record.TabID, now: s.now}
	s.tabs[scope] = tab
	if created {
		s.log.Info("tab identity created", "scope", scope, "tab", record.TabID)
	} else {
		s.log.Debug("tab identity loaded", "scope", scope, "tab", record.TabID)
	}
	return tab, nil
}

type tabRecord struct {
	TabID     schema.TabID `json:"tabId"`
	CreatedAt time.Time    `json:"createdAt"`
}

func (s *Store) loadOrCreate(scope string) (tabRecord, bool, error) {
	path := s.tabPath(scope)
	data, err := os.ReadFile(path)
	if err == nil {
		var record tabRecord
		if jsonErr := json.Unmarshal(data, &record); jsonErr == nil && record.TabID != "" {
			return record, false, nil
		}
		s.log.Warn("tab identity file unreadable, regenerating", "path", path)
	} else if !os.IsNotExist(err) {
		return tabRecord{}, false, fmt.Errorf("read tab identity: %w", err)
	}
	record := tabRecord{
		TabID:     schema.TabID(uuid.NewString()),
		CreatedAt: s.now().UTC(),
	}
	if err := s.writeRecord(path, record); err != nil {
		return tabRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) tabPath(scope string) string {
	return filepath.Join(s.dir, "tabs", scope+".json")
}

func (s *Store) writeRecord(path string, record tabRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create tab identity dir: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tab identity: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tab-*.json")
	if err != nil {
		return fmt.Errorf("create tab identity temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write tab identity: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync tab identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close tab identity: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod tab identity: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename tab identity: %w", err)
	}
	return nil
}

// Tab is one surface's durable identity plus its current channel binding.
type Tab struct {
	scope string
	id    schema.TabID
	now   func() time.Time

	mu   sync.Mutex
	conn schema.ConnectionID
}

// ID returns the durable tab id.
func (t *Tab) ID() schema.TabID {
	if t == nil {
		return ""
	}
	return t.id
}

// Scope returns the scope this tab was created for.
func (t *Tab) Scope() string {
	if t == nil {
		return ""
	}
	return t.scope
}

// BindConnection records the server-assigned identity of the live channel.
func (t *Tab) BindConnection(id schema.ConnectionID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.conn = id
	t.mu.Unlock()
}

// ClearConnection drops the channel identity after a close.
func (t *Tab) ClearConnection() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.conn = ""
	t.mu.Unlock()
}

// ConnectionID returns the currently bound channel identity, if any.
func (t *Tab) ConnectionID() schema.ConnectionID {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Routing captures the routing context at call time. A zero ConnectionID
// means no channel is live and the request is tab-scoped best effort.
func (t *Tab) Routing() schema.RoutingContext {
	if t == nil {
		return schema.RoutingContext{}
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	return schema.RoutingContext{
		TabID:        t.id,
		ConnectionID: conn,
		Timestamp:    t.now().UnixMilli(),
	}
}
