// Package sessionstate tracks which sessions are active and which one is
// selected, and broadcasts every change to subscribed views.
//
// Delivery is synchronous and ordered: a mutating call drains its event to
// every subscriber before returning. Mutations issued from inside a
// subscriber callback are queued and delivered after the in-flight event
// completes, so callbacks cannot deadlock the store.
package sessionstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

// Store is the session state synchronizer.
type Store struct {
	cfg schema.SyncConfig
	log pslog.Logger
	now func() time.Time

	mu       sync.Mutex
	active   map[schema.SessionID]struct{}
	lastSeen map[schema.SessionID]time.Time
	selected schema.SessionID

	subs     []*subscription
	nextSub  int
	queue    []schema.SyncEvent
	draining bool
}

type subscription struct {
	id    int
	kinds map[schema.SyncEventKind]struct{}
	fn    func(schema.SyncEvent)
}

func (s *subscription) wants(kind schema.SyncEventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// New constructs a Store.
func New(cfg schema.SyncConfig, logger pslog.Logger) *Store {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		cfg:      schema.NormalizeSyncConfig(cfg),
		log:      logger,
		now:      time.Now,
		active:   make(map[schema.SessionID]struct{}),
		lastSeen: make(map[schema.SessionID]time.Time),
	}
}

// Subscribe registers fn for the given event kinds, or for all kinds when
// none are named. Events arrive on the mutating goroutine, in mutation
// order. The returned function removes the subscription; an event already
// in flight may still be delivered once after it returns.
func (s *Store) Subscribe(fn func(schema.SyncEvent), kinds ...schema.SyncEventKind) (unsubscribe func()) {
	if s == nil || fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{id: s.nextSub, fn: fn}
	s.nextSub++
	if len(kinds) > 0 {
		sub.kinds = make(map[schema.SyncEventKind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	s.subs = append(s.subs, sub)
	s.log.Trace("sync subscribe", "sub", sub.id, "kinds", len(kinds))
	id := sub.id
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, candidate := range s.subs {
			if candidate.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				s.log.Trace("sync unsubscribe", "sub", id)
				return
			}
		}
	}
}

// MarkActive adds a session to the active set. Marking an already-active
// session re-emits the event so views can refresh.
func (s *Store) MarkActive(id schema.SessionID) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
	s.lastSeen[id] = s.now()
	s.emitLocked(schema.SyncSessionActive, id)
}

// MarkInactive removes a session from the active set. Unknown ids are a
// no-op. The session stays in the recently-active list until its activity
// window lapses.
func (s *Store) MarkInactive(id schema.SessionID) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return
	}
	delete(s.active, id)
	s.emitLocked(schema.SyncSessionInactive, id)
}

// Touch records activity on a session without changing the active set.
func (s *Store) Touch(id schema.SessionID) {
	if s == nil || id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[id] = s.now()
	s.emitLocked(schema.SyncSessionActivity, id)
}

// Select records the selected session. Selection is a pure view concern:
// it never connects, binds, or touches any channel. Re-selecting the
// current session re-emits the event.
func (s *Store) Select(id schema.SessionID) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
	s.emitLocked(schema.SyncSelectionChanged, id)
}

// ClearSelection drops the selected session.
func (s *Store) ClearSelection() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = ""
	s.emitLocked(schema.SyncSelectionChanged, "")
}

// NoteRefreshed announces that the directory cache was replaced.
func (s *Store) NoteRefreshed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(schema.SyncDirectoryRefreshed, "")
}

// Selected returns the selected session id, if any.
func (s *Store) Selected() schema.SessionID {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// IsActive reports whether a session is in the active set.
func (s *Store) IsActive(id schema.SessionID) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Snapshot returns a consistent copy of the store state. Active ids are
// sorted; recently active ids are ordered most recent first.
func (s *Store) Snapshot() schema.SyncSnapshot {
	if s == nil {
		return schema.SyncSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() schema.SyncSnapshot {
	now := s.now()
	cutoff := now.Add(-s.cfg.RecentWindow)
	for id, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			if _, stillActive := s.active[id]; !stillActive {
				delete(s.lastSeen, id)
			}
		}
	}
	snap := schema.SyncSnapshot{SelectedSessionID: s.selected}
	snap.ActiveSessionIDs = make([]schema.SessionID, 0, len(s.active))
	for id := range s.active {
		snap.ActiveSessionIDs = append(snap.ActiveSessionIDs, id)
	}
	sort.Slice(snap.ActiveSessionIDs, func(i, j int) bool {
		return snap.ActiveSessionIDs[i] < snap.ActiveSessionIDs[j]
	})
	snap.RecentlyActive = make([]schema.SessionID, 0, len(s.lastSeen))
	for id, seen := range s.lastSeen {
		if !seen.Before(cutoff) {
			snap.RecentlyActive = append(snap.RecentlyActive, id)
		}
	}
	sort.Slice(snap.RecentlyActive, func(i, j int) bool {
		a, b := snap.RecentlyActive[i], snap.RecentlyActive[j]
		sa, sb := s.lastSeen[a], s.lastSeen[b]
		if sa.Equal(sb) {
			return a < b
		}
		return sa.After(sb)
	})
	return snap
}

// emitLocked queues an event and drains the queue unless another drain is
// already in progress. mu must be held; it is released around subscriber
// callbacks and re-acquired before returning.
func (s *Store) emitLocked(kind schema.SyncEventKind, id schema.SessionID) {
	s.queue = append(s.queue, schema.SyncEvent{
		Kind:      kind,
		SessionID: id,
		Snapshot:  s.snapshotLocked(),
	})
	if s.draining {
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		event := s.queue[0]
		s.queue = s.queue[1:]
		subs := make([]*subscription, len(s.subs))
		copy(subs, s.subs)
		s.mu.Unlock()
		for _, sub := range subs {
			if sub.wants(event.Kind) {
				sub.fn(event)
			}
		}
		s.mu.Lock()
	}
	s.draining = false
}
