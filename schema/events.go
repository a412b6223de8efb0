package schema

// SyncEventKind identifies a session-state change broadcast to views.
type SyncEventKind string

const (
	// SyncSessionActive indicates a session entered the active set.
	SyncSessionActive SyncEventKind = "session-active"
	// SyncSessionInactive indicates a session left the active set.
	SyncSessionInactive SyncEventKind = "session-inactive"
	// SyncSessionActivity indicates activity was observed on a session.
	SyncSessionActivity SyncEventKind = "session-activity"
	// SyncSelectionChanged indicates the selected session changed or was
	// re-asserted.
	SyncSelectionChanged SyncEventKind = "selection-changed"
	// SyncDirectoryRefreshed indicates the project directory cache was
	// replaced.
	SyncDirectoryRefreshed SyncEventKind = "directory-refreshed"
)

// SyncEvent is delivered synchronously, in mutation order, to subscribers of
// the session state store. Snapshot reflects the store after the mutation.
type SyncEvent struct {
	Kind      SyncEventKind
	SessionID SessionID
	Snapshot  SyncSnapshot
}

// SyncSnapshot is a consistent copy of session activity state.
type SyncSnapshot struct {
	ActiveSessionIDs  []SessionID
	RecentlyActive    []SessionID
	SelectedSessionID SessionID
}

// BindingEventKind identifies a surface binding lifecycle change.
type BindingEventKind string

const (
	// BindingOpened indicates a channel opened for the binding.
	BindingOpened BindingEventKind = "opened"
	// BindingClosed indicates the binding's channel closed.
	BindingClosed BindingEventKind = "closed"
	// BindingRetrying indicates a reconnect attempt is scheduled.
	BindingRetrying BindingEventKind = "retrying"
	// BindingGaveUp indicates the reconnect budget was exhausted.
	BindingGaveUp BindingEventKind = "gave-up"
	// BindingSessionChanged indicates the bound session id changed.
	BindingSessionChanged BindingEventKind = "session-changed"
)

// BindingEvent reports a change on one surface's binding.
type BindingEvent struct {
	Kind      BindingEventKind
	TabID     TabID
	SessionID SessionID
	Attempt   int
	MaxTries  int
	Reason    string
}
