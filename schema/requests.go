package schema

// RegisterSurfaceRequest announces a terminal surface under a durable scope.
// The scope maps 1:1 to a TabID; registering the same scope again rebinds
// the surface while keeping the tab identity.
type RegisterSurfaceRequest struct {
	Scope string
}

// RegisterSurfaceResponse carries the tab identity for the scope.
type RegisterSurfaceResponse struct {
	TabID TabID
}

// UnregisterSurfaceRequest drops a surface and disconnects its channel.
type UnregisterSurfaceRequest struct {
	TabID TabID
}

// UnregisterSurfaceResponse is empty.
type UnregisterSurfaceResponse struct{}

// BindRequest points a registered surface at a terminal session. An empty
// SessionID starts a new session in Project; a non-empty SessionID resumes.
type BindRequest struct {
	TabID     TabID
	Project   string
	SessionID SessionID
}

// BindResponse reports the bound target.
type BindResponse struct {
	TabID     TabID
	SessionID SessionID
}

// DetachRequest disconnects a surface's channel, keeping the surface
// registered and its content untouched.
type DetachRequest struct {
	TabID TabID
}

// DetachResponse is empty.
type DetachResponse struct{}

// SendInputRequest forwards keystroke bytes to the bound session.
type SendInputRequest struct {
	TabID TabID
	Data  []byte
}

// SendInputResponse is empty.
type SendInputResponse struct{}

// ResizeRequest reports a new surface geometry.
type ResizeRequest struct {
	TabID    TabID
	Geometry Geometry
}

// ResizeResponse carries the geometry in effect toward the gateway.
type ResizeResponse struct {
	Geometry Geometry
}

// ReplayRequest rewrites the binding's buffered output to its surface.
type ReplayRequest struct {
	TabID TabID
}

// ReplayResponse reports how many bytes were replayed.
type ReplayResponse struct {
	Bytes int
}

// SelectSessionRequest marks a session as selected. An empty SessionID
// clears the selection.
type SelectSessionRequest struct {
	SessionID SessionID
}

// SelectSessionResponse carries the resulting view state.
type SelectSessionResponse struct {
	Snapshot SyncSnapshot
}

// ListSessionsRequest lists known projects and sessions. Selector narrows
// to one project by name or path; Refresh fetches from the gateway first.
type ListSessionsRequest struct {
	Selector string
	Refresh  bool
}

// ListSessionsResponse carries the directory view plus activity state.
type ListSessionsResponse struct {
	Projects []Project
	Snapshot SyncSnapshot
}

// RefreshDirectoryRequest forces a directory fetch.
type RefreshDirectoryRequest struct{}

// RefreshDirectoryResponse carries the refreshed project list.
type RefreshDirectoryResponse struct {
	Projects []Project
}

// BindingStateRequest inspects a surface's binding.
type BindingStateRequest struct {
	TabID TabID
}

// BindingStateResponse carries a point-in-time binding snapshot.
type BindingStateResponse struct {
	Snapshot BindingSnapshot
}
