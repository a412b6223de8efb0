package core

import (
	"context"

	"pkt.systems/termwire/schema"
)

// Service is the transport-agnostic workspace API. Surfaces (SSH clients,
// the local TTY, tests) register themselves, bind to terminal sessions, and
// feed input through it; the service owns the channels, the replay rings,
// and the shared session state behind the operations.
//
// All methods are safe for concurrent use.
type Service interface {
	// RegisterSurface announces a surface under a durable scope and returns
	// its tab identity. Registering an already-known scope swaps the surface
	// in place; the binding and its channel survive the swap.
	RegisterSurface(ctx context.Context, req schema.RegisterSurfaceRequest, surface Surface) (schema.RegisterSurfaceResponse, error)

	// UnregisterSurface removes a surface and disconnects its channel.
	UnregisterSurface(ctx context.Context, req schema.UnregisterSurfaceRequest) (schema.UnregisterSurfaceResponse, error)

	// Bind points a registered surface at a terminal session, tearing down
	// any previous channel first. An empty SessionID starts a new session in
	// Project; a non-empty SessionID resumes that session.
	Bind(ctx context.Context, req schema.BindRequest) (schema.BindResponse, error)

	// Detach disconnects the surface's channel. The surface stays registered
	// and its content is left untouched.
	Detach(ctx context.Context, req schema.DetachRequest) (schema.DetachResponse, error)

	// SendInput forwards keystroke bytes, verbatim, to the bound session.
	SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error)

	// Resize records a new surface geometry and reports the geometry in
	// effect toward the gateway.
	Resize(ctx context.Context, req schema.ResizeRequest) (schema.ResizeResponse, error)

	// Replay rewrites the binding's buffered output to its surface.
	Replay(ctx context.Context, req schema.ReplayRequest) (schema.ReplayResponse, error)

	// SelectSession marks a session as selected in the shared view state.
	// Selection is a view preference only; no channel is dialed.
	SelectSession(ctx context.Context, req schema.SelectSessionRequest) (schema.SelectSessionResponse, error)

	// ListSessions returns the cached project directory plus activity state,
	// optionally refreshing from the gateway first.
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)

	// RefreshDirectory forces a directory fetch from the gateway.
	RefreshDirectory(ctx context.Context, req schema.RefreshDirectoryRequest) (schema.RefreshDirectoryResponse, error)

	// BindingState inspects a surface's binding.
	BindingState(ctx context.Context, req schema.BindingStateRequest) (schema.BindingStateResponse, error)

	// Close disconnects every binding and releases the service.
	Close(ctx context.Context) error
}

// Surface is a terminal a binding draws to. The service treats it as
// opaque: bytes go out through Write in arrival order, Clear is called only
// when a surface is re-pointed at a different session, and SetTitle fires
// when the bound session changes. Implementations must tolerate calls from
// channel goroutines.
type Surface interface {
	Write(p []byte) error
	Clear()
	SetTitle(title string)
}

// Directory is the service's view of the session directory. The production
// implementation fetches over HTTP and patches its cache from lifecycle
// messages; tests substitute fixtures.
type Directory interface {
	Refresh(ctx context.Context) error
	Projects() []schema.Project
	Project(selector string) (schema.Project, error)
	Sessions(selector string) ([]schema.Session, error)
	Find(id schema.SessionID) (schema.Session, error)
	Apply(msg schema.Message)
}

// EventSink receives binding and session-state events from the service.
// Callbacks run on service goroutines and must not block.
type EventSink interface {
	OnBindingEvent(event schema.BindingEvent)
	OnSyncEvent(event schema.SyncEvent)
}
