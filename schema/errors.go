package schema

import "errors"

var (
	// ErrNotConnected indicates a send was attempted while the channel is
	// not open.
	ErrNotConnected = errors.New("channel not connected")
	// ErrConnecting indicates an operation was rejected because a connect
	// attempt is already in flight.
	ErrConnecting = errors.New("connect already in flight")
	// ErrManuallyClosed indicates the channel was closed by the user and
	// will not reconnect until an explicit connect.
	ErrManuallyClosed = errors.New("channel manually closed")
	// ErrRetriesExhausted indicates the reconnect budget was spent without
	// re-establishing the channel.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	// ErrNoProject indicates a bind was requested without a project.
	ErrNoProject = errors.New("no project selected")
	// ErrSurfaceNotReady indicates a bind was requested before the surface
	// was registered.
	ErrSurfaceNotReady = errors.New("surface not initialized")
	// ErrSessionNotFound indicates a requested session is not in the
	// directory.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProjectNotFound indicates a requested project is not in the
	// directory.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotAuthenticated indicates a gateway call was made without a valid
	// token.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidScope indicates an invalid surface scope identifier.
	ErrInvalidScope = errors.New("invalid scope")
	// ErrServerClosed indicates the workspace was stopped.
	ErrServerClosed = errors.New("workspace closed")
)
