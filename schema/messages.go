package schema

// MessageType identifies a control message on a session channel.
type MessageType string

const (
	// MessageWelcome is sent by the gateway after the socket opens and
	// carries the server-assigned connection id.
	MessageWelcome MessageType = "welcome"
	// MessageInit binds the channel to a terminal session, creating or
	// resuming one.
	MessageInit MessageType = "init"
	// MessageInput carries keystroke bytes from the surface, verbatim.
	MessageInput MessageType = "input"
	// MessageResize announces a new terminal geometry.
	MessageResize MessageType = "resize"
	// MessageOutput carries terminal bytes from the session.
	MessageOutput MessageType = "output"
	// MessagePing is an application-level heartbeat probe.
	MessagePing MessageType = "ping"
	// MessagePong answers a ping, echoing its timestamp.
	MessagePong MessageType = "pong"
	// MessageSessionCreated reports that a new session started for this
	// channel.
	MessageSessionCreated MessageType = "session-created"
	// MessageSessionResumed reports that an existing session was reattached.
	MessageSessionResumed MessageType = "session-resumed"
	// MessageSessionCompleted reports that the bound session finished.
	MessageSessionCompleted MessageType = "session-completed"
	// MessageError reports a gateway-side failure on this channel.
	MessageError MessageType = "error"
)

// Message is the type-tagged JSON envelope exchanged on a session channel.
// Fields are populated per type; receivers ignore messages with unknown
// types rather than failing the channel.
type Message struct {
	Type         MessageType     `json:"type"`
	ConnectionID ConnectionID    `json:"connectionId,omitempty"`
	Project      string          `json:"project,omitempty"`
	SessionID    SessionID       `json:"sessionId,omitempty"`
	Cols         int             `json:"cols,omitempty"`
	Rows         int             `json:"rows,omitempty"`
	Data         []byte          `json:"data,omitempty"`
	Timestamp    int64           `json:"ts,omitempty"`
	Code         string          `json:"code,omitempty"`
	Text         string          `json:"message,omitempty"`
	Recoverable  bool            `json:"recoverable,omitempty"`
	Routing      *RoutingContext `json:"routing,omitempty"`
}
