package schema

// BindingSnapshot is a read-only view of one surface binding for transports.
type BindingSnapshot struct {
	TabID     TabID
	Project   string
	SessionID SessionID
	State     ChannelState
	Geometry  Geometry
	Attempts  int
}
