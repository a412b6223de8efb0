package sshui

// Config defines SSH attach surface settings.
type Config struct {
	Addr        string
	HostKeyPath string
}
