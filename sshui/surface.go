package sshui

import (
	"fmt"
	"io"
	"sync"
)

// sshSurface adapts one SSH session stream to a workspace surface. The
// binding writes from its channel goroutine while the client loop writes
// picker frames, so all writes are serialized here.
type sshSurface struct {
	mu  sync.Mutex
	out io.Writer
}

func newSSHSurface(out io.Writer) *sshSurface {
	return &sshSurface{out: out}
}

func (s *sshSurface) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.out.Write(p)
	return err
}

func (s *sshSurface) Clear() {
	_ = s.Write([]byte("\x1b[2J\x1b[H"))
}

func (s *sshSurface) SetTitle(title string) {
	_ = s.Write([]byte(fmt.Sprintf("\x1b]0;%s\a", title)))
}
