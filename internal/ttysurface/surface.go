// Package ttysurface adapts the process terminal to a workspace surface.
package ttysurface

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

// ErrDetached reports that the user pressed the detach key.
var ErrDetached = errors.New("detached by user")

// detachKey is Ctrl-], the telnet escape. It is intercepted locally and
// never forwarded.
const detachKey = 0x1d

// Surface is the local TTY as a bindable surface. Raw mode is entered
// explicitly so failures show up before the screen is touched.
type Surface struct {
	in  *os.File
	out *os.File
	log pslog.Logger

	mu    sync.Mutex
	saved *term.State
}

// New wraps the process stdin and stdout.
func New(logger pslog.Logger) *Surface {
	return NewWithFiles(os.Stdin, os.Stdout, logger)
}

// NewWithFiles wraps explicit files.
func NewWithFiles(in, out *os.File, logger pslog.Logger) *Surface {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Surface{in: in, out: out, log: logger}
}

// IsTerminal reports whether the input is an interactive terminal.
func (s *Surface) IsTerminal() bool {
	return term.IsTerminal(int(s.in.Fd()))
}

// EnterRaw switches the input terminal to raw mode. Idempotent; Restore
// undoes it.
func (s *Surface) EnterRaw() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved != nil {
		return nil
	}
	state, err := term.MakeRaw(int(s.in.Fd()))
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	s.saved = state
	return nil
}

// Restore returns the terminal to its pre-raw state. Safe to call more
// than once.
func (s *Surface) Restore() {
	s.mu.Lock()
	saved := s.saved
	s.saved = nil
	s.mu.Unlock()
	if saved == nil {
		return
	}
	if err := term.Restore(int(s.in.Fd()), saved); err != nil {
		s.log.Warn("terminal restore failed", "err", err)
	}
}

// Write sends session bytes to the terminal unmodified.
func (s *Surface) Write(p []byte) error {
	_, err := s.out.Write(p)
	return err
}

// Clear wipes the screen and homes the cursor.
func (s *Surface) Clear() {
	if _, err := s.out.WriteString("\x1b[2J\x1b[H"); err != nil {
		s.log.Debug("clear write failed", "err", err)
	}
}

// SetTitle sets the terminal title via OSC 0.
func (s *Surface) SetTitle(title string) {
	if _, err := fmt.Fprintf(s.out, "\x1b]0;%s\a", title); err != nil {
		s.log.Debug("title write failed", "err", err)
	}
}

// Size reads the current terminal geometry with TIOCGWINSZ.
func (s *Surface) Size() (schema.Geometry, error) {
	ws, err := unix.IoctlGetWinsize(int(s.out.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return schema.Geometry{}, fmt.Errorf("terminal size: %w", err)
	}
	return schema.Geometry{Cols: int(ws.Col), Rows: int(ws.Row)}, nil
}

// WatchResize reports the terminal geometry once up front and then on every
// SIGWINCH until ctx ends.
func (s *Surface) WatchResize(ctx context.Context, fn func(schema.Geometry)) {
	if fn == nil {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	go func() {
		defer signal.Stop(ch)
		if geo, err := s.Size(); err == nil {
			fn(geo)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			geo, err := s.Size()
			if err != nil {
				s.log.Debug("terminal size failed", "err", err)
				continue
			}
			fn(geo)
		}
	}()
}

// ReadInput pumps terminal input to fn until the input closes, fn fails, or
// the detach key arrives. Bytes before a detach key are still forwarded;
// the key itself never is. Returns ErrDetached on detach and io.EOF when
// the input ends.
func (s *Surface) ReadInput(ctx context.Context, fn func([]byte) error) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := s.in.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					if err := fn(append([]byte(nil), data[:i]...)); err != nil {
						return err
					}
				}
				return ErrDetached
			}
			if err := fn(append([]byte(nil), data...)); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("input read: %w", readErr)
		}
	}
}
