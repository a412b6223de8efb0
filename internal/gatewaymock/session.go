package gatewaymock

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

const scrollbackLimit = 64 << 10

// hostedSession is one terminal session living inside the mock. Without a
// shell it runs a small scripted prompt; with one it spawns the process on a
// pty. Output goes to the scrollback and to the most recently attached
// channel, which owns the session until another attaches.
type hostedSession struct {
	id      schema.SessionID
	project string
	shell   string
	log     pslog.Logger

	mu        sync.Mutex
	conn      *attachConn
	scroll    []byte
	line      []byte
	cols      int
	rows      int
	ptmx      *os.File
	cmd       *exec.Cmd
	completed bool
}

func newHostedSession(id schema.SessionID, project, shell string, logger pslog.Logger) *hostedSession {
	return &hostedSession{
		id:      id,
		project: project,
		shell:   shell,
		log:     logger.With("session", id),
	}
}

// start produces the session's first output. Resumed sessions never call it.
func (s *hostedSession) start() {
	if s.shell == "" {
		s.output([]byte(fmt.Sprintf("welcome to %s\r\n", s.project)))
		s.prompt()
		return
	}
	cmd := exec.Command(s.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if info, err := os.Stat(s.project); err == nil && info.IsDir() {
		cmd.Dir = s.project
	}
	ptmx, err := pty.Start(cmd)
	if err != nil {
		s.log.Error("mock shell start failed", "shell", s.shell, "err", err)
		s.output([]byte(fmt.Sprintf("failed to start %s: %v\r\n", s.shell, err)))
		s.complete()
		return
	}
	s.mu.Lock()
	s.ptmx = ptmx
	s.cmd = cmd
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	s.applySize(ptmx, cols, rows)
	go s.pump(ptmx, cmd)
}

func (s *hostedSession) pump(ptmx *os.File, cmd *exec.Cmd) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.output(chunk)
		}
		if err != nil {
			break
		}
	}
	_ = cmd.Wait()
	s.complete()
}

func (s *hostedSession) attach(c *attachConn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *hostedSession) detach(c *attachConn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *hostedSession) handleInput(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	ptmx := s.ptmx
	completed := s.completed
	s.mu.Unlock()
	if completed {
		return
	}
	if ptmx != nil {
		if _, err := ptmx.Write(data); err != nil {
			s.log.Debug("mock pty write failed", "err", err)
		}
		return
	}
	s.scriptedInput(data)
}

// scriptedInput echoes keystrokes and assembles lines the way a cooked
// terminal would. Enter arrives as CR in raw mode; a trailing LF is noise.
func (s *hostedSession) scriptedInput(data []byte) {
	for _, b := range data {
		switch b {
		case '\r':
			s.mu.Lock()
			line := string(s.line)
			s.line = s.line[:0]
			s.mu.Unlock()
			s.output([]byte("\r\n"))
			s.runScripted(line)
		case '\n':
		case 0x7f, '\b':
			s.mu.Lock()
			trimmed := len(s.line) > 0
			if trimmed {
				s.line = s.line[:len(s.line)-1]
			}
			s.mu.Unlock()
			if trimmed {
				s.output([]byte("\b \b"))
			}
		case 0x03:
			s.mu.Lock()
			s.line = s.line[:0]
			s.mu.Unlock()
			s.output([]byte("^C\r\n"))
			s.prompt()
		default:
			if b < 0x20 {
				continue
			}
			s.mu.Lock()
			s.line = append(s.line, b)
			s.mu.Unlock()
			s.output([]byte{b})
		}
	}
}

func (s *hostedSession) runScripted(line string) {
	switch cmd := strings.TrimSpace(line); {
	case cmd == "":
	case cmd == "exit":
		s.output([]byte("logout\r\n"))
		s.complete()
		return
	case cmd == "storm":
		s.output(redrawStorm())
	case cmd == "help":
		s.output([]byte("commands: help, echo <text>, storm, exit\r\n"))
	case strings.HasPrefix(cmd, "echo "):
		s.output([]byte(strings.TrimPrefix(cmd, "echo ") + "\r\n"))
	default:
		s.output([]byte(fmt.Sprintf("%s: command not found\r\n", cmd)))
	}
	s.prompt()
}

func (s *hostedSession) prompt() {
	s.output([]byte("$ "))
}

// redrawStorm emits the clear-and-reprint burst full-screen clients produce
// when they repaint a frame in place.
func redrawStorm() []byte {
	var buf bytes.Buffer
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&buf, "frame line %d\r\n", i+1)
	}
	buf.WriteString(strings.Repeat("\x1b[2K\x1b[1A", 6))
	buf.WriteString("\x1b[2K\x1b[G")
	buf.WriteString("frame redrawn\r\n")
	return buf.Bytes()
}

func (s *hostedSession) output(data []byte) {
	s.mu.Lock()
	s.scroll = append(s.scroll, data...)
	if over := len(s.scroll) - scrollbackLimit; over > 0 {
		s.scroll = append(s.scroll[:0], s.scroll[over:]...)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.send(schema.Message{Type: schema.MessageOutput, SessionID: s.id, Data: data})
	}
}

func (s *hostedSession) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx != nil {
		s.applySize(ptmx, cols, rows)
	}
}

func (s *hostedSession) applySize(ptmx *os.File, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	size := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	if err := pty.Setsize(ptmx, size); err != nil {
		s.log.Debug("mock pty resize failed", "err", err)
	}
}

func (s *hostedSession) scrollback() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.scroll...)
}

func (s *hostedSession) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *hostedSession) complete() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	conn := s.conn
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx != nil {
		_ = ptmx.Close()
	}
	if conn != nil {
		conn.send(schema.Message{Type: schema.MessageSessionCompleted, SessionID: s.id, Project: s.project})
	}
	s.log.Info("mock session completed")
}

// stop tears the session down without the completion handshake. Used on
// mock shutdown.
func (s *hostedSession) stop() {
	s.mu.Lock()
	ptmx := s.ptmx
	cmd := s.cmd
	s.mu.Unlock()
	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
