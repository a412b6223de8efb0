package integration_test

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// altScreenEnter marks one picker entry in the output stream. Counting it
// is the only reliable way to tell a re-entered picker from the first one.
const altScreenEnter = "\x1b[?1049h"

func TestSSHAttachDetachResume(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	client := dialSSH(t, stack)
	defer client.Close()
	stdin, output, session := startSSHSession(t, client)

	expectOutput(t, output, "select a session", 5*time.Second)
	expectOutput(t, output, "blog", 5*time.Second)
	expectOutput(t, output, "+ new session", 5*time.Second)

	// n starts a new session in the highlighted project.
	if _, err := fmt.Fprint(stdin, "n"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "welcome to /work/blog", 10*time.Second)
	expectOutput(t, output, "[termwire] ctrl-] detaches", 5*time.Second)

	if _, err := fmt.Fprint(stdin, "echo detour\r"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "\r\ndetour\r\n", 5*time.Second)

	// Ctrl-] drops back to the picker without ending the session.
	if _, err := fmt.Fprint(stdin, "\x1d"); err != nil {
		t.Fatal(err)
	}
	expectOutputCount(t, output, altScreenEnter, 2, 5*time.Second)
	if _, err := fmt.Fprint(stdin, "r"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "sess-1", 5*time.Second)

	// Enter resumes the highlighted session and replays its scrollback.
	if _, err := fmt.Fprint(stdin, "\r"); err != nil {
		t.Fatal(err)
	}
	expectOutputCount(t, output, "welcome to /work/blog", 2, 10*time.Second)

	if _, err := fmt.Fprint(stdin, "echo back\r"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "\r\nback\r\n", 5*time.Second)

	if _, err := fmt.Fprint(stdin, "\x1d"); err != nil {
		t.Fatal(err)
	}
	expectOutputCount(t, output, altScreenEnter, 3, 5*time.Second)
	if _, err := fmt.Fprint(stdin, "q"); err != nil {
		t.Fatal(err)
	}
	waitForSessionClose(t, session)
}

func TestSSHReconnectResumesBinding(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	client := dialSSH(t, stack)
	stdin, output, _ := startSSHSession(t, client)
	expectOutput(t, output, "select a session", 5*time.Second)
	if _, err := fmt.Fprint(stdin, "n"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "welcome to /work/blog", 10*time.Second)
	if _, err := fmt.Fprint(stdin, "echo keepsake\r"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output, "\r\nkeepsake\r\n", 5*time.Second)

	// Drop the SSH connection without detaching. The binding and its
	// channel stay up on the service side.
	_ = client.Close()

	client2 := dialSSH(t, stack)
	defer client2.Close()
	stdin2, output2, session2 := startSSHSession(t, client2)
	expectOutput(t, output2, "keepsake", 10*time.Second)
	expectOutput(t, output2, "[termwire] ctrl-] detaches", 5*time.Second)
	if strings.Contains(output2.String(), "select a session") {
		t.Fatalf("expected reconnect to resume straight into the session, got picker: %s", output2.String())
	}

	if _, err := fmt.Fprint(stdin2, "echo again\r"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output2, "\r\nagain\r\n", 5*time.Second)

	if _, err := fmt.Fprint(stdin2, "\x1d"); err != nil {
		t.Fatal(err)
	}
	expectOutput(t, output2, "select a session", 5*time.Second)
	if _, err := fmt.Fprint(stdin2, "q"); err != nil {
		t.Fatal(err)
	}
	waitForSessionClose(t, session2)
}

func TestSSHQuitFromPicker(t *testing.T) {
	requireLong(t)
	stack := newTestStack(t)

	client := dialSSH(t, stack)
	defer client.Close()
	stdin, output, session := startSSHSession(t, client)
	expectOutput(t, output, "select a session", 5*time.Second)
	if _, err := fmt.Fprint(stdin, "q"); err != nil {
		t.Fatal(err)
	}
	waitForSessionClose(t, session)
}

func dialSSH(t *testing.T, stack *testStack) *ssh.Client {
	t.Helper()
	client, err := ssh.Dial("tcp", stack.sshAddr, &ssh.ClientConfig{
		User:            stack.username,
		Auth:            []ssh.AuthMethod{stack.passwordAuth(t)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial ssh: %v", err)
	}
	return client
}

func startSSHSession(t *testing.T, client *ssh.Client) (io.WriteCloser, *lockedBuffer, *ssh.Session) {
	t.Helper()
	session, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := session.RequestPty("xterm", 40, 120, ssh.TerminalModes{}); err != nil {
		t.Fatal(err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := session.Shell(); err != nil {
		t.Fatal(err)
	}
	output := &lockedBuffer{}
	go func() {
		_, _ = io.Copy(output, stdout)
	}()
	return stdin, output, session
}

func waitForSessionClose(t *testing.T, session *ssh.Session) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()
	select {
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not close")
	case <-done:
	}
}

func expectOutput(t *testing.T, buffer *lockedBuffer, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Contains(buffer.String(), substr) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q in output: %s", substr, buffer.String())
}

func expectOutputCount(t *testing.T, buffer *lockedBuffer, substr string, count int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Count(buffer.String(), substr) >= count {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d of %q in output: %s", count, substr, buffer.String())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
