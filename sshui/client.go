package sshui

import (
	"bytes"
	"context"
	"io"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/pslog"
	"pkt.systems/termwire/core"
	"pkt.systems/termwire/internal/eventbus"
	"pkt.systems/termwire/schema"
)

// detachKey is Ctrl-], the telnet escape. It drops the client back to the
// picker without touching the session.
const detachKey = 0x1d

type clientMode int

const (
	modePicker clientMode = iota
	modeRelay
)

// client drives one SSH connection. It runs in one of two modes: the picker
// (alt screen, decoded keys, session list) or the relay (raw passthrough
// between the SSH stream and the bound session). The surface registration
// outlives the connection, so a reconnecting client finds its binding where
// it left it.
type client struct {
	in      io.Reader
	surface *sshSurface
	service core.Service
	bus     *eventbus.Bus
	scope   string
	tabID   schema.TabID
	log     pslog.Logger

	width  int
	height int

	mode      clientMode
	picker    picker
	decoder   keyDecoder
	notice    string
	dirty     bool
	altScreen bool
	refreshed bool
}

func newClient(rw io.ReadWriter, service core.Service, bus *eventbus.Bus, scope string, logger pslog.Logger) *client {
	return &client{
		in:      rw,
		surface: newSSHSurface(rw),
		service: service,
		bus:     bus,
		scope:   scope,
		log:     logger,
	}
}

func (c *client) SetSize(width, height int) {
	if width <= 0 {
		width = 80
	}
	if height <= 0 {
		height = 24
	}
	c.width = width
	c.height = height
}

func (c *client) Run(ctx context.Context, winCh <-chan gliderssh.Window) error {
	resp, err := c.service.RegisterSurface(ctx, schema.RegisterSurfaceRequest{Scope: c.scope}, c.surface)
	if err != nil {
		_ = c.surface.Write([]byte("termwire: " + err.Error() + "\r\n"))
		return err
	}
	c.tabID = resp.TabID
	c.log = c.log.With("tab", c.tabID)
	defer c.exitAlt()

	var events <-chan eventbus.Event
	if c.bus != nil {
		var unsubscribe func()
		events, unsubscribe = c.bus.Subscribe(c.tabID)
		defer unsubscribe()
	}

	if _, err := c.service.Resize(ctx, schema.ResizeRequest{TabID: c.tabID, Geometry: schema.Geometry{Cols: c.width, Rows: c.height}}); err != nil {
		c.log.Debug("initial resize rejected", "err", err)
	}

	if state, err := c.service.BindingState(ctx, schema.BindingStateRequest{TabID: c.tabID}); err == nil && hasTarget(state.Snapshot) {
		c.resume(ctx, state.Snapshot)
	} else {
		c.enterPicker(ctx)
	}
	if c.mode == modePicker && c.dirty {
		c.renderPicker()
		c.dirty = false
	}

	input := make(chan []byte, 16)
	done := make(chan struct{})
	defer close(done)
	go pumpInput(c.in, input, done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-input:
			if !ok {
				c.log.Info("ssh client gone")
				return nil
			}
			if c.handleInput(ctx, chunk) {
				c.log.Info("ssh client quit")
				return nil
			}
		case win, ok := <-winCh:
			if ok {
				c.handleResize(ctx, win.Width, win.Height)
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			c.handleEvent(ctx, ev)
		}

		if c.mode == modePicker && c.dirty {
			c.renderPicker()
			c.dirty = false
		}
	}
}

func pumpInput(r io.Reader, out chan<- []byte, done <-chan struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			close(out)
			return
		}
	}
}

func hasTarget(snap schema.BindingSnapshot) bool {
	return snap.Project != "" || snap.SessionID != ""
}

// handleInput consumes one raw chunk. It reports true when the client asked
// to end the connection.
func (c *client) handleInput(ctx context.Context, chunk []byte) bool {
	if c.mode == modeRelay {
		idx := bytes.IndexByte(chunk, detachKey)
		if idx < 0 {
			c.sendInput(ctx, chunk)
			return false
		}
		c.sendInput(ctx, chunk[:idx])
		if _, err := c.service.Detach(ctx, schema.DetachRequest{TabID: c.tabID}); err != nil {
			c.log.Warn("detach failed", "err", err)
		}
		c.log.Info("detached", "reason", "escape key")
		c.enterPicker(ctx)
		return false
	}
	for _, k := range c.decoder.Feed(chunk) {
		if c.handleKey(ctx, k) {
			return true
		}
	}
	return false
}

func (c *client) sendInput(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := c.service.SendInput(ctx, schema.SendInputRequest{TabID: c.tabID, Data: data}); err != nil {
		c.log.Debug("input dropped", "bytes", len(data), "err", err)
	}
}

// handleKey applies one picker key. It reports true when the client quits.
func (c *client) handleKey(ctx context.Context, k key) bool {
	switch k.kind {
	case keyCtrlC, keyCtrlD:
		return true
	case keyUp:
		c.picker.MoveUp()
		c.dirty = true
	case keyDown:
		c.picker.MoveDown()
		c.dirty = true
	case keyPageUp:
		c.picker.MovePage(-c.pageStep())
		c.dirty = true
	case keyPageDown:
		c.picker.MovePage(c.pageStep())
		c.dirty = true
	case keyEnter:
		if row, ok := c.picker.Selected(); ok {
			if row.kind == rowNewSession {
				c.attach(ctx, row.project, "")
			} else {
				c.attach(ctx, row.project, row.session.ID)
			}
		}
	case keyRune:
		switch k.r {
		case 'q':
			return true
		case 'k':
			c.picker.MoveUp()
			c.dirty = true
		case 'j':
			c.picker.MoveDown()
			c.dirty = true
		case 'n':
			if row, ok := c.picker.Selected(); ok {
				c.attach(ctx, row.project, "")
			}
		case 'r':
			c.reloadDirectory(ctx, true)
			c.dirty = true
		}
	}
	return false
}

func (c *client) pageStep() int {
	step := c.height - 4
	if step < 1 {
		step = 1
	}
	return step
}

func (c *client) handleResize(ctx context.Context, width, height int) {
	c.SetSize(width, height)
	if _, err := c.service.Resize(ctx, schema.ResizeRequest{TabID: c.tabID, Geometry: schema.Geometry{Cols: c.width, Rows: c.height}}); err != nil {
		c.log.Debug("resize rejected", "err", err)
	}
	if c.mode == modePicker {
		c.dirty = true
	}
}

func (c *client) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.EventSync:
		c.picker.SetSnapshot(ev.Sync.Snapshot)
		if c.mode == modePicker {
			if ev.Sync.Kind == schema.SyncDirectoryRefreshed {
				c.reloadDirectory(ctx, false)
			}
			c.dirty = true
		}
	case eventbus.EventBinding:
		// The binding writes its own status lines to the surface; the
		// picker only cares about session state, which arrives as sync
		// events.
	}
}

// attach leaves the picker and relays the chosen target. An empty sessionID
// starts a new session in the project.
func (c *client) attach(ctx context.Context, project schema.Project, sessionID schema.SessionID) {
	selector := project.Path
	if selector == "" {
		selector = project.Name
	}
	if sessionID != "" {
		if _, err := c.service.SelectSession(ctx, schema.SelectSessionRequest{SessionID: sessionID}); err != nil {
			c.log.Debug("select failed", "session", sessionID, "err", err)
		}
	}
	c.exitAlt()
	c.surface.Clear()
	if _, err := c.service.Bind(ctx, schema.BindRequest{TabID: c.tabID, Project: selector, SessionID: sessionID}); err != nil {
		c.log.Warn("bind failed", "project", selector, "session", sessionID, "err", err)
		c.notice = "attach failed: " + err.Error()
		c.enterPicker(ctx)
		return
	}
	c.mode = modeRelay
	c.writeStatus("ctrl-] detaches")
	c.log.Info("attached", "project", selector, "session", sessionID)
}

// resume skips the picker when the tab already has a target, repainting
// buffered output so a reconnecting client sees where it left off.
func (c *client) resume(ctx context.Context, snap schema.BindingSnapshot) {
	c.log.Info("resuming binding", "project", snap.Project, "session", snap.SessionID, "state", snap.State)
	if snap.State == schema.ChannelClosed {
		if _, err := c.service.Bind(ctx, schema.BindRequest{TabID: c.tabID, Project: snap.Project, SessionID: snap.SessionID}); err != nil {
			c.log.Warn("resume bind failed", "err", err)
			c.notice = "resume failed: " + err.Error()
			c.enterPicker(ctx)
			return
		}
	}
	c.surface.Clear()
	if resp, err := c.service.Replay(ctx, schema.ReplayRequest{TabID: c.tabID}); err == nil && resp.Bytes > 0 {
		c.log.Debug("replayed", "bytes", resp.Bytes)
	}
	c.mode = modeRelay
	c.writeStatus("ctrl-] detaches")
}

func (c *client) enterPicker(ctx context.Context) {
	c.mode = modePicker
	if !c.altScreen {
		_ = c.surface.Write([]byte("\x1b[?1049h\x1b[H\x1b[2J"))
		c.altScreen = true
	}
	c.reloadDirectory(ctx, !c.refreshed)
	c.dirty = true
}

func (c *client) exitAlt() {
	if !c.altScreen {
		return
	}
	_ = c.surface.Write([]byte("\x1b[?1049l\x1b[?25h"))
	c.altScreen = false
}

func (c *client) reloadDirectory(ctx context.Context, refresh bool) {
	list, err := c.service.ListSessions(ctx, schema.ListSessionsRequest{Refresh: refresh})
	if err != nil {
		c.log.Warn("directory listing failed", "err", err)
		c.notice = "directory unavailable: " + err.Error()
		return
	}
	if refresh {
		c.refreshed = true
	}
	c.notice = ""
	c.picker.SetDirectory(list.Projects)
	c.picker.SetSnapshot(list.Snapshot)
}

func (c *client) renderPicker() {
	frame := joinFrame(c.picker.Render(c.width, c.height, c.notice))
	if err := c.surface.Write([]byte(frame)); err != nil {
		c.log.Debug("picker render failed", "err", err)
	}
}

func (c *client) writeStatus(line string) {
	_ = c.surface.Write([]byte("\r\n\x1b[2m[termwire] " + line + "\x1b[0m\r\n"))
}
