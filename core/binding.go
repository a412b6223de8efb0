package core

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/identity"
	"pkt.systems/termwire/internal/redraw"
	"pkt.systems/termwire/schema"
	"pkt.systems/termwire/wire"
)

// settleSleep is the pause between tearing down a binding's old channel and
// dialing the new one. Tests replace it.
var settleSleep = time.Sleep

// binding ties one registered surface to at most one session channel. The
// channel's handlers run on wire goroutines; everything they touch is
// guarded by mu. bindMu serializes bind and detach transitions so a settle
// delay cannot interleave with a concurrent rebind.
type binding struct {
	svc     *service
	tab     *identity.Tab
	limiter *redraw.Limiter
	log     pslog.Logger

	bindMu sync.Mutex

	mu        sync.Mutex
	surface   Surface
	channel   *wire.Channel
	project   string
	sessionID schema.SessionID
	geometry  schema.Geometry
	ring      *ring
	opened    bool
}

func newBinding(svc *service, tab *identity.Tab, surface Surface) *binding {
	return &binding{
		svc:      svc,
		tab:      tab,
		limiter:  redraw.NewLimiter(svc.cfg.Redraw),
		log:      svc.logger.With("tab", string(tab.ID())),
		surface:  surface,
		geometry: svc.cfg.Binding.Geometry,
		ring:     newRing(svc.cfg.Binding.RingSize),
	}
}

// bind points the binding at a session target. Any previous channel is torn
// down first and the settle delay observed before the fresh dial. Binding
// to the target already open is a no-op.
func (b *binding) bind(ctx context.Context, project string, sessionID schema.SessionID) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	b.mu.Lock()
	old := b.channel
	sameTarget := b.project == project && b.sessionID == sessionID
	hadTarget := b.project != "" || b.sessionID != ""
	b.mu.Unlock()

	if old != nil {
		switch old.State() {
		case schema.ChannelOpen, schema.ChannelConnecting:
			if sameTarget {
				b.log.Debug("bind skipped, target already bound")
				return nil
			}
		}
		// The old channel's closed callback runs here, while it is still
		// current, so the teardown is observable before the swap.
		old.ManualDisconnect()
		settleSleep(b.svc.cfg.Binding.SettleDelay)
	}

	if hadTarget && !sameTarget {
		b.withSurface(func(s Surface) { s.Clear() })
	}

	ch := b.svc.channelFor(b)
	b.mu.Lock()
	b.project = project
	b.sessionID = sessionID
	b.channel = ch
	b.opened = false
	// Replay must never repaint bytes from a previous target.
	b.ring.Reset()
	b.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		// The channel keeps retrying on its own schedule; the binding is
		// established either way.
		b.log.Warn("bind dial failed", "err", err)
	}
	return nil
}

// detach disconnects the channel and forgets the target. The surface stays
// registered and its content, including the replay ring, is untouched.
func (b *binding) detach() {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch != nil {
		ch.ManualDisconnect()
	}
	b.mu.Lock()
	b.channel = nil
	b.project = ""
	b.sessionID = ""
	b.opened = false
	b.mu.Unlock()
	b.tab.ClearConnection()
}

func (b *binding) setSurface(surface Surface) {
	b.mu.Lock()
	b.surface = surface
	b.mu.Unlock()
}

func (b *binding) sendInput(data []byte) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return schema.ErrNotConnected
	}
	return ch.Send(schema.Message{Type: schema.MessageInput, Data: data})
}

// resize records the surface's geometry and returns the geometry announced
// to the gateway. With resize forwarding off the policy geometry holds.
func (b *binding) resize(geo schema.Geometry) schema.Geometry {
	clamped := schema.ClampGeometry(geo)
	b.mu.Lock()
	forward := b.svc.cfg.Binding.ForwardResize
	if forward {
		b.geometry = clamped
	}
	effective := b.geometry
	ch := b.channel
	b.mu.Unlock()
	if forward && ch != nil {
		if err := ch.Send(schema.Message{Type: schema.MessageResize, Cols: clamped.Cols, Rows: clamped.Rows}); err != nil {
			b.log.Debug("resize send skipped", "err", err)
		}
	}
	return effective
}

// replay rewrites the ring's contents to the surface.
func (b *binding) replay() (int, error) {
	b.mu.Lock()
	data := b.ring.Bytes()
	surface := b.surface
	b.mu.Unlock()
	if surface == nil {
		return 0, schema.ErrSurfaceNotReady
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := surface.Write(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (b *binding) snapshot() schema.BindingSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := schema.BindingSnapshot{
		TabID:     b.tab.ID(),
		Project:   b.project,
		SessionID: b.sessionID,
		State:     schema.ChannelClosed,
		Geometry:  b.geometry,
	}
	if b.channel != nil {
		snap.State = b.channel.State()
		snap.Attempts = b.channel.Attempts()
	}
	return snap
}

// isCurrent reports whether ch is still the binding's channel. Handlers of
// replaced channels bail out here.
func (b *binding) isCurrent(ch *wire.Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch != nil && b.channel == ch
}

func (b *binding) currentSession() schema.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// withSurface runs fn against the surface, if one is attached, outside mu.
func (b *binding) withSurface(fn func(Surface)) {
	b.mu.Lock()
	surface := b.surface
	b.mu.Unlock()
	if surface != nil {
		fn(surface)
	}
}

func (b *binding) onOpen(ch *wire.Channel, connID schema.ConnectionID) {
	if !b.isCurrent(ch) {
		return
	}
	b.tab.BindConnection(connID)
	b.mu.Lock()
	first := !b.opened
	b.opened = true
	project := b.project
	sessionID := b.sessionID
	geo := b.geometry
	b.mu.Unlock()

	routing := b.tab.Routing()
	init := schema.Message{
		Type:      schema.MessageInit,
		Project:   project,
		SessionID: sessionID,
		Cols:      geo.Cols,
		Rows:      geo.Rows,
		Routing:   &routing,
	}
	if err := ch.Send(init); err != nil {
		b.log.Warn("init send failed", "err", err)
		return
	}
	if !first {
		b.status("reconnected")
	}
	b.emit(schema.BindingEvent{Kind: schema.BindingOpened, TabID: b.tab.ID(), SessionID: sessionID})
}

func (b *binding) onMessage(ch *wire.Channel, msg schema.Message) {
	if !b.isCurrent(ch) {
		return
	}
	switch msg.Type {
	case schema.MessageOutput:
		b.handleOutput(msg)
	case schema.MessageSessionCreated, schema.MessageSessionResumed:
		b.handleSessionBound(msg)
	case schema.MessageSessionCompleted:
		b.handleSessionCompleted(msg)
	case schema.MessageError:
		b.handleGatewayError(ch, msg)
	}
}

func (b *binding) handleOutput(msg schema.Message) {
	data := b.limiter.Apply(msg.Data)
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	b.ring.Write(data)
	surface := b.surface
	sessionID := b.sessionID
	b.mu.Unlock()
	if surface != nil {
		if err := surface.Write(data); err != nil {
			b.log.Warn("surface write failed", "err", err)
		}
	}
	if sessionID != "" {
		b.svc.state.Touch(sessionID)
	}
}

func (b *binding) handleSessionBound(msg schema.Message) {
	b.mu.Lock()
	b.sessionID = msg.SessionID
	if msg.Project != "" {
		b.project = msg.Project
	}
	project := b.project
	b.mu.Unlock()

	b.svc.dir.Apply(msg)
	b.svc.state.MarkActive(msg.SessionID)
	b.withSurface(func(s Surface) { s.SetTitle(surfaceTitle(project, msg.SessionID)) })

	verb := "created"
	if msg.Type == schema.MessageSessionResumed {
		verb = "resumed"
	}
	b.log.Info("session "+verb, "session", string(msg.SessionID))
	b.emit(schema.BindingEvent{Kind: schema.BindingSessionChanged, TabID: b.tab.ID(), SessionID: msg.SessionID})
}

func (b *binding) handleSessionCompleted(msg schema.Message) {
	b.svc.dir.Apply(msg)
	b.svc.state.MarkInactive(msg.SessionID)
	b.status("session completed")
	b.log.Info("session completed", "session", string(msg.SessionID))
}

func (b *binding) handleGatewayError(ch *wire.Channel, msg schema.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = msg.Code
	}
	b.status("gateway error: " + text)
	if msg.Recoverable {
		b.log.Warn("gateway error", "code", msg.Code, "text", text)
		return
	}
	b.log.Warn("gateway error, closing channel", "code", msg.Code, "text", text)
	ch.ManualDisconnect()
}

func (b *binding) onClosed(ch *wire.Channel, reason string) {
	if !b.isCurrent(ch) {
		return
	}
	b.tab.ClearConnection()
	if reason != wire.ReasonManual {
		b.status("disconnected: " + reason)
	}
	b.emit(schema.BindingEvent{
		Kind:      schema.BindingClosed,
		TabID:     b.tab.ID(),
		SessionID: b.currentSession(),
		Reason:    reason,
	})
}

func (b *binding) onRetrying(ch *wire.Channel, attempt, max int) {
	if !b.isCurrent(ch) {
		return
	}
	if max > 0 {
		b.status(fmt.Sprintf("reconnecting (attempt %d/%d)", attempt, max))
	} else {
		b.status(fmt.Sprintf("reconnecting (attempt %d)", attempt))
	}
	b.emit(schema.BindingEvent{
		Kind:      schema.BindingRetrying,
		TabID:     b.tab.ID(),
		SessionID: b.currentSession(),
		Attempt:   attempt,
		MaxTries:  max,
	})
}

func (b *binding) onExhausted(ch *wire.Channel, err error) {
	if !b.isCurrent(ch) {
		return
	}
	b.status("connection lost")
	b.log.Warn("channel retries exhausted", "err", err)
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	b.emit(schema.BindingEvent{
		Kind:      schema.BindingGaveUp,
		TabID:     b.tab.ID(),
		SessionID: b.currentSession(),
		Reason:    reason,
	})
}

// status writes a dimmed, bracketed line to the surface on its own row.
// Session output is never interleaved mid-line because handlers run on the
// channel's dispatch goroutine.
func (b *binding) status(line string) {
	b.withSurface(func(s Surface) {
		if err := s.Write([]byte("\r\n\x1b[2m[termwire] " + line + "\x1b[0m\r\n")); err != nil {
			b.log.Debug("status write failed", "err", err)
		}
	})
}

func (b *binding) emit(event schema.BindingEvent) {
	if b.svc.sink != nil {
		b.svc.sink.OnBindingEvent(event)
	}
}

func surfaceTitle(project string, sessionID schema.SessionID) string {
	name := path.Base(strings.TrimSuffix(strings.TrimSpace(project), "/"))
	if name == "" || name == "." || name == "/" {
		return string(sessionID)
	}
	return name
}
