// Package wire maintains duplex session channels to the workspace gateway.
//
// A Channel owns one logical connection: it dials, reads type-tagged JSON
// messages, answers gateway pings, sends heartbeats, and reconnects with a
// bounded fixed-delay policy when the socket drops. Callbacks never fire
// after ManualDisconnect, and a superseded socket cannot deliver into a
// channel that has moved on.
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/termwire/internal/backoff"
	"pkt.systems/termwire/schema"
)

// ReasonManual is the OnClosed reason for a deliberate ManualDisconnect.
const ReasonManual = "manual close"

// Handlers receive channel events. All callbacks are optional and are
// invoked without channel locks held.
type Handlers struct {
	// OnOpen fires once per connection when the gateway's welcome arrives,
	// carrying the server-assigned connection id.
	OnOpen func(schema.ConnectionID)
	// OnMessage receives every inbound message the channel does not consume
	// itself (welcome, ping, and pong are consumed).
	OnMessage func(schema.Message)
	// OnClosed fires when an established connection ends, for any reason.
	OnClosed func(reason string)
	// OnRetrying fires when a reconnect attempt has been scheduled.
	OnRetrying func(attempt, max int, delay time.Duration)
	// OnExhausted fires when the reconnect budget is spent.
	OnExhausted func(err error)
}

// Channel is a duplex message channel with automatic bounded reconnection.
type Channel struct {
	endpoint string
	header   http.Header
	cfg      schema.WireConfig
	policy   backoff.Policy
	dialer   Dialer
	handlers Handlers
	log      pslog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    schema.ChannelState
	link     *link
	connID   schema.ConnectionID
	epoch    int
	attempts int
	retry    *time.Timer
	manual   bool
	missed   int
}

// link is one live socket. The channel drops a link by replacing c.link;
// goroutines started for an old link check identity before acting.
type link struct {
	conn  Conn
	epoch int
	stop  chan struct{}
}

// Option adjusts channel construction.
type Option func(*Channel)

// WithDialer replaces the socket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the channel logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithHeader sets HTTP headers sent on every dial, typically authorization.
func WithHeader(header http.Header) Option {
	return func(c *Channel) { c.header = header }
}

// WithPolicy replaces the reconnect policy.
func WithPolicy(p backoff.Policy) Option {
	return func(c *Channel) {
		if p != nil {
			c.policy = p
		}
	}
}

// NewChannel constructs a closed channel for endpoint. Nothing dials until
// Connect.
func NewChannel(endpoint string, cfg schema.WireConfig, handlers Handlers, opts ...Option) *Channel {
	cfg = schema.NormalizeWireConfig(cfg)
	c := &Channel{
		endpoint: endpoint,
		cfg:      cfg,
		policy:   backoff.Fixed{Delay: cfg.ReconnectDelay, MaxAttempts: cfg.MaxReconnectAttempts},
		dialer:   GorillaDialer{},
		handlers: handlers,
		log:      pslog.Ctx(context.Background()),
		state:    schema.ChannelClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("endpoint", endpoint)
	return c
}

// State returns the current channel state.
func (c *Channel) State() schema.ChannelState {
	if c == nil {
		return schema.ChannelClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned identity of the live connection,
// or empty when no welcome has arrived.
func (c *Channel) ConnectionID() schema.ConnectionID {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Attempts returns the count of consecutive failed connect attempts.
func (c *Channel) Attempts() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the channel. It is idempotent: when a connection is open or
// an attempt is in flight it returns nil without dialing again. A dial
// failure is returned to the caller and also starts the reconnect schedule.
// Connect clears the manual-close latch.
func (c *Channel) Connect(ctx context.Context) error {
	if c == nil {
		return schema.ErrNotConnected
	}
	c.mu.Lock()
	c.manual = false
	switch c.state {
	case schema.ChannelOpen, schema.ChannelConnecting:
		state := c.state
		c.mu.Unlock()
		c.log.Debug("channel connect skipped", "state", state)
		return nil
	case schema.ChannelClosing:
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.endpoint, schema.ErrConnecting)
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.state = schema.ChannelConnecting
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.dial(ctx, epoch); err != nil {
		c.scheduleRetry(epoch, err)
		return fmt.Errorf("connect %s: %w", c.endpoint, err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context, epoch int) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, c.endpoint, c.header)
	if err != nil {
		c.mu.Lock()
		if epoch == c.epoch && c.state == schema.ChannelConnecting {
			c.state = schema.ChannelClosed
		}
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	if epoch != c.epoch || c.manual {
		c.mu.Unlock()
		conn.Close()
		return schema.ErrManuallyClosed
	}
	lk := &link{conn: conn, epoch: epoch, stop: make(chan struct{})}
	c.link = lk
	c.state = schema.ChannelOpen
	c.attempts = 0
	c.missed = 0
	c.mu.Unlock()
	c.log.Info("channel open")
	go c.readLoop(lk)
	go c.heartbeat(lk)
	return nil
}

// ManualDisconnect closes the channel on user request. Any pending
// reconnect timer is cancelled before this returns; no reconnect attempt
// fires afterward until an explicit Connect. Safe to call repeatedly.
func (c *Channel) ManualDisconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.manual = true
	hadRetry := c.retry != nil
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	lk := c.link
	c.link = nil
	c.connID = ""
	hadLife := lk != nil || hadRetry
	c.state = schema.ChannelClosed
	c.epoch++
	c.attempts = 0
	handlers := c.handlers
	c.mu.Unlock()

	if lk != nil {
		close(lk.stop)
		c.writeMu.Lock()
		lk.conn.SetWriteDeadline(time.Now().Add(time.Second))
		lk.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		lk.conn.Close()
	}
	if hadLife {
		c.log.Info("channel closed", "reason", "manual")
		if handlers.OnClosed != nil {
			handlers.OnClosed(ReasonManual)
		}
	}
}

// Disconnect closes the socket without suppressing reconnection: the close
// is observed like an unexpected drop and the reconnect schedule applies.
func (c *Channel) Disconnect(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	lk := c.link
	c.mu.Unlock()
	if lk == nil {
		return
	}
	c.log.Debug("channel disconnect requested", "reason", reason)
	lk.conn.Close()
}

// Send serializes msg and writes it to the open connection. It fails with
// schema.ErrNotConnected in every non-open state.
func (c *Channel) Send(msg schema.Message) error {
	if c == nil {
		return schema.ErrNotConnected
	}
	c.mu.Lock()
	lk := c.link
	state := c.state
	c.mu.Unlock()
	if state != schema.ChannelOpen || lk == nil {
		return fmt.Errorf("send %s: %w", msg.Type, schema.ErrNotConnected)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	lk.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := lk.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Channel) readLoop(lk *link) {
	for {
		_, data, err := lk.conn.ReadMessage()
		if err != nil {
			c.readClosed(lk, err)
			return
		}
		var msg schema.Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
			c.log.Trace("channel message unparsable", "err", jsonErr)
			continue
		}
		c.dispatch(lk, msg)
	}
}

// dispatch routes one inbound message. Messages from a link the channel no
// longer owns are dropped.
func (c *Channel) dispatch(lk *link, msg schema.Message) {
	c.mu.Lock()
	if c.link != lk {
		c.mu.Unlock()
		return
	}
	handlers := c.handlers
	switch msg.Type {
	case schema.MessageWelcome:
		c.connID = msg.ConnectionID
		c.mu.Unlock()
		c.log.Debug("channel welcome", "connection", msg.ConnectionID)
		if handlers.OnOpen != nil {
			handlers.OnOpen(msg.ConnectionID)
		}
	case schema.MessagePing:
		c.mu.Unlock()
		if err := c.Send(schema.Message{Type: schema.MessagePong, Timestamp: msg.Timestamp}); err != nil {
			c.log.Trace("channel pong failed", "err", err)
		}
	case schema.MessagePong:
		c.missed = 0
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		if handlers.OnMessage != nil {
			handlers.OnMessage(msg)
		}
	}
}

// readClosed handles a read-loop exit. Stale links are ignored so a
// superseded socket cannot alter current state.
func (c *Channel) readClosed(lk *link, cause error) {
	c.mu.Lock()
	if c.link != lk {
		c.mu.Unlock()
		return
	}
	close(lk.stop)
	lk.conn.Close()
	c.link = nil
	c.connID = ""
	c.state = schema.ChannelClosed
	handlers := c.handlers
	epoch := lk.epoch
	c.mu.Unlock()

	reason := closeReason(cause)
	c.log.Info("channel closed", "reason", reason)
	if handlers.OnClosed != nil {
		handlers.OnClosed(reason)
	}
	c.scheduleRetry(epoch, cause)
}

// scheduleRetry arms the reconnect timer for the next attempt, or reports
// exhaustion when the budget is spent.
func (c *Channel) scheduleRetry(epoch int, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || c.manual {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	delay, ok := c.policy.Next(attempt)
	if !ok {
		c.state = schema.ChannelClosed
		handlers := c.handlers
		c.mu.Unlock()
		c.log.Warn("channel reconnect exhausted", "attempts", attempt-1, "err", cause)
		if handlers.OnExhausted != nil {
			handlers.OnExhausted(fmt.Errorf("%w after %d attempts", schema.ErrRetriesExhausted, attempt-1))
		}
		return
	}
	c.state = schema.ChannelClosed
	c.retry = time.AfterFunc(delay, func() { c.retryFire(epoch) })
	handlers := c.handlers
	max := c.cfg.MaxReconnectAttempts
	c.mu.Unlock()
	c.log.Info("channel reconnect scheduled", "attempt", attempt, "max", max, "delay", delay, "err", cause)
	if handlers.OnRetrying != nil {
		handlers.OnRetrying(attempt, max, delay)
	}
}

func (c *Channel) retryFire(epoch int) {
	c.mu.Lock()
	if epoch != c.epoch || c.manual || c.state != schema.ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.state = schema.ChannelConnecting
	c.mu.Unlock()
	if err := c.dial(context.Background(), epoch); err != nil {
		c.scheduleRetry(epoch, err)
	}
}

func (c *Channel) heartbeat(lk *link) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if c.link != lk {
			c.mu.Unlock()
			return
		}
		max := c.cfg.HeartbeatMaxMissed
		if max > 0 && c.missed >= max {
			c.mu.Unlock()
			c.log.Warn("channel heartbeat lost", "missed", max)
			lk.conn.Close()
			return
		}
		c.missed++
		c.mu.Unlock()
		if err := c.Send(schema.Message{Type: schema.MessagePing, Timestamp: time.Now().UnixMilli()}); err != nil {
			c.log.Trace("channel ping failed", "err", err)
		}
	}
}

// retryPending reports whether a reconnect timer is armed.
func (c *Channel) retryPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry != nil
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "closed by gateway"
	default:
		return err.Error()
	}
}
