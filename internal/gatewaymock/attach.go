package gatewaymock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pkt.systems/pslog"
	"pkt.systems/termwire/schema"
)

const attachWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// attachConn is one websocket attach channel. Reads happen on the run loop
// goroutine; writes come from both the run loop and session output pumps, so
// they serialize on writeMu.
type attachConn struct {
	mock *Mock
	ws   *websocket.Conn
	id   schema.ConnectionID
	log  pslog.Logger

	writeMu sync.Mutex
	sess    *hostedSession
}

func (m *Mock) handleAttach(w http.ResponseWriter, r *http.Request, username string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("mock attach upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := &attachConn{
		mock: m,
		ws:   ws,
		id:   schema.ConnectionID(uuid.NewString()),
	}
	conn.log = m.log.With("connection", conn.id, "user", username)
	conn.run()
}

func (c *attachConn) run() {
	defer c.close()
	c.send(schema.Message{Type: schema.MessageWelcome, ConnectionID: c.id})
	c.log.Info("mock channel open")
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("mock channel closed", "err", err)
			return
		}
		var msg schema.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Trace("mock channel message unparsable", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *attachConn) dispatch(msg schema.Message) {
	switch msg.Type {
	case schema.MessageInit:
		c.handleInit(msg)
	case schema.MessageInput:
		if c.sess != nil {
			c.sess.handleInput(msg.Data)
		}
	case schema.MessageResize:
		if c.sess != nil {
			c.sess.resize(msg.Cols, msg.Rows)
		}
	case schema.MessagePing:
		c.send(schema.Message{Type: schema.MessagePong, Timestamp: msg.Timestamp})
	default:
		c.log.Trace("mock channel ignoring message", "type", msg.Type)
	}
}

func (c *attachConn) handleInit(msg schema.Message) {
	if c.sess != nil {
		// A second init retargets the channel.
		c.sess.detach(c)
		c.sess = nil
	}
	if msg.SessionID != "" {
		c.resumeSession(msg)
		return
	}
	sess, err := c.mock.createSession(msg.Project)
	if err != nil {
		c.log.Warn("mock session create failed", "project", msg.Project, "err", err)
		c.send(schema.Message{
			Type:        schema.MessageError,
			Code:        "project-not-found",
			Text:        err.Error(),
			Recoverable: false,
		})
		return
	}
	c.sess = sess
	sess.attach(c)
	sess.resize(msg.Cols, msg.Rows)
	c.send(schema.Message{Type: schema.MessageSessionCreated, SessionID: sess.id, Project: sess.project})
	sess.start()
	c.log.Info("mock session created", "session", sess.id, "project", sess.project)
}

func (c *attachConn) resumeSession(msg schema.Message) {
	sess, ok := c.mock.findSession(msg.SessionID)
	if !ok {
		c.log.Warn("mock session resume failed", "session", msg.SessionID)
		c.send(schema.Message{
			Type:        schema.MessageError,
			Code:        "session-not-found",
			Text:        fmt.Sprintf("session %s not found", msg.SessionID),
			Recoverable: false,
		})
		return
	}
	c.sess = sess
	sess.attach(c)
	sess.resize(msg.Cols, msg.Rows)
	c.send(schema.Message{Type: schema.MessageSessionResumed, SessionID: sess.id, Project: sess.project})
	if scroll := sess.scrollback(); len(scroll) > 0 {
		c.send(schema.Message{Type: schema.MessageOutput, SessionID: sess.id, Data: scroll})
	}
	if sess.isCompleted() {
		c.send(schema.Message{Type: schema.MessageSessionCompleted, SessionID: sess.id, Project: sess.project})
	}
	c.mock.touchSession(sess.id)
	c.log.Info("mock session resumed", "session", sess.id)
}

func (c *attachConn) send(msg schema.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(attachWriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Trace("mock channel write failed", "type", msg.Type, "err", err)
	}
}

func (c *attachConn) close() {
	if c.sess != nil {
		c.sess.detach(c)
		c.sess = nil
	}
	_ = c.ws.Close()
}
