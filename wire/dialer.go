package wire

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the socket surface the channel needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one socket to a channel endpoint. Implementations are
// injectable so tests can run without a network.
type Dialer interface {
	DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error)
}

// GorillaDialer dials endpoints with the standard websocket client.
type GorillaDialer struct{}

// DialContext implements Dialer.
func (GorillaDialer) DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
