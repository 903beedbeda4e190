package remoteconnector

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// duplexConn is the minimal surface the connector needs from a live
// socket. *websocket.Conn satisfies it directly; tests substitute a fake
// so the state machine and protocol handling can be exercised without a
// real network dependency.
type duplexConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
}

// dialer opens a duplexConn to url. The default implementation dials a
// real websocket; tests supply a fake that hands back an in-process pipe.
type dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (duplexConn, error)
}

type websocketDialer struct {
	underlying *websocket.Dialer
}

func newWebsocketDialer() *websocketDialer {
	return &websocketDialer{underlying: websocket.DefaultDialer}
}

func (d *websocketDialer) Dial(ctx context.Context, url string, header http.Header) (duplexConn, error) {
	conn, _, err := d.underlying.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
