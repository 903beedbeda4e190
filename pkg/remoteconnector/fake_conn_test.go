package remoteconnector

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/relaysync/engine/pkg/protocol"
)

// fakeConn is an in-process duplexConn: each WriteMessage/ReadMessage
// pair exchanges exactly one websocket binary message, matching one
// frame per message as the connector encodes them.
type fakeConn struct {
	mu     sync.Mutex
	closed bool

	toServer   chan []byte
	fromServer chan []byte
}

func newFakeConnPair() (client *fakeConn, server *fakeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	client = &fakeConn{toServer: a, fromServer: b}
	server = &fakeConn{toServer: b, fromServer: a}
	return client, server
}

// newFakeConnPairT is newFakeConnPair plus a cleanup that closes both
// ends, so a connector blocked reading on the client side unblocks (with
// an error, ending its read loop) once the test finishes.
func newFakeConnPairT(t *testing.T) (client *fakeConn, server *fakeConn) {
	t.Helper()
	client, server = newFakeConnPair()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.fromServer
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return 2, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakeConn: closed")
	}
	f.toServer <- append([]byte(nil), data...)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.toServer)
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error { return nil }

type fakeDialer struct {
	conn duplexConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (duplexConn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// readFrameFrom reads one frame off a fakeConn from the server's side.
func readFrameFrom(conn *fakeConn) (*protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.ReadFrame(bytes.NewReader(data))
}

// writeFrameTo writes tag/payload as one frame from the server's side.
func writeFrameTo(conn *fakeConn, tag protocol.Tag, payload any) error {
	frame, err := protocol.Encode(tag, payload)
	if err != nil {
		return err
	}
	defer protocol.ReleaseFrame(frame)
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, tag, frame.Payload); err != nil {
		return err
	}
	return conn.WriteMessage(2, buf.Bytes())
}
