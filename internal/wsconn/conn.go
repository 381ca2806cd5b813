// Package wsconn adapts a binary WebSocket into a net.Conn so a stream
// multiplexer can run on top of it.
package wsconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes caps a single outbound binary message.  The mux provides
// its own framing, so records may be split across messages freely.
const maxFrameBytes = 32 * 1024

// ErrTextFrame is returned from Read when the peer sends a text frame,
// which is a protocol violation on this carrier.
var ErrTextFrame = errors.New("wsconn: unexpected text frame")

// Conn presents the payload bytes of binary WebSocket messages as an
// ordered byte stream.  Read is safe for one reader, Write for concurrent
// writers.  Close tears down the underlying WebSocket.
type Conn struct {
	ws *websocket.Conn

	// current carries the unread remainder of the last binary message.
	current io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New wraps an upgraded WebSocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.current != nil {
			n, err := c.current.Read(p)
			if errors.Is(err, io.EOF) {
				c.current = nil
				if n == 0 {
					continue
				}
				return n, nil
			}
			return n, err
		}

		mt, r, err := c.ws.NextReader()
		if err != nil {
			return 0, translateReadError(err)
		}
		switch mt {
		case websocket.BinaryMessage:
			c.current = r
		case websocket.TextMessage:
			c.failProtocol()
			return 0, ErrTextFrame
		default:
			// Control frames are handled by the websocket layer.
		}
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameBytes {
			chunk = chunk[:maxFrameBytes]
		}
		if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// failProtocol closes the carrier with a protocol-error status.
func (c *Conn) failProtocol() {
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "binary frames only")
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.ws.Close()
}

func translateReadError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
