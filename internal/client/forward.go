package client

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// maxRelayedBodyBytes bounds the buffered request body read from a
// substream; the server enforces its own limit before forwarding.
const maxRelayedBodyBytes = 16 * 1024 * 1024

// forward serves one relayed request: parse it from the substream, play
// it against the local origin, and write the origin's response back.
// One request per substream; the substream closes when the response is
// done.
func (c *Client) forward(stream net.Conn) {
	defer stream.Close()
	start := time.Now()
	deadline := start.Add(c.cfg.ForwardTimeout)

	_ = stream.SetReadDeadline(deadline)
	req, err := http.ReadRequest(bufio.NewReader(stream))
	if err != nil {
		c.log.Debug("unreadable relayed request", "err", err)
		c.synthesize(stream, http.StatusBadGateway, "malformed relayed request")
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRelayedBodyBytes+1))
	if err != nil || len(body) > maxRelayedBodyBytes {
		c.synthesize(stream, http.StatusBadGateway, "request body unreadable")
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil

	if c.cfg.HostOverride != "" {
		req.Host = c.cfg.HostOverride
	}

	resp, status, errText := c.roundTrip(req, deadline)
	if resp == nil {
		c.synthesize(stream, status, errText)
		c.logForward(req, status, start)
		return
	}
	defer resp.Body.Close()

	_ = stream.SetWriteDeadline(deadline)
	if err := resp.Write(stream); err != nil {
		c.log.Debug("failed to relay response", "err", err)
		return
	}
	c.logForward(req, resp.StatusCode, start)
}

// roundTrip plays the request against the local origin over a fresh TCP
// connection.  On failure it returns a synthesized status instead of a
// response.
func (c *Client) roundTrip(req *http.Request, deadline time.Time) (*http.Response, int, string) {
	addr := c.originAddr()
	conn, err := c.dial("tcp", addr, c.cfg.ForwardTimeout)
	if err != nil {
		if isTimeout(err) {
			return nil, http.StatusGatewayTimeout, "local origin connect timed out"
		}
		return nil, http.StatusBadGateway, fmt.Sprintf("cannot connect to %s", addr)
	}

	_ = conn.SetDeadline(deadline)
	if err := req.Write(conn); err != nil {
		conn.Close()
		if isTimeout(err) {
			return nil, http.StatusGatewayTimeout, "local origin timed out"
		}
		return nil, http.StatusBadGateway, "failed to send request to local origin"
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		if isTimeout(err) {
			return nil, http.StatusGatewayTimeout, "local origin timed out"
		}
		return nil, http.StatusBadGateway, "malformed response from local origin"
	}

	resp.Body = &connBody{body: resp.Body, conn: conn}
	return resp, 0, ""
}

// connBody keeps the origin connection open while the response body
// streams, then closes both together.
type connBody struct {
	body io.ReadCloser
	conn net.Conn
}

func (b *connBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *connBody) Close() error {
	err := b.body.Close()
	if cerr := b.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// synthesize writes a minimal HTTP/1.1 error response on the substream.
func (c *Client) synthesize(stream net.Conn, status int, text string) {
	body := text + "\n"
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(stream, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

func (c *Client) logForward(req *http.Request, status int, start time.Time) {
	c.log.Info("request forwarded",
		"method", req.Method,
		"path", req.URL.RequestURI(),
		"status", status,
		"latency", time.Since(start).Round(time.Millisecond))
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
