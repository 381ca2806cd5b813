// Package client implements the tunnel client: it keeps an outbound
// carrier to the relay, registers a subdomain, and forwards relayed
// requests to a local origin.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/jpillora/backoff"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/domain"
	"github.com/burrowhq/burrow/internal/tunnelproto"
	"github.com/burrowhq/burrow/internal/wsconn"
)

const (
	// DefaultControlPath matches the server's default upgrade endpoint.
	DefaultControlPath = "/_tunnel/connect"

	dialTimeout       = 10 * time.Second
	registerTimeout   = 10 * time.Second
	controlPingPeriod = 30 * time.Second
	keepAliveInterval = 30 * time.Second
)

// RegistrationError carries a control-protocol error code: the server's
// Error reply, or code Internal for an unusable server URL.  Every code
// except Internal is terminal: retrying with the same parameters cannot
// succeed.  Internal counts as a transient failure in Run.
type RegistrationError struct {
	Code    string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected (%s): %s", e.Code, e.Message)
}

func (e *RegistrationError) fatal() bool {
	switch e.Code {
	case domain.CodeInvalidToken, domain.CodeInvalidSubdomain,
		domain.CodeSubdomainTaken, domain.CodeLimitExceeded:
		return true
	}
	return false
}

// Client is a reconnecting tunnel client.
type Client struct {
	cfg  config.ClientConfig
	log  *slog.Logger
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)

	// OnRegistered, when set, fires after every successful registration.
	OnRegistered func(subdomain, url string)
}

func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, log: logger, dial: net.DialTimeout}
}

// Run keeps a session alive until ctx is cancelled, reconnecting with
// exponential backoff.  Terminal registration errors are returned
// immediately; transient failures count against MaxRetries (0 means
// retry forever).
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    60 * time.Second,
		Factor: 2,
	}
	attempts := 0

	for {
		err := c.session(ctx, func() {
			b.Reset()
			attempts = 0
		})
		if ctx.Err() != nil {
			return nil
		}

		var regErr *RegistrationError
		if errors.As(err, &regErr) && regErr.fatal() {
			return err
		}

		attempts++
		if c.cfg.MaxRetries > 0 && attempts > c.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}

		delay := jitter(b.Duration())
		c.log.Warn("connection lost; reconnecting", "delay", delay.Round(time.Millisecond), "attempt", attempts, "err", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// session runs one carrier lifetime: dial, register, relay, teardown.
// onRegistered fires once registration succeeds.
func (c *Client) session(ctx context.Context, onRegistered func()) error {
	wsURL, err := controlURL(c.cfg.ServerURL, c.cfg.ControlPath)
	if err != nil {
		return &RegistrationError{Code: domain.CodeInternal, Message: err.Error()}
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if c.cfg.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	carrier := wsconn.New(ws)
	defer carrier.Close()

	muxCfg := yamux.DefaultConfig()
	muxCfg.EnableKeepAlive = true
	muxCfg.KeepAliveInterval = keepAliveInterval
	muxCfg.LogOutput = io.Discard
	mux, err := yamux.Client(carrier, muxCfg)
	if err != nil {
		return fmt.Errorf("mux setup: %w", err)
	}
	defer mux.Close()

	sess := &session{client: c, mux: mux}
	if err := sess.register(); err != nil {
		return err
	}
	onRegistered()

	// Close the mux as soon as the caller's context ends so the accept
	// loop unblocks.
	stop := context.AfterFunc(ctx, func() { _ = mux.Close() })
	defer stop()

	go sess.controlLoop()
	go sess.pingLoop(ctx)

	for {
		stream, err := mux.AcceptStream()
		if err != nil {
			return fmt.Errorf("session ended: %w", err)
		}
		go c.forward(stream)
	}
}

// session is one live carrier with its control substream.
type session struct {
	client *Client
	mux    *yamux.Session
	ctrl   net.Conn
	br     *bufio.Reader

	ctrlWMu sync.Mutex
}

func (s *session) register() error {
	c := s.client

	ctrl, err := s.mux.OpenStream()
	if err != nil {
		return fmt.Errorf("open control substream: %w", err)
	}
	s.ctrl = ctrl

	if err := s.writeControl(tunnelproto.Register(c.cfg.Token, c.cfg.Subdomain)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	_ = ctrl.SetReadDeadline(time.Now().Add(registerTimeout))
	br := tunnelproto.NewReader(ctrl)
	msg, err := tunnelproto.Read(br)
	_ = ctrl.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}

	switch msg.Type {
	case tunnelproto.TypeRegistered:
		c.log.Info("tunnel registered", "subdomain", msg.Subdomain, "url", msg.URL)
		if c.OnRegistered != nil {
			c.OnRegistered(msg.Subdomain, msg.URL)
		}
		s.br = br
		return nil
	case tunnelproto.TypeError:
		return &RegistrationError{Code: msg.Code, Message: msg.Message}
	default:
		return fmt.Errorf("unexpected registration reply %q", msg.Type)
	}
}

// controlLoop consumes server control messages until the stream dies.
func (s *session) controlLoop() {
	c := s.client
	for {
		msg, err := tunnelproto.Read(s.br)
		if err != nil {
			_ = s.mux.Close()
			return
		}
		switch msg.Type {
		case tunnelproto.TypePong:
			c.log.Debug("pong received")
		case tunnelproto.TypeCertStatus:
			if msg.CertReady() {
				c.log.Info("certificate ready; tunnel reachable over https")
			} else {
				c.log.Info("certificate not ready yet")
			}
		case tunnelproto.TypeShutdown:
			c.log.Info("server shutting down")
			_ = s.mux.Close()
			return
		default:
			c.log.Warn("unknown control message from server", "type", msg.Type)
			_ = s.mux.Close()
			return
		}
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(controlPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.mux.CloseChan():
			return
		case <-ticker.C:
			if err := s.writeControl(tunnelproto.Message{Type: tunnelproto.TypePing}); err != nil {
				return
			}
		}
	}
}

func (s *session) writeControl(msg tunnelproto.Message) error {
	s.ctrlWMu.Lock()
	defer s.ctrlWMu.Unlock()
	return tunnelproto.Write(s.ctrl, msg)
}

// jitter spreads reconnect attempts by ±20%.
func jitter(d time.Duration) time.Duration {
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * factor)
}

// controlURL converts the configured server URL into the WebSocket
// upgrade endpoint.  controlPath must match the server's configured
// control_path; empty selects the default.
func controlURL(serverURL, controlPath string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url missing host")
	}
	if controlPath == "" {
		controlPath = DefaultControlPath
	}
	if !strings.HasPrefix(controlPath, "/") {
		return "", fmt.Errorf("control path %q must start with /", controlPath)
	}
	u.Path = controlPath
	u.RawQuery = ""
	return u.String(), nil
}

func (c *Client) originAddr() string {
	return net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(c.cfg.LocalPort))
}
