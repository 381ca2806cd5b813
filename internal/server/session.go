package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/domain"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/tunnelproto"
	"github.com/burrowhq/burrow/internal/wsconn"
)

const (
	// registrationTimeout bounds the wait for the control substream and
	// its first message.
	registrationTimeout = 5 * time.Second

	// keepAliveInterval drives yamux liveness pings; a missed ping tears
	// the carrier down.
	keepAliveInterval = 30 * time.Second

	// randomSubdomainAttempts bounds collision retries for assigned names.
	randomSubdomainAttempts = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Clients authenticate with the token in their first control
	// message, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// session owns one authenticated client carrier: the mux, the control
// substream and the registered tunnel.
type session struct {
	srv     *Server
	carrier *wsconn.Conn
	mux     *yamux.Session
	ctrl    net.Conn
	tunnel  *registry.Tunnel

	ctrlWMu   sync.Mutex
	closeOnce sync.Once
}

func muxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = keepAliveInterval
	cfg.LogOutput = io.Discard
	return cfg
}

// handleConnect upgrades the control request and runs the session to
// completion on the connection's goroutine.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	carrier := wsconn.New(ws)
	mux, err := yamux.Server(carrier, muxConfig())
	if err != nil {
		s.log.Error("mux setup failed", "err", err)
		_ = carrier.Close()
		return
	}

	sess := &session{srv: s, carrier: carrier, mux: mux}
	sess.run(r.Context())
}

func (sess *session) run(ctx context.Context) {
	s := sess.srv
	defer sess.close()

	acceptCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	ctrl, err := sess.mux.AcceptStreamWithContext(acceptCtx)
	cancel()
	if err != nil {
		s.log.Warn("no control substream before deadline", "err", err)
		return
	}
	sess.ctrl = ctrl

	br := tunnelproto.NewReader(ctrl)
	_ = ctrl.SetReadDeadline(time.Now().Add(registrationTimeout))
	msg, err := tunnelproto.Read(br)
	_ = ctrl.SetReadDeadline(time.Time{})
	if err != nil {
		sess.reject(domain.CodeInternal, "malformed control message")
		return
	}
	if msg.Type != tunnelproto.TypeRegister {
		sess.reject(domain.CodeInvalidToken, "first message must be Register")
		return
	}

	token, ok := s.cfg.Token(msg.Token)
	if !ok {
		sess.reject(domain.CodeInvalidToken, "unknown token")
		return
	}

	tunnel, err := sess.register(msg.Token, token, msg.Subdomain)
	if err != nil {
		sess.reject(domain.CodeFor(err), err.Error())
		return
	}
	sess.tunnel = tunnel
	defer s.registry.Deregister(tunnel.Subdomain)

	s.trackSession(sess)
	defer s.untrackSession(sess)

	url := s.publicURL(tunnel.Subdomain)
	if err := sess.writeControl(tunnelproto.Registered(tunnel.Subdomain, url)); err != nil {
		return
	}
	s.log.Info("tunnel registered", "subdomain", tunnel.Subdomain, "url", url)

	if s.cfg.TLSEnabled() {
		go sess.reportCertificate(tunnel.Subdomain)
	}

	go sess.controlLoop(br)
	sess.relayLoop()
}

// register validates or assigns the subdomain and inserts the tunnel.
func (sess *session) register(tokenValue string, token config.Token, subdomain string) (*registry.Tunnel, error) {
	reg := sess.srv.registry

	if subdomain == "" {
		var lastErr error
		for range randomSubdomainAttempts {
			t := registry.NewTunnel(registry.RandomSubdomain(), tokenValue, jobQueueSize)
			if lastErr = reg.Register(t, token.MaxTunnels); lastErr == nil {
				return t, nil
			}
			if !errors.Is(lastErr, domain.ErrSubdomainTaken) {
				return nil, lastErr
			}
		}
		return nil, lastErr
	}

	if err := registry.ValidateSubdomain(subdomain); err != nil {
		return nil, err
	}
	t := registry.NewTunnel(subdomain, tokenValue, jobQueueSize)
	if err := reg.Register(t, token.MaxTunnels); err != nil {
		return nil, err
	}
	return t, nil
}

// reportCertificate ensures a certificate exists for the tunnel hostname
// and tells the client whether HTTPS is ready.
func (sess *session) reportCertificate(subdomain string) {
	s := sess.srv
	hostname := subdomain + "." + s.cfg.Server.Domain

	if s.certs.Has(hostname) {
		_ = sess.writeControl(tunnelproto.CertStatus(true))
		return
	}
	_ = sess.writeControl(tunnelproto.CertStatus(false))

	err := s.issuer.Issue(context.Background(), hostname)
	if err != nil {
		s.log.Error("certificate issuance failed", "hostname", hostname, "err", err)
	}
	_ = sess.writeControl(tunnelproto.CertStatus(err == nil))
}

// controlLoop consumes client control messages until the stream dies.
func (sess *session) controlLoop(br *bufio.Reader) {
	for {
		msg, err := tunnelproto.Read(br)
		if err != nil {
			sess.close()
			return
		}
		switch msg.Type {
		case tunnelproto.TypePing:
			_ = sess.writeControl(tunnelproto.Message{Type: tunnelproto.TypePong})
		case tunnelproto.TypeDisconnect:
			sess.srv.log.Info("client disconnect", "subdomain", sess.tunnel.Subdomain)
			sess.close()
			return
		default:
			// Unknown control types surface protocol bugs early.
			sess.srv.log.Warn("unexpected control message", "type", msg.Type, "subdomain", sess.tunnel.Subdomain)
			sess.close()
			return
		}
	}
}

// relayLoop consumes request jobs until the tunnel is deregistered or the
// carrier dies, then drains whatever is still queued.
func (sess *session) relayLoop() {
	tunnel := sess.tunnel
	for {
		select {
		case job := <-tunnel.Jobs():
			go sess.relayJob(job)
		case <-tunnel.Done():
			sess.drainJobs()
			return
		case <-sess.mux.CloseChan():
			tunnel.Close()
			sess.drainJobs()
			return
		}
	}
}

func (sess *session) drainJobs() {
	for {
		select {
		case job := <-sess.tunnel.Jobs():
			job.Deliver(registry.JobResult{Err: domain.ErrTunnelClosed})
		default:
			return
		}
	}
}

// relayJob opens a substream, writes the framed request, and parses the
// client's response.  Ownership of the substream passes to the router
// through the response body.
func (sess *session) relayJob(job *registry.RequestJob) {
	res := sess.doRelay(job)
	if !job.Deliver(res) && res.Resp != nil {
		_ = res.Resp.Body.Close()
	}
}

func (sess *session) doRelay(job *registry.RequestJob) registry.JobResult {
	stream, err := sess.mux.OpenStream()
	if err != nil {
		return registry.JobResult{Err: &domain.TunnelError{Subdomain: sess.tunnel.Subdomain, Op: "open substream", Err: err}}
	}
	handedOff := false
	defer func() {
		if !handedOff {
			_ = stream.Close()
		}
	}()

	_ = stream.SetDeadline(job.Deadline)

	if _, err := stream.Write(job.Head); err != nil {
		return registry.JobResult{Err: &domain.TunnelError{Subdomain: sess.tunnel.Subdomain, Op: "write head", Err: err}}
	}
	if len(job.Body) > 0 {
		if _, err := stream.Write(job.Body); err != nil {
			return registry.JobResult{Err: &domain.TunnelError{Subdomain: sess.tunnel.Subdomain, Op: "write body", Err: err}}
		}
	}

	head, err := readResponseHead(stream)
	if err != nil {
		return registry.JobResult{Err: &domain.TunnelError{Subdomain: sess.tunnel.Subdomain, Op: "read response head", Err: err}}
	}
	// The request method decides response framing (HEAD has no body).
	parseReq := &http.Request{Method: job.Method}
	resp, err := http.ReadResponse(bufio.NewReader(io.MultiReader(bytes.NewReader(head), stream)), parseReq)
	if err != nil {
		return registry.JobResult{Err: &domain.TunnelError{Subdomain: sess.tunnel.Subdomain, Op: "parse response", Err: err}}
	}

	resp.Body = &substreamBody{body: resp.Body, stream: stream}
	handedOff = true
	return registry.JobResult{Resp: resp}
}

// readResponseHead accumulates bytes until the end of the header block,
// bounded by maxResponseHeadBytes.  Bytes past the terminator (body
// prefix) are included and replayed by the caller.
func readResponseHead(r io.Reader) ([]byte, error) {
	var head []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			head = append(head, buf[:n]...)
			if bytes.Contains(head, []byte("\r\n\r\n")) {
				return head, nil
			}
			if len(head) > maxResponseHeadBytes {
				return nil, fmt.Errorf("response head exceeds %d bytes", maxResponseHeadBytes)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// substreamBody ties the parsed body to its substream so the router's
// Close releases both.
type substreamBody struct {
	body   io.ReadCloser
	stream net.Conn
}

func (b *substreamBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *substreamBody) Close() error {
	err := b.body.Close()
	if cerr := b.stream.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeControl serializes concurrent writers on the control substream.
func (sess *session) writeControl(msg tunnelproto.Message) error {
	sess.ctrlWMu.Lock()
	defer sess.ctrlWMu.Unlock()
	return tunnelproto.Write(sess.ctrl, msg)
}

// reject reports a terminal registration error to the client.  It does
// not close the carrier; run's deferred close does that on return.
func (sess *session) reject(code, message string) {
	if sess.ctrl != nil {
		_ = sess.writeControl(tunnelproto.Error(code, message))
	}
	sess.srv.log.Warn("registration rejected", "code", code, "reason", message)
}

// sendShutdown notifies the client of impending server shutdown.
func (sess *session) sendShutdown() {
	if sess.ctrl != nil {
		_ = sess.writeControl(tunnelproto.Message{Type: tunnelproto.TypeShutdown})
	}
}

// close tears the session down: tunnel signalled, mux and carrier closed.
// Safe to call from any goroutine, repeatedly.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		if sess.tunnel != nil {
			sess.tunnel.Close()
		}
		_ = sess.mux.Close()
		_ = sess.carrier.Close()
	})
}
