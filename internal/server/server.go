// Package server implements the public relay: visitor routing, client
// sessions, certificate management and the admin surface.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/acme"
	"github.com/burrowhq/burrow/internal/certs"
	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/registry"
)

const (
	// readHeaderTimeout bounds header reads on the visitor listeners.
	readHeaderTimeout = 10 * time.Second

	// maxHeaderBytes caps the visitor request line + header block.
	maxHeaderBytes = 64 * 1024

	// shutdownGrace is how long in-flight request jobs may finish after
	// a termination signal.
	shutdownGrace = 10 * time.Second

	// jobQueueSize bounds the per-session request queue; a full queue
	// surfaces as 503 to the visitor.
	jobQueueSize = 1024

	// baseCertStartupDelay lets the HTTP listener come up before the
	// base-domain order needs it for challenges.
	baseCertStartupDelay = 500 * time.Millisecond
)

type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	registry   *registry.Registry
	certs      *certs.Manager
	challenges *acme.ChallengeStore
	issuer     *acme.Issuer

	sessMu   sync.Mutex
	sessions map[*session]struct{}

	inflight sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		log:        logger,
		registry:   registry.New(),
		certs:      certs.NewManager(),
		challenges: acme.NewChallengeStore(),
		sessions:   make(map[*session]struct{}),
	}
}

// Registry exposes the tunnel registry (admin handlers, tests).
func (s *Server) Registry() *registry.Registry { return s.registry }

// Run binds the configured ports and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Server.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	var httpsLn net.Listener
	if s.cfg.TLSEnabled() {
		inner, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Server.HTTPSPort))
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listen https: %w", err)
		}
		httpsLn = tls.NewListener(inner, s.tlsConfig())
	}

	return s.serve(ctx, httpLn, httpsLn)
}

func (s *Server) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// serve runs the accept loops on the given listeners.  httpsLn may be nil
// when TLS is disabled.
func (s *Server) serve(ctx context.Context, httpLn, httpsLn net.Listener) error {
	if s.cfg.TLSEnabled() {
		if err := s.setupTLS(ctx); err != nil {
			httpLn.Close()
			httpsLn.Close()
			return err
		}
	}

	sweepCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go s.registry.RunSweeper(sweepCtx, s.cfg.IdleTunnelTimeout(), s.log)
	if s.issuer != nil {
		go s.issuer.RunRenewal(sweepCtx)
		go s.requestBaseCert(sweepCtx)
	}

	httpSrv := &http.Server{
		Handler:           s.handler(false),
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}
	servers := []*http.Server{httpSrv}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("http listener started", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if httpsLn != nil {
		httpsSrv := &http.Server{
			Handler:           s.handler(true),
			ReadHeaderTimeout: readHeaderTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		}
		servers = append(servers, httpsSrv)
		go func() {
			s.log.Info("https listener started", "addr", httpsLn.Addr().String())
			if err := httpsSrv.Serve(httpsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.shutdown(servers)
		return nil
	case err := <-errCh:
		s.shutdown(servers)
		return err
	}
}

func (s *Server) setupTLS(ctx context.Context) error {
	httpsCfg := s.cfg.HTTPS

	if err := s.certs.LoadDir(httpsCfg.CertsDir, s.log); err != nil {
		return err
	}

	directory := httpsCfg.Directory
	if httpsCfg.Staging {
		directory = acme.LetsEncryptStagingDirectory
	}
	issuer, err := acme.NewIssuer(ctx, acme.Options{
		Email:        httpsCfg.Email,
		DirectoryURL: directory,
		CertsDir:     httpsCfg.CertsDir,
		CAFile:       httpsCfg.CAFile,
	}, s.challenges, s.certs, s.log)
	if err != nil {
		return fmt.Errorf("acme setup: %w", err)
	}
	s.issuer = issuer
	return nil
}

// requestBaseCert orders the base-domain certificate once the HTTP
// listener is able to answer the challenge.
func (s *Server) requestBaseCert(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(baseCertStartupDelay):
	}
	base := s.cfg.Server.Domain
	if s.certs.Has(base) {
		return
	}
	if err := s.issuer.Issue(ctx, base); err != nil {
		s.log.Warn("base domain certificate unavailable; clients should connect via http until issuance succeeds",
			"hostname", base, "err", err)
	}
}

// shutdown stops accepting, tells every client to go away, and gives
// in-flight jobs a bounded window to finish.
func (s *Server) shutdown(servers []*http.Server) {
	s.log.Info("shutting down", "grace", shutdownGrace)

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			_ = srv.Shutdown(shCtx)
		}(srv)
	}

	s.sessMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessMu.Unlock()
	for _, sess := range sessions {
		sess.sendShutdown()
	}
	for _, sess := range sessions {
		sess.close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shCtx.Done():
		s.log.Warn("shutdown grace expired with requests still in flight")
	}
	wg.Wait()
}

func (s *Server) trackSession(sess *session) {
	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()
}

func (s *Server) untrackSession(sess *session) {
	s.sessMu.Lock()
	delete(s.sessions, sess)
	s.sessMu.Unlock()
}

// publicURL builds the visitor-facing URL for a registered subdomain.
func (s *Server) publicURL(subdomain string) string {
	host := subdomain + "." + s.cfg.Server.Domain
	if s.cfg.TLSEnabled() {
		if s.cfg.Server.HTTPSPort == 443 {
			return "https://" + host
		}
		return fmt.Sprintf("https://%s:%d", host, s.cfg.Server.HTTPSPort)
	}
	if s.cfg.Server.HTTPPort == 80 {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, s.cfg.Server.HTTPPort)
}
