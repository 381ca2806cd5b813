package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/internal/acme"
	"github.com/burrowhq/burrow/internal/domain"
	"github.com/burrowhq/burrow/internal/netutil"
	"github.com/burrowhq/burrow/internal/registry"
)

// maxResponseHeadBytes bounds the client's response start-line + headers.
const maxResponseHeadBytes = 64 * 1024

// handler builds the routing chain for one listener.  secure marks the
// HTTPS listener.
func (s *Server) handler(secure bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if strings.HasPrefix(path, acme.ChallengePathPrefix) {
			s.serveChallenge(w, r)
			return
		}
		if path == s.cfg.Server.ControlPath && isWebSocketUpgrade(r) {
			s.handleConnect(w, r)
			return
		}
		if strings.HasPrefix(path, "/_admin/") {
			s.handleAdmin(w, r)
			return
		}

		host := netutil.NormalizeHost(r.Host)
		if host == s.cfg.Server.Domain {
			s.serveLanding(w)
			return
		}
		if !secure && s.cfg.TLSEnabled() {
			s.redirectHTTPS(w, r)
			return
		}

		sub, ok := netutil.ExtractSubdomain(r.Host, s.cfg.Server.Domain)
		if !ok {
			http.Error(w, "unknown host", http.StatusNotFound)
			return
		}
		tunnel := s.registry.Lookup(sub)
		if tunnel == nil {
			http.Error(w, "tunnel not found", http.StatusNotFound)
			return
		}

		s.proxy(w, r, tunnel, secure)
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func (s *Server) serveChallenge(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := strings.TrimPrefix(r.URL.Path, acme.ChallengePathPrefix)
	keyAuth, ok := s.challenges.Get(token)
	if !ok {
		http.Error(w, "challenge not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, keyAuth)
	s.log.Info("acme challenge served", "host", netutil.NormalizeHost(r.Host),
		"latency", time.Since(start).Round(time.Microsecond))
}

func (s *Server) serveLanding(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "burrow relay\n")
}

func (s *Server) redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	host := netutil.NormalizeHost(r.Host)
	target := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if s.cfg.Server.HTTPSPort != 443 {
		target.Host = host + ":" + strconv.Itoa(s.cfg.Server.HTTPSPort)
	}
	http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
}

// proxy relays one visitor request over the owning session.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, tunnel *registry.Tunnel, secure bool) {
	start := time.Now()
	maxBody := s.cfg.Limits.MaxRequestBodyBytes

	if r.ContentLength > maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	requestID := uuid.NewString()
	head := buildForwardHead(r, requestID, secure, len(body))

	timeout := s.cfg.RequestTimeout()
	job := registry.NewRequestJob(requestID, r.Method, head, body, time.Now().Add(timeout))
	tunnel.IncrementRequests()

	if err := tunnel.Dispatch(job); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		s.logRequest(r, tunnel.Subdomain, status, start)
		http.Error(w, err.Error(), status)
		return
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-job.Reply:
		if res.Err != nil {
			s.logRequest(r, tunnel.Subdomain, http.StatusBadGateway, start)
			http.Error(w, "tunnel error", http.StatusBadGateway)
			return
		}
		defer res.Resp.Body.Close()
		tunnel.Touch()

		header := w.Header()
		netutil.StripHopByHopHeaders(res.Resp.Header)
		for k, vals := range res.Resp.Header {
			for _, v := range vals {
				header.Add(k, v)
			}
		}
		header.Set("X-Request-ID", requestID)
		w.WriteHeader(res.Resp.StatusCode)
		_, _ = io.Copy(w, res.Resp.Body)
		s.logRequest(r, tunnel.Subdomain, res.Resp.StatusCode, start)

	case <-timer.C:
		job.Cancel()
		s.logRequest(r, tunnel.Subdomain, http.StatusGatewayTimeout, start)
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)

	case <-r.Context().Done():
		job.Cancel()
	}
}

func (s *Server) logRequest(r *http.Request, subdomain string, status int, start time.Time) {
	s.log.Info("request proxied",
		"method", r.Method,
		"host", netutil.NormalizeHost(r.Host),
		"path", r.URL.Path,
		"subdomain", subdomain,
		"status", status,
		"latency", time.Since(start).Round(time.Microsecond))
}

// buildForwardHead serializes the request line and headers sent to the
// client: hop-by-hop headers stripped, forwarding headers appended, body
// length pinned.
func buildForwardHead(r *http.Request, requestID string, secure bool, bodyLen int) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", r.Host)

	h := r.Header.Clone()
	netutil.StripHopByHopHeaders(h)
	h.Del("Host")
	h.Del("Content-Length")

	xff := netutil.VisitorIP(r.RemoteAddr)
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		xff = prior + ", " + xff
	}
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
	h.Del("X-Forwarded-Host")
	h.Del("X-Request-Id")

	for k, vals := range h {
		for _, v := range vals {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}

	proto := "http"
	if secure {
		proto = "https"
	}
	fmt.Fprintf(&b, "X-Forwarded-For: %s\r\n", xff)
	fmt.Fprintf(&b, "X-Forwarded-Proto: %s\r\n", proto)
	fmt.Fprintf(&b, "X-Forwarded-Host: %s\r\n", r.Host)
	fmt.Fprintf(&b, "X-Request-ID: %s\r\n", requestID)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", bodyLen)
	b.WriteString("\r\n")
	return b.Bytes()
}
