// Package acmetest runs a minimal RFC 8555 directory for tests.  It
// signs real certificates for any identifier with a built-in CA and
// validates http-01 challenges against a configurable base URL.  JWS
// signatures are not verified.
package acmetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

type order struct {
	id         string
	domain     string
	authzDone  bool
	cert       []byte
	token      string
}

// Server is the mock directory.  ChallengeBase, when set, points at the
// listener serving /.well-known/acme-challenge/ and is fetched during
// challenge validation.
type Server struct {
	HTTP *httptest.Server

	// CertPool trusts both the directory endpoint and every issued
	// certificate.
	CertPool *x509.CertPool

	ChallengeBase string

	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	mu       sync.Mutex
	seq      int
	orders   map[string]*order
	accounts int
}

// New starts the directory over TLS.  Close it when done.
func New() (*Server, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, err
	}

	s := &Server{
		caCert: caCert,
		caKey:  caKey,
		orders: make(map[string]*order),
	}
	s.HTTP = httptest.NewTLSServer(http.HandlerFunc(s.route))

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	pool.AddCert(s.HTTP.Certificate())
	s.CertPool = pool
	return s, nil
}

func (s *Server) Close() { s.HTTP.Close() }

// URL returns the directory URL.
func (s *Server) URL() string { return s.HTTP.URL + "/dir" }

// DirectoryCertPEM returns the TLS certificate of the directory endpoint
// for use as a ca_file.
func (s *Server) DirectoryCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.HTTP.Certificate().Raw})
}

// Accounts reports how many accounts were registered.
func (s *Server) Accounts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts
}

// Orders reports how many orders were created for domain.
func (s *Server) Orders(domain string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.domain == domain {
			n++
		}
	}
	return n
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Replay-Nonce", "nonce-ok")
	w.Header().Set("Cache-Control", "no-store")

	path := r.URL.Path
	switch {
	case path == "/dir":
		s.writeJSON(w, http.StatusOK, map[string]string{
			"newNonce":   s.HTTP.URL + "/nonce",
			"newAccount": s.HTTP.URL + "/acct",
			"newOrder":   s.HTTP.URL + "/order",
			"revokeCert": s.HTTP.URL + "/revoke",
			"keyChange":  s.HTTP.URL + "/keychange",
		})
	case path == "/nonce":
		w.WriteHeader(http.StatusOK)
	case path == "/acct":
		s.mu.Lock()
		s.accounts++
		n := s.accounts
		s.mu.Unlock()
		w.Header().Set("Location", fmt.Sprintf("%s/acct/%d", s.HTTP.URL, n))
		s.writeJSON(w, http.StatusCreated, map[string]string{"status": "valid"})
	case path == "/order":
		s.newOrder(w, r)
	case strings.HasPrefix(path, "/authz/"):
		s.getAuthz(w, strings.TrimPrefix(path, "/authz/"))
	case strings.HasPrefix(path, "/chal/"):
		s.acceptChallenge(w, strings.TrimPrefix(path, "/chal/"))
	case strings.HasPrefix(path, "/order/") && strings.HasSuffix(path, "/finalize"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/order/"), "/finalize")
		s.finalize(w, r, id)
	case strings.HasPrefix(path, "/order/"):
		s.getOrder(w, strings.TrimPrefix(path, "/order/"))
	case strings.HasPrefix(path, "/cert/"):
		s.getCert(w, strings.TrimPrefix(path, "/cert/"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) newOrder(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	}
	if err := readJWSPayload(r, &payload); err != nil || len(payload.Identifiers) == 0 {
		http.Error(w, "bad order payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%d", s.seq)
	o := &order{
		id:     id,
		domain: payload.Identifiers[0].Value,
		token:  "tok-" + id,
	}
	s.orders[id] = o
	s.mu.Unlock()

	w.Header().Set("Location", s.HTTP.URL+"/order/"+id)
	s.writeJSON(w, http.StatusCreated, s.orderJSON(o, "pending"))
}

func (s *Server) orderJSON(o *order, status string) map[string]any {
	out := map[string]any{
		"status":         status,
		"finalize":       s.HTTP.URL + "/order/" + o.id + "/finalize",
		"authorizations": []string{s.HTTP.URL + "/authz/" + o.id},
		"identifiers":    []map[string]string{{"type": "dns", "value": o.domain}},
	}
	if o.cert != nil {
		out["certificate"] = s.HTTP.URL + "/cert/" + o.id
	}
	return out
}

func (s *Server) lookup(id string) *order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *Server) getAuthz(w http.ResponseWriter, id string) {
	o := s.lookup(id)
	if o == nil {
		http.NotFound(w, nil)
		return
	}
	status := "pending"
	chalStatus := "pending"
	if o.authzDone {
		status = "valid"
		chalStatus = "valid"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"identifier": map[string]string{"type": "dns", "value": o.domain},
		"challenges": []map[string]string{{
			"type":   "http-01",
			"url":    s.HTTP.URL + "/chal/" + o.id,
			"token":  o.token,
			"status": chalStatus,
		}},
	})
}

// acceptChallenge validates the key authorization against ChallengeBase
// before marking the authorization valid.
func (s *Server) acceptChallenge(w http.ResponseWriter, id string) {
	o := s.lookup(id)
	if o == nil {
		http.NotFound(w, nil)
		return
	}

	valid := true
	if s.ChallengeBase != "" {
		valid = false
		resp, err := http.Get(s.ChallengeBase + "/.well-known/acme-challenge/" + o.token)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			valid = resp.StatusCode == http.StatusOK &&
				strings.HasPrefix(string(body), o.token+".")
		}
	}

	s.mu.Lock()
	o.authzDone = valid
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]string{
		"type":   "http-01",
		"url":    s.HTTP.URL + "/chal/" + o.id,
		"token":  o.token,
		"status": "processing",
	})
}

func (s *Server) getOrder(w http.ResponseWriter, id string) {
	o := s.lookup(id)
	if o == nil {
		http.NotFound(w, nil)
		return
	}
	status := "pending"
	if o.authzDone {
		status = "ready"
	}
	if o.cert != nil {
		status = "valid"
	}
	s.writeJSON(w, http.StatusOK, s.orderJSON(o, status))
}

func (s *Server) finalize(w http.ResponseWriter, r *http.Request, id string) {
	o := s.lookup(id)
	if o == nil {
		http.NotFound(w, nil)
		return
	}
	var payload struct {
		CSR string `json:"csr"`
	}
	if err := readJWSPayload(r, &payload); err != nil {
		http.Error(w, "bad finalize payload", http.StatusBadRequest)
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		http.Error(w, "bad csr encoding", http.StatusBadRequest)
		return
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		http.Error(w, "bad csr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	serial := int64(s.seq)
	s.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	o.cert = leafDER
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, s.orderJSON(o, "valid"))
}

func (s *Server) getCert(w http.ResponseWriter, id string) {
	o := s.lookup(id)
	if o == nil || o.cert == nil {
		http.NotFound(w, nil)
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: o.cert})
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJWSPayload extracts the base64url payload of a JWS request body
// without verifying its signature.
func readJWSPayload(r *http.Request, v any) error {
	var envelope struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Payload == "" {
		return nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
