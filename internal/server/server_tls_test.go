package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/acme/acmetest"
	"github.com/burrowhq/burrow/internal/config"
)

// startRelayTLS serves both listeners with certificates minted by a mock
// directory.
func startRelayTLS(t *testing.T) (*Server, *acmetest.Server, string, string) {
	t.Helper()

	directory, err := acmetest.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(directory.Close)

	certsDir := t.TempDir()
	caFile := filepath.Join(t.TempDir(), "roots.pem")
	if err := os.WriteFile(caFile, directory.DirectoryCertPEM(), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(func(cfg *config.Config) {
		cfg.HTTPS = &config.HTTPSConfig{
			Email:     "ops@tunnel.test",
			CertsDir:  certsDir,
			Directory: directory.URL(),
			CAFile:    caFile,
		}
	})
	s := New(cfg, discardLogger())

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	httpsInner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	httpsLn := tls.NewListener(httpsInner, s.tlsConfig())

	directory.ChallengeBase = "http://" + httpLn.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, httpLn, httpsLn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("TLS server did not shut down")
		}
	})

	return s, directory, httpLn.Addr().String(), httpsInner.Addr().String()
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestACMEIssuanceOnRegister(t *testing.T) {
	s, directory, httpAddr, httpsAddr := startRelayTLS(t)

	_, originHost, originPort := startOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "proto="+r.Header.Get("X-Forwarded-Proto"))
	})
	registered, _ := startClient(t, httpAddr, "tk_a", "secure", originHost, originPort)
	waitRegistered(t, registered)

	// Registration triggers issuance for the tunnel hostname.
	waitFor(t, 10*time.Second, "tunnel certificate", func() bool {
		return s.certs.Has("secure.tunnel.test")
	})
	for _, name := range []string{"cert.pem", "key.pem"} {
		path := filepath.Join(s.cfg.HTTPS.CertsDir, "secure.tunnel.test", name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}

	// An HTTPS visitor request completes against the new certificate.
	tlsCfg := &tls.Config{RootCAs: directory.CertPool, ServerName: "secure.tunnel.test"}
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return tls.Dial(network, httpsAddr, tlsCfg)
		},
	}
	httpsClient := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	resp, err := httpsClient.Get("https://secure.tunnel.test/")
	if err != nil {
		t.Fatalf("https request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "proto=https" {
		t.Fatalf("https visit = %d %q", resp.StatusCode, body)
	}

	// SNI for an unknown hostname has no certificate to offer.
	conn, err := tls.Dial("tcp", httpsAddr, &tls.Config{
		RootCAs:    directory.CertPool,
		ServerName: "absent.tunnel.test",
	})
	if err == nil {
		conn.Close()
		t.Fatal("handshake for unknown SNI must fail")
	}

	// The base domain certificate is ordered at startup.
	waitFor(t, 10*time.Second, "base domain certificate", func() bool {
		return s.certs.Has("tunnel.test")
	})
}

func TestHTTPTunnelTrafficRedirectsToHTTPS(t *testing.T) {
	_, _, httpAddr, _ := startRelayTLS(t)

	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "http://"+httpAddr+"/some/path", nil)
	req.Host = "demo.tunnel.test"
	resp, err := noRedirect.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", resp.StatusCode)
	}
}
