package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// selfSigned issues a throwaway leaf for hostname with the given lifetime.
func selfSigned(t *testing.T, hostname string, notAfter time.Time) (*tls.Certificate, []byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, certPEM, keyPEM
}

func TestInstallAndResolve(t *testing.T) {
	m := NewManager()
	cert, _, _ := selfSigned(t, "demo.tunnel.test", time.Now().Add(90*24*time.Hour))
	m.Install("demo.tunnel.test", cert)

	got, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "demo.tunnel.test"})
	if err != nil || got != cert {
		t.Fatalf("GetCertificate = (%v, %v), want installed cert", got, err)
	}

	// SNI values are case-insensitive hostnames.
	got, _ = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "Demo.Tunnel.Test"})
	if got != cert {
		t.Fatal("case-folded SNI lookup failed")
	}

	// Unknown hostname resolves to nothing so the handshake is refused.
	got, err = m.GetCertificate(&tls.ClientHelloInfo{ServerName: "other.tunnel.test"})
	if got != nil || err != nil {
		t.Fatalf("miss = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestInstallReplacesAtomically(t *testing.T) {
	m := NewManager()
	old, _, _ := selfSigned(t, "demo.tunnel.test", time.Now().Add(24*30*time.Hour))
	renewed, _, _ := selfSigned(t, "demo.tunnel.test", time.Now().Add(24*90*time.Hour))

	m.Install("demo.tunnel.test", old)
	m.Install("demo.tunnel.test", renewed)

	got, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "demo.tunnel.test"})
	if got != renewed {
		t.Fatal("install did not replace the previous entry")
	}
}

func TestNearExpiryCertIsNotServed(t *testing.T) {
	m := NewManager()
	cert, _, _ := selfSigned(t, "demo.tunnel.test", time.Now().Add(time.Hour))
	m.Install("demo.tunnel.test", cert)

	if m.Has("demo.tunnel.test") {
		t.Fatal("certificate inside the expiry margin must not be usable")
	}
	got, _ := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "demo.tunnel.test"})
	if got != nil {
		t.Fatal("resolver returned a certificate inside the expiry margin")
	}
	// Renewal still sees the leaf.
	if m.Leaf("demo.tunnel.test") == nil {
		t.Fatal("leaf must remain visible for renewal checks")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	_, certPEM, keyPEM := selfSigned(t, "demo.tunnel.test", time.Now().Add(90*24*time.Hour))

	hostDir := filepath.Join(dir, "demo.tunnel.test")
	if err := os.MkdirAll(hostDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, "cert.pem"), certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hostDir, "key.pem"), keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	// Incomplete entry must be skipped, not fail the load.
	if err := os.MkdirAll(filepath.Join(dir, "broken.tunnel.test"), 0o700); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := m.LoadDir(dir, logger); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if !m.Has("demo.tunnel.test") {
		t.Fatal("persisted certificate was not loaded")
	}
	if m.Has("broken.tunnel.test") {
		t.Fatal("incomplete entry must not load")
	}

	// Missing directory is not an error.
	if err := NewManager().LoadDir(filepath.Join(dir, "nope"), logger); err != nil {
		t.Fatalf("missing dir: %v", err)
	}
}
