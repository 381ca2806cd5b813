// Package certs holds issued TLS certificates keyed by SNI hostname and
// resolves them during handshakes.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/netutil"
)

// expiryMargin keeps a certificate out of rotation once it is this close
// to NotAfter; renewal runs long before this bites.
const expiryMargin = 24 * time.Hour

// Manager is the SNI-keyed certificate store.  Install replaces entries
// atomically; GetCertificate is safe for concurrent handshakes.
type Manager struct {
	mu    sync.RWMutex
	certs map[string]*tls.Certificate
}

func NewManager() *Manager {
	return &Manager{certs: make(map[string]*tls.Certificate)}
}

// Install publishes (or replaces) the certificate for hostname.  The leaf
// must already be parsed into cert.Leaf.
func (m *Manager) Install(hostname string, cert *tls.Certificate) {
	key := netutil.NormalizeHost(hostname)
	m.mu.Lock()
	m.certs[key] = cert
	m.mu.Unlock()
}

// Has reports whether a usable (non-expiring) certificate is loaded.
func (m *Manager) Has(hostname string) bool {
	return m.usable(hostname) != nil
}

// Leaf returns the parsed leaf certificate for renewal decisions, or nil.
func (m *Manager) Leaf(hostname string) *x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c := m.certs[netutil.NormalizeHost(hostname)]; c != nil {
		return c.Leaf
	}
	return nil
}

// Hostnames snapshots the loaded hostnames.
func (m *Manager) Hostnames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.certs))
	for k := range m.certs {
		out = append(out, k)
	}
	return out
}

// GetCertificate implements tls.Config.GetCertificate.  A miss returns
// (nil, nil) so the handshake fails with unrecognized_name.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return m.usable(hello.ServerName), nil
}

func (m *Manager) usable(hostname string) *tls.Certificate {
	key := netutil.NormalizeHost(hostname)
	if key == "" {
		return nil
	}
	m.mu.RLock()
	c := m.certs[key]
	m.mu.RUnlock()
	if c == nil || c.Leaf == nil {
		return c
	}
	if time.Now().Add(expiryMargin).After(c.Leaf.NotAfter) {
		return nil
	}
	return c
}

// LoadDir preloads certificates persisted as {dir}/{host}/cert.pem+key.pem.
// Unreadable entries are skipped with a warning.
func (m *Manager) LoadDir(dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read certs dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		host := entry.Name()
		cert, err := LoadKeyPair(
			filepath.Join(dir, host, "cert.pem"),
			filepath.Join(dir, host, "key.pem"),
		)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("skipping unreadable certificate", "hostname", host, "err", err)
			}
			continue
		}
		m.Install(host, cert)
		logger.Info("certificate loaded", "hostname", host, "not_after", cert.Leaf.NotAfter)
	}
	return nil
}

// LoadKeyPair reads a PEM pair and parses the leaf.
func LoadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	if _, err := os.Stat(certFile); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}
	cert.Leaf = leaf
	return &cert, nil
}
