package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/burrowhq/burrow/internal/certs"
	"github.com/burrowhq/burrow/internal/netutil"
)

const (
	// LetsEncryptDirectory is the production directory URL.
	LetsEncryptDirectory = "https://acme-v02.api.letsencrypt.org/directory"
	// LetsEncryptStagingDirectory is the staging alias used when the
	// config sets staging = true.
	LetsEncryptStagingDirectory = "https://acme-staging-v02.api.letsencrypt.org/directory"

	accountFileName = "account.json"

	// pollTimeout bounds each polling phase (authorization, order).
	pollTimeout = 60 * time.Second

	// Renewal loop parameters.
	renewalInterval  = 12 * time.Hour
	renewalThreshold = 30 * 24 * time.Hour
)

// Options configures the issuer.  CAFile optionally extends the trust
// roots used to reach the directory (Pebble-style test servers).
type Options struct {
	Email        string
	DirectoryURL string
	CertsDir     string
	CAFile       string
}

type inflight struct {
	done chan struct{}
	err  error
}

// Issuer drives HTTP-01 orders against an ACME directory and publishes
// the resulting certificates into the cert manager.  At most one order is
// in flight per hostname; duplicate callers share its outcome.
type Issuer struct {
	client   *acme.Client
	store    *ChallengeStore
	certs    *certs.Manager
	certsDir string
	log      *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewIssuer loads or creates the ACME account under opts.CertsDir and
// returns an issuer bound to the challenge store and cert manager.
func NewIssuer(ctx context.Context, opts Options, store *ChallengeStore, mgr *certs.Manager, logger *slog.Logger) (*Issuer, error) {
	if err := os.MkdirAll(opts.CertsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create certs dir: %w", err)
	}

	httpClient, err := httpClientWithRoots(opts.CAFile)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		DirectoryURL: opts.DirectoryURL,
		HTTPClient:   httpClient,
	}
	if err := loadOrCreateAccount(ctx, client, opts, logger); err != nil {
		return nil, err
	}

	return &Issuer{
		client:   client,
		store:    store,
		certs:    mgr,
		certsDir: opts.CertsDir,
		log:      logger,
		inflight: make(map[string]*inflight),
	}, nil
}

// Issue obtains and installs a certificate for hostname.  A usable
// certificate short-circuits; an order already in flight for the same
// hostname is awaited instead of duplicated.
func (i *Issuer) Issue(ctx context.Context, hostname string) error {
	hostname = netutil.NormalizeHost(hostname)
	if i.certs.Has(hostname) {
		return nil
	}
	return i.issueShared(ctx, hostname)
}

// Renew re-runs issuance even while the current certificate is still
// usable.
func (i *Issuer) Renew(ctx context.Context, hostname string) error {
	return i.issueShared(ctx, netutil.NormalizeHost(hostname))
}

func (i *Issuer) issueShared(ctx context.Context, hostname string) error {
	i.mu.Lock()
	if f, ok := i.inflight[hostname]; ok {
		i.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &inflight{done: make(chan struct{})}
	i.inflight[hostname] = f
	i.mu.Unlock()

	f.err = i.issue(ctx, hostname)

	i.mu.Lock()
	delete(i.inflight, hostname)
	i.mu.Unlock()
	close(f.done)

	return f.err
}

func (i *Issuer) issue(ctx context.Context, hostname string) error {
	start := time.Now()
	i.log.Info("requesting certificate", "hostname", hostname)

	order, err := i.client.AuthorizeOrder(ctx, acme.DomainIDs(hostname))
	if err != nil {
		return fmt.Errorf("authorize order: %w", err)
	}

	var tokens []string
	defer func() {
		for _, tok := range tokens {
			i.store.Remove(tok)
		}
	}()

	for _, zurl := range order.AuthzURLs {
		authz, err := i.client.GetAuthorization(ctx, zurl)
		if err != nil {
			return fmt.Errorf("get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var challenge *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				challenge = c
				break
			}
		}
		if challenge == nil {
			return fmt.Errorf("no http-01 challenge offered for %s", hostname)
		}

		keyAuth, err := i.client.HTTP01ChallengeResponse(challenge.Token)
		if err != nil {
			return fmt.Errorf("challenge response: %w", err)
		}
		i.store.Put(challenge.Token, keyAuth)
		tokens = append(tokens, challenge.Token)

		if _, err := i.client.Accept(ctx, challenge); err != nil {
			return fmt.Errorf("accept challenge: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, pollTimeout)
		_, err = i.client.WaitAuthorization(waitCtx, authz.URI)
		cancel()
		if err != nil {
			return fmt.Errorf("authorization for %s: %w", hostname, err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	finalOrder, err := i.client.WaitOrder(waitCtx, order.URI)
	cancel()
	if err != nil {
		return fmt.Errorf("wait order: %w", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate leaf key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hostname},
		DNSNames: []string{hostname},
	}, leafKey)
	if err != nil {
		return fmt.Errorf("create csr: %w", err)
	}

	certCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	chain, _, err := i.client.CreateOrderCert(certCtx, finalOrder.FinalizeURL, csr, true)
	cancel()
	if err != nil {
		return fmt.Errorf("finalize order: %w", err)
	}

	cert, err := buildCertificate(chain, leafKey)
	if err != nil {
		return err
	}
	if err := i.persist(hostname, chain, leafKey); err != nil {
		return err
	}
	i.certs.Install(hostname, cert)

	i.log.Info("certificate issued", "hostname", hostname,
		"not_after", cert.Leaf.NotAfter, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (i *Issuer) persist(hostname string, chain [][]byte, key *ecdsa.PrivateKey) error {
	dir := filepath.Join(i.certsDir, hostname)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	var certPEM []byte
	for _, der := range chain {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), certPEM, 0o600); err != nil {
		return fmt.Errorf("write cert.pem: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key.pem: %w", err)
	}
	return nil
}

// RunRenewal re-issues certificates that are within 30 days of expiry,
// checking every 12 hours until ctx is done.
func (i *Issuer) RunRenewal(ctx context.Context) {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.renewExpiring(ctx)
		}
	}
}

func (i *Issuer) renewExpiring(ctx context.Context) {
	for _, hostname := range i.certs.Hostnames() {
		leaf := i.certs.Leaf(hostname)
		if leaf == nil || time.Until(leaf.NotAfter) >= renewalThreshold {
			continue
		}
		i.log.Info("renewing certificate", "hostname", hostname, "not_after", leaf.NotAfter)
		if err := i.Renew(ctx, hostname); err != nil {
			i.log.Error("certificate renewal failed", "hostname", hostname, "err", err)
		}
	}
}

func buildCertificate(chain [][]byte, key *ecdsa.PrivateKey) (*tls.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued leaf: %w", err)
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

type accountFile struct {
	Email  string `json:"email"`
	URI    string `json:"uri"`
	KeyPEM string `json:"key_pem"`
}

func loadOrCreateAccount(ctx context.Context, client *acme.Client, opts Options, logger *slog.Logger) error {
	path := filepath.Join(opts.CertsDir, accountFileName)

	if raw, err := os.ReadFile(path); err == nil {
		var acct accountFile
		if err := json.Unmarshal(raw, &acct); err != nil {
			return fmt.Errorf("parse %s: %w", accountFileName, err)
		}
		key, err := parseAccountKey(acct.KeyPEM)
		if err != nil {
			return fmt.Errorf("parse account key: %w", err)
		}
		client.Key = key
		logger.Info("loaded ACME account", "email", acct.Email)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", accountFileName, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate account key: %w", err)
	}
	client.Key = key

	logger.Info("creating ACME account", "email", opts.Email, "directory", opts.DirectoryURL)
	acct, err := client.Register(ctx, &acme.Account{
		Contact: []string{"mailto:" + opts.Email},
	}, acme.AcceptTOS)
	if err != nil {
		return fmt.Errorf("register account: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal account key: %w", err)
	}
	raw, err := json.MarshalIndent(accountFile{
		Email:  opts.Email,
		URI:    acct.URI,
		KeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", accountFileName, err)
	}
	logger.Info("saved ACME account credentials")
	return nil
}

func parseAccountKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("no PEM block in account key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func httpClientWithRoots(caFile string) (*http.Client, error) {
	if caFile == "" {
		return nil, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	raw, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}, nil
}
