package acme

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/acme/acmetest"
	"github.com/burrowhq/burrow/internal/certs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// issuerFixture wires a mock directory, a challenge listener and an
// issuer with a fresh certs dir.
type issuerFixture struct {
	directory *acmetest.Server
	issuer    *Issuer
	store     *ChallengeStore
	manager   *certs.Manager
	certsDir  string
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()

	directory, err := acmetest.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(directory.Close)

	store := NewChallengeStore()
	challengeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, ChallengePathPrefix)
		keyAuth, ok := store.Get(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, keyAuth)
	}))
	t.Cleanup(challengeSrv.Close)
	directory.ChallengeBase = challengeSrv.URL

	certsDir := t.TempDir()
	caFile := filepath.Join(certsDir, "test-roots.pem")
	if err := os.WriteFile(caFile, directory.DirectoryCertPEM(), 0o600); err != nil {
		t.Fatal(err)
	}

	manager := certs.NewManager()
	issuer, err := NewIssuer(context.Background(), Options{
		Email:        "ops@tunnel.test",
		DirectoryURL: directory.URL(),
		CertsDir:     certsDir,
		CAFile:       caFile,
	}, store, manager, discardLogger())
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	return &issuerFixture{
		directory: directory,
		issuer:    issuer,
		store:     store,
		manager:   manager,
		certsDir:  certsDir,
	}
}

func TestIssueEndToEnd(t *testing.T) {
	f := newIssuerFixture(t)

	if _, err := os.Stat(filepath.Join(f.certsDir, "account.json")); err != nil {
		t.Fatalf("account.json not persisted: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.issuer.Issue(ctx, "demo.tunnel.test"); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if !f.manager.Has("demo.tunnel.test") {
		t.Fatal("certificate not installed in manager")
	}
	leaf := f.manager.Leaf("demo.tunnel.test")
	if leaf == nil || leaf.DNSNames[0] != "demo.tunnel.test" {
		t.Fatalf("installed leaf = %+v", leaf)
	}

	for _, name := range []string{"cert.pem", "key.pem"} {
		path := filepath.Join(f.certsDir, "demo.tunnel.test", name)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("%s not persisted: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s perm = %o, want 600", name, perm)
		}
	}

	// Challenge tokens are removed after the order completes.
	if _, ok := f.store.Get("tok-1"); ok {
		t.Fatal("challenge token not cleaned up")
	}

	// The persisted pair reloads into a fresh manager.
	reloaded := certs.NewManager()
	if err := reloaded.LoadDir(f.certsDir, discardLogger()); err != nil {
		t.Fatal(err)
	}
	if !reloaded.Has("demo.tunnel.test") {
		t.Fatal("persisted certificate did not reload")
	}
}

func TestIssueDeduplicatesInflight(t *testing.T) {
	f := newIssuerFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.issuer.Issue(ctx, "shared.tunnel.test")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Issue: %v", err)
		}
	}

	if n := f.directory.Orders("shared.tunnel.test"); n != 1 {
		t.Fatalf("orders created = %d, want 1 (in-flight dedup)", n)
	}
}

func TestAccountReloadedNotRecreated(t *testing.T) {
	f := newIssuerFixture(t)

	if n := f.directory.Accounts(); n != 1 {
		t.Fatalf("accounts after first issuer = %d", n)
	}

	caFile := filepath.Join(f.certsDir, "test-roots.pem")
	_, err := NewIssuer(context.Background(), Options{
		Email:        "ops@tunnel.test",
		DirectoryURL: f.directory.URL(),
		CertsDir:     f.certsDir,
		CAFile:       caFile,
	}, f.store, f.manager, discardLogger())
	if err != nil {
		t.Fatalf("second NewIssuer: %v", err)
	}
	if n := f.directory.Accounts(); n != 1 {
		t.Fatalf("accounts after reload = %d, want 1", n)
	}
}
