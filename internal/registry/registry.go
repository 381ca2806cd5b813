// Package registry maintains the live subdomain → tunnel map and its
// lifecycle rules: validation, per-token quotas, and idle expiry.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/burrowhq/burrow/internal/domain"
)

// reservedSubdomains can never be registered by clients.
var reservedSubdomains = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "app": {}, "auth": {},
	"static": {}, "assets": {}, "cdn": {}, "mail": {}, "root": {},
}

const (
	minSubdomainLen = 3
	maxSubdomainLen = 63

	randomSubdomainLen = 10

	// SweepInterval is how often the idle sweeper scans the registry.
	SweepInterval = time.Minute
)

// ValidateSubdomain enforces the registration rules: 3-63 chars of
// [a-z0-9-], no leading/trailing hyphen, not reserved.
func ValidateSubdomain(sub string) error {
	if len(sub) < minSubdomainLen || len(sub) > maxSubdomainLen {
		return fmt.Errorf("%w: must be %d-%d characters", domain.ErrInvalidSubdomain, minSubdomainLen, maxSubdomainLen)
	}
	for _, r := range sub {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("%w: only lowercase letters, digits and hyphens", domain.ErrInvalidSubdomain)
		}
	}
	if sub[0] == '-' || sub[len(sub)-1] == '-' {
		return fmt.Errorf("%w: cannot start or end with a hyphen", domain.ErrInvalidSubdomain)
	}
	if _, ok := reservedSubdomains[sub]; ok {
		return fmt.Errorf("%w: reserved name", domain.ErrInvalidSubdomain)
	}
	return nil
}

// RandomSubdomain produces an assignable name for clients that request
// none.
func RandomSubdomain() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for range randomSubdomainLen {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String()
}

// Info is a read-only snapshot row for the admin surface.
type Info struct {
	Subdomain    string `json:"subdomain"`
	CreatedSecs  uint64 `json:"created_at_secs"`
	RequestCount uint64 `json:"request_count"`
	IdleSecs     uint64 `json:"idle_secs"`
}

// Registry is the concurrent subdomain → tunnel map.  All mutations are
// serialized per key; no lock is ever held across I/O.
type Registry struct {
	mu       sync.RWMutex
	tunnels  map[string]*Tunnel
	perToken map[string]int
}

func New() *Registry {
	return &Registry{
		tunnels:  make(map[string]*Tunnel),
		perToken: make(map[string]int),
	}
}

// Register atomically inserts the tunnel.  maxTunnels bounds live tunnels
// for the owning token (0 = unlimited).
func (r *Registry) Register(t *Tunnel, maxTunnels int) error {
	key := strings.ToLower(t.Subdomain)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tunnels[key]; exists {
		return domain.ErrSubdomainTaken
	}
	if maxTunnels > 0 && r.perToken[t.TokenID] >= maxTunnels {
		return domain.ErrTunnelLimit
	}
	r.tunnels[key] = t
	r.perToken[t.TokenID]++
	return nil
}

// Deregister removes the subdomain and signals its session to shut down.
// It reports whether a tunnel was present.
func (r *Registry) Deregister(subdomain string) bool {
	key := strings.ToLower(subdomain)

	r.mu.Lock()
	t, ok := r.tunnels[key]
	if ok {
		delete(r.tunnels, key)
		if n := r.perToken[t.TokenID]; n <= 1 {
			delete(r.perToken, t.TokenID)
		} else {
			r.perToken[t.TokenID] = n - 1
		}
	}
	r.mu.Unlock()

	if ok {
		t.Close()
	}
	return ok
}

// Lookup never blocks; it returns nil for unknown subdomains.
func (r *Registry) Lookup(subdomain string) *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[strings.ToLower(subdomain)]
}

// Len reports the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// Subdomains snapshots the live keys.
func (r *Registry) Subdomains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tunnels))
	for k := range r.tunnels {
		out = append(out, k)
	}
	return out
}

// Snapshot captures admin-facing rows for every live tunnel.
func (r *Registry) Snapshot(now time.Time) []Info {
	r.mu.RLock()
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(tunnels))
	for _, t := range tunnels {
		out = append(out, Info{
			Subdomain:    t.Subdomain,
			CreatedSecs:  uint64(now.Sub(t.CreatedAt).Seconds()),
			RequestCount: t.RequestCount(),
			IdleSecs:     uint64(t.IdleFor(now).Seconds()),
		})
	}
	return out
}

// RunSweeper deregisters tunnels idle for at least idleTimeout.  It runs
// until ctx is done, scanning a key snapshot every [SweepInterval].
func (r *Registry) RunSweeper(ctx context.Context, idleTimeout time.Duration, logger *slog.Logger) {
	r.runSweeper(ctx, SweepInterval, idleTimeout, logger)
}

func (r *Registry) runSweeper(ctx context.Context, interval, idleTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(idleTimeout, logger)
		}
	}
}

// SweepIdle performs one sweep pass.
func (r *Registry) SweepIdle(idleTimeout time.Duration, logger *slog.Logger) {
	now := time.Now()
	for _, sub := range r.Subdomains() {
		t := r.Lookup(sub)
		if t == nil {
			continue
		}
		if idle := t.IdleFor(now); idle >= idleTimeout {
			if r.Deregister(sub) {
				logger.Info("idle tunnel removed", "subdomain", sub, "idle_secs", int(idle.Seconds()))
			}
		}
	}
}
