package registry

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateSubdomain(t *testing.T) {
	valid := []string{"abc", "my-app", "app123", strings.Repeat("a", 63)}
	for _, s := range valid {
		if err := ValidateSubdomain(s); err != nil {
			t.Errorf("ValidateSubdomain(%q) = %v, want nil", s, err)
		}
	}

	invalid := []string{
		"ab",                      // length 2
		strings.Repeat("a", 64),   // length 64
		"-myapp",                  // leading hyphen
		"myapp-",                  // trailing hyphen
		"my_app",                  // underscore
		"my.app",                  // dot
		"MyApp",                   // uppercase
		"www",                     // reserved
		"admin",                   // reserved
		"cdn",                     // reserved
	}
	for _, s := range invalid {
		if err := ValidateSubdomain(s); !errors.Is(err, domain.ErrInvalidSubdomain) {
			t.Errorf("ValidateSubdomain(%q) = %v, want ErrInvalidSubdomain", s, err)
		}
	}
}

func TestRandomSubdomainShape(t *testing.T) {
	seen := map[string]bool{}
	for range 16 {
		s := RandomSubdomain()
		if len(s) != 10 {
			t.Fatalf("random subdomain %q has length %d", s, len(s))
		}
		if err := ValidateSubdomain(s); err != nil {
			t.Fatalf("random subdomain %q failed validation: %v", s, err)
		}
		seen[s] = true
	}
	if len(seen) < 2 {
		t.Fatal("random subdomains are not varying")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(NewTunnel("demo", "tk_a", 4), 0); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(NewTunnel("demo", "tk_b", 4), 0); !errors.Is(err, domain.ErrSubdomainTaken) {
		t.Fatalf("duplicate register = %v, want ErrSubdomainTaken", err)
	}
	// Case-folded duplicate.
	if err := r.Register(NewTunnel("DEMO", "tk_b", 4), 0); !errors.Is(err, domain.ErrSubdomainTaken) {
		t.Fatalf("case-folded duplicate = %v, want ErrSubdomainTaken", err)
	}
	if r.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", r.Len())
	}
}

func TestRegisterTokenQuota(t *testing.T) {
	r := New()
	if err := r.Register(NewTunnel("one", "tk_a", 4), 2); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewTunnel("two", "tk_a", 4), 2); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewTunnel("three", "tk_a", 4), 2); !errors.Is(err, domain.ErrTunnelLimit) {
		t.Fatalf("quota overflow = %v, want ErrTunnelLimit", err)
	}

	// Freeing one slot admits the next registration.
	if !r.Deregister("one") {
		t.Fatal("deregister one")
	}
	if err := r.Register(NewTunnel("three", "tk_a", 4), 2); err != nil {
		t.Fatalf("register after free: %v", err)
	}

	// Zero means unlimited.
	for _, sub := range []string{"u-one", "u-two", "u-three", "u-four"} {
		if err := r.Register(NewTunnel(sub, "tk_b", 4), 0); err != nil {
			t.Fatalf("unlimited register %s: %v", sub, err)
		}
	}
}

func TestDeregisterSignalsSession(t *testing.T) {
	r := New()
	tun := NewTunnel("demo", "tk_a", 4)
	if err := r.Register(tun, 0); err != nil {
		t.Fatal(err)
	}
	if !r.Deregister("demo") {
		t.Fatal("expected deregister to find the tunnel")
	}
	select {
	case <-tun.Done():
	default:
		t.Fatal("deregister must close the tunnel's done channel")
	}
	if r.Lookup("demo") != nil {
		t.Fatal("tunnel still visible after deregister")
	}
	if r.Deregister("demo") {
		t.Fatal("second deregister should report absence")
	}
}

func TestDispatchQueueBounds(t *testing.T) {
	tun := NewTunnel("demo", "tk_a", 1)
	job := NewRequestJob("r1", "GET", nil, nil, time.Now().Add(time.Second))
	if err := tun.Dispatch(job); err != nil {
		t.Fatalf("dispatch into empty queue: %v", err)
	}
	if err := tun.Dispatch(job); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("dispatch into full queue = %v, want ErrQueueFull", err)
	}
	tun.Close()
	if err := tun.Dispatch(job); !errors.Is(err, domain.ErrTunnelClosed) {
		t.Fatalf("dispatch into closed tunnel = %v, want ErrTunnelClosed", err)
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	tun := NewTunnel("demo", "tk_a", 1)
	first := tun.LastActivity()
	tun.Touch()
	second := tun.LastActivity()
	if second.Before(first) {
		t.Fatal("touch moved last_activity backwards")
	}
	for range 100 {
		tun.Touch()
		next := tun.LastActivity()
		if next.Before(second) {
			t.Fatal("repeated touch moved last_activity backwards")
		}
		second = next
	}
}

func TestSweepIdleRemovesOnlyIdleTunnels(t *testing.T) {
	r := New()
	idle := NewTunnel("idle", "tk_a", 1)
	busy := NewTunnel("busy", "tk_a", 1)
	if err := r.Register(idle, 0); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(busy, 0); err != nil {
		t.Fatal(err)
	}

	// Age the idle tunnel artificially.
	idle.lastActivityNano.Store(time.Now().Add(-time.Hour).UnixNano())
	busy.Touch()

	r.SweepIdle(30*time.Minute, discardLogger())

	if r.Lookup("idle") != nil {
		t.Fatal("idle tunnel survived sweep")
	}
	if r.Lookup("busy") == nil {
		t.Fatal("active tunnel was swept")
	}
	select {
	case <-idle.Done():
	default:
		t.Fatal("swept tunnel was not signalled")
	}
}

func TestJobCancelDeliverRace(t *testing.T) {
	job := NewRequestJob("r1", "GET", nil, nil, time.Now().Add(time.Second))
	job.Cancel()
	if job.Deliver(JobResult{Err: errors.New("late")}) {
		t.Fatal("delivery after cancel must report false")
	}

	job2 := NewRequestJob("r2", "GET", nil, nil, time.Now().Add(time.Second))
	done := make(chan JobResult, 1)
	go func() { done <- <-job2.Reply }()
	if !job2.Deliver(JobResult{}) {
		t.Fatal("delivery to waiting receiver must succeed")
	}
	<-done
}
