package netutil

import (
	"net/http"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Demo.Tunnel.Test":       "demo.tunnel.test",
		"demo.tunnel.test:8443":  "demo.tunnel.test",
		"demo.tunnel.test.":      "demo.tunnel.test",
		" demo.tunnel.test ":     "demo.tunnel.test",
		"[::1]:443":              "::1",
		"":                       "",
	}
	for in, want := range cases {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractSubdomain(t *testing.T) {
	cases := []struct {
		host, base string
		sub        string
		ok         bool
	}{
		{"demo.tunnel.test", "tunnel.test", "demo", true},
		{"demo.tunnel.test:8080", "tunnel.test", "demo", true},
		{"Demo.Tunnel.Test", "tunnel.test", "demo", true},
		{"tunnel.test", "tunnel.test", "", false},
		{"a.b.tunnel.test", "tunnel.test", "", false},
		{"demo.other.test", "tunnel.test", "", false},
		{"app.localhost", "localhost", "app", true},
	}
	for _, tc := range cases {
		sub, ok := ExtractSubdomain(tc.host, tc.base)
		if sub != tc.sub || ok != tc.ok {
			t.Errorf("ExtractSubdomain(%q, %q) = (%q, %v), want (%q, %v)",
				tc.host, tc.base, sub, ok, tc.sub, tc.ok)
		}
	}
}

func TestStripHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom-Hop")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Te", "trailers")
	h.Set("Trailer", "Expires")
	h.Set("Proxy-Authorization", "Basic xxx")
	h.Set("X-Custom-Hop", "1")
	h.Set("Content-Type", "text/plain")
	h.Set("Authorization", "Bearer abc")

	StripHopByHopHeaders(h)

	for _, gone := range []string{
		"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
		"Te", "Trailer", "Proxy-Authorization", "X-Custom-Hop",
	} {
		if h.Get(gone) != "" {
			t.Errorf("expected %s to be stripped", gone)
		}
	}
	if h.Get("Content-Type") != "text/plain" || h.Get("Authorization") == "" {
		t.Error("end-to-end headers must survive")
	}
}

func TestVisitorIP(t *testing.T) {
	if ip := VisitorIP("203.0.113.9:51442"); ip != "203.0.113.9" {
		t.Fatalf("VisitorIP = %q", ip)
	}
	if ip := VisitorIP("203.0.113.9"); ip != "203.0.113.9" {
		t.Fatalf("VisitorIP without port = %q", ip)
	}
}
