package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/registry"
)

const adminPrefix = "/_admin/"

type tunnelListResponse struct {
	Tunnels []registry.Info `json:"tunnels"`
	Count   int             `json:"count"`
}

type adminError struct {
	Error string `json:"error"`
}

// handleAdmin dispatches /_admin/ routes.  Only tokens carrying the admin
// flag are accepted.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || !s.cfg.IsAdmin(token) {
		writeJSON(w, http.StatusUnauthorized, adminError{Error: "unauthorized"})
		return
	}

	path := strings.TrimPrefix(r.URL.Path, adminPrefix)
	switch {
	case path == "tunnels" && r.Method == http.MethodGet:
		s.adminListTunnels(w)
	case strings.HasPrefix(path, "tunnels/") && r.Method == http.MethodDelete:
		s.adminKillTunnel(w, strings.TrimPrefix(path, "tunnels/"))
	default:
		writeJSON(w, http.StatusNotFound, adminError{Error: "not found"})
	}
}

func (s *Server) adminListTunnels(w http.ResponseWriter) {
	infos := s.registry.Snapshot(time.Now())
	writeJSON(w, http.StatusOK, tunnelListResponse{Tunnels: infos, Count: len(infos)})
}

// adminKillTunnel removes the tunnel from the registry before answering;
// the owning session observes the close signal and tears itself down.
func (s *Server) adminKillTunnel(w http.ResponseWriter, subdomain string) {
	if !s.registry.Deregister(subdomain) {
		writeJSON(w, http.StatusNotFound, adminError{Error: "tunnel not found"})
		return
	}
	s.log.Info("tunnel force disconnected", "subdomain", subdomain)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "subdomain": subdomain})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
