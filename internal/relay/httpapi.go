package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const maxPostBody = 64 * 1024

// ipWindowLimiter counts requests per IP inside a fixed rolling window.
// Used by the provisioning endpoint (10 per 15 minutes).
type ipWindowLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newIPWindowLimiter(limit int, window time.Duration) *ipWindowLimiter {
	return &ipWindowLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

func (l *ipWindowLimiter) allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.hits[ip] = recent
		return false
	}
	l.hits[ip] = append(recent, now)
	return true
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.requireBearer(s.handleStatus))
	mux.HandleFunc("/api/sessions", s.requireBearer(s.handleSessions))
	mux.HandleFunc("/api/stats", s.requireBearer(s.handleStats))
	mux.HandleFunc("/api/provision", s.handleProvision)
	mux.HandleFunc("/update/", s.handleUpdateFile)
}

// requireBearer gates an endpoint on the admin token, compared in constant
// time.
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !s.guard.CheckAdminToken(token) {
			s.guard.RecordFailure(s.clientIP(r))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents, admins, pending, active := s.manager.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime":          int64(s.manager.Uptime().Seconds()),
		"connectedAgents": agents,
		"connectedAdmins": admins,
		"pendingRequests": pending,
		"activeSessions":  active,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents, admins, pending, active := s.manager.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":          int64(s.manager.Uptime().Seconds()),
		"connectedAgents": agents,
		"connectedAdmins": admins,
		"pendingRequests": pending,
		"activeSessions":  active,
		"devices":         s.manager.registry.Count(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.manager.ActiveSessions(),
		"history": s.sessions.Recent(100),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Stats())
}

// handleProvision issues agent tokens when auto-provisioning is enabled.
// Rate limited per source IP.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method_not_allowed"})
		return
	}
	if !s.cfg.ProvisioningEnabled || s.tokens == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "provisioning_disabled",
			"message": "auto-provisioning is not enabled on this relay",
		})
		return
	}
	ip := s.clientIP(r)
	if !s.provisionLimiter.allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "rate_limited",
			"message": "too many provisioning requests",
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPostBody)
	var body struct {
		ProvisionToken string `json:"provision_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}

	token, err := s.tokens.Issue(ip)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_token": token})
}

// handleUpdateFile serves static update artifacts with the requested path
// flattened to its base name, so traversal cannot escape the update dir.
func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UpdateDir == "" {
		http.NotFound(w, r)
		return
	}
	name := path.Base(path.Clean(strings.TrimPrefix(r.URL.Path, "/update/")))
	if name == "." || name == "/" || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.UpdateDir, name))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed", "error", err)
	}
}
