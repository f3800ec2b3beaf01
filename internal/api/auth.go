package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/mwwoodworth/aurea-orchestrator/internal/ids"
	"github.com/mwwoodworth/aurea-orchestrator/internal/models"
	"github.com/mwwoodworth/aurea-orchestrator/internal/store"
)

// requireRole wraps a handler with bearer-key auth. Failed attempts are
// rate limited per remote host so key guessing stays slow.
func (s *Server) requireRole(required models.APIKeyRole, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		if !key.Role.Allows(required) {
			s.logger.Warn("forbidden request",
				"path", r.URL.Path,
				"key_id", key.ID,
				"role", key.Role,
				"required", required)
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		// Best effort; a stale last_used_at is not worth failing the request.
		go s.st.TouchAPIKey(context.WithoutCancel(r.Context()), key.ID)
		next(w, r)
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*models.APIKey, bool) {
	host := remoteHost(r.RemoteAddr)

	raw := bearerToken(r)
	if raw == "" {
		s.denyUnauthorized(w, r, host, "missing bearer token")
		return nil, false
	}

	hash := ids.HashAPIKey(raw, s.opts.KeySalt)
	key, err := s.st.GetAPIKeyByHash(r.Context(), hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.denyUnauthorized(w, r, host, "unknown key")
			return nil, false
		}
		s.logger.Error("api key lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if !key.Usable(s.now()) {
		s.denyUnauthorized(w, r, host, "revoked or expired key")
		return nil, false
	}
	return key, true
}

func (s *Server) denyUnauthorized(w http.ResponseWriter, r *http.Request, host, reason string) {
	limited := s.limiter != nil && !s.limiter.allow(host, s.now())
	s.logger.Warn("unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_host", host,
		"reason", reason,
		"rate_limited", limited)
	if limited {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < len("bearer ") || !strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[len("bearer "):])
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
