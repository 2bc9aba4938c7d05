package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"hookbeat/internal/core"
	"hookbeat/internal/store"
)

type contextKey string

const tenantKey contextKey = "tenant"

// TenantFromContext returns the authenticated tenant ID.
func TenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// authMiddleware validates "Authorization: Bearer <key_id>.<secret>" and puts
// the key's tenant into the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credentials")
			return
		}
		keyID, secret, ok := strings.Cut(token, ".")
		if !ok || keyID == "" || secret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "credentials must be <key_id>.<secret>")
			return
		}
		key, err := s.store.GetAPIKey(r.Context(), keyID)
		if err != nil {
			if !errors.Is(err, store.ErrAPIKeyNotFound) {
				s.logger.Error().Err(err).Msg("load api key")
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		provided := store.HashSecret(secret)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key.SecretHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, key.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware enforces the dual-window limiter per source address.
// It runs before auth so credential guessing is throttled too.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientKey(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", core.ErrRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	// chi's RealIP middleware already rewrote RemoteAddr from the
	// forwarding headers when present.
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return addr
}
