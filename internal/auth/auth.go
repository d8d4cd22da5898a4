// Package auth implements Ash's two auth mechanisms: a static Bearer
// API key scoped to a tenant for the public REST+SSE surface, and a
// shared `X-Internal-Secret` header for runner<->coordinator calls.
// There is no session/cookie concept — every request carries its own
// credential.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/ash-run/ash/internal/db"
)

type contextKey string

const tenantIDKey contextKey = "tenantID"

// Auth validates bearer API keys against the repository. Unlike a
// password checked once at login behind a cookie, an API key is checked
// on every request, so it is hashed with a fast, constant-time-comparable
// digest instead of bcrypt, whose deliberate slowness would otherwise
// dominate the hot path.
type Auth struct {
	repo db.Repository
}

// New wires an Auth to its Repository.
func New(repo db.Repository) *Auth {
	return &Auth{repo: repo}
}

// HashKey returns the digest Ash persists and compares against; never
// the plaintext key itself.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks a plaintext bearer key against stored hashes and
// returns the owning tenant.
func (a *Auth) ValidateKey(ctx context.Context, plaintext string) (tenantID string, ok bool) {
	if plaintext == "" {
		return "", false
	}
	key, err := a.repo.GetAPIKeyByHash(ctx, HashKey(plaintext))
	if err != nil || key == nil {
		return "", false
	}
	_ = a.repo.TouchAPIKey(ctx, key.ID)
	return key.TenantID, true
}

// Middleware enforces the Bearer API key on every request under its
// mount point. The resolved tenant is injected into the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w)
			return
		}
		tenantID, ok := a.ValidateKey(r.Context(), token)
		if !ok {
			writeAuthError(w)
			return
		}
		ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"missing or invalid bearer token","statusCode":401}`))
}

// TenantFromContext extracts the tenant Middleware resolved, defaulting
// to db.DefaultTenant if none is present.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		return v
	}
	return db.DefaultTenant
}

// InternalSecretMiddleware enforces the shared `X-Internal-Secret` header
// required on every runner<->coordinator call.
func InternalSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Secret")
			if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
