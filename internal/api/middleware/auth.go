package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/internal/store"
)

// Auth authenticates requests by bearer token. The presented token is
// reduced to its SHA-256 fingerprint and matched against the token table;
// the raw credential is never stored or logged. Public paths pass through
// anonymously.
type Auth struct {
	store store.Store
}

// NewAuth creates the auth middleware over the store.
func NewAuth(s store.Store) *Auth {
	return &Auth{store: s}
}

// Handler returns the HTTP middleware that authenticates requests.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			unauthorized(w, "authentication required: set Authorization: Bearer <token> or X-API-Key")
			return
		}

		ctx := r.Context()
		token, err := a.store.Reader().GetTokenByFingerprint(ctx, Fingerprint(raw))
		if err != nil {
			log.Debug().Str("path", r.URL.Path).Msg("unknown token")
			unauthorized(w, "invalid token")
			return
		}
		now := time.Now().UTC()
		if token.Expired(now) {
			unauthorized(w, "token expired")
			return
		}

		identity, err := a.store.Reader().GetIdentity(ctx, token.IdentityID)
		if err != nil || !identity.IsActive {
			unauthorized(w, "identity inactive or missing")
			return
		}

		a.touch(r, token.ID, now)
		next.ServeHTTP(w, r.WithContext(SetPrincipal(ctx, identity)))
	})
}

// touch records last-use. Best effort; a failed bookkeeping write never
// blocks the request.
func (a *Auth) touch(r *http.Request, tokenID int64, now time.Time) {
	ctx := r.Context()
	tx, err := a.store.Begin(ctx)
	if err != nil {
		return
	}
	if err := tx.TouchToken(ctx, tokenID, now); err != nil {
		_ = tx.Rollback(ctx)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.Debug().Err(err).Msg("token last-use update failed")
	}
}

// Fingerprint reduces a raw credential to its stored form.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="elder"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "unauthenticated",
	})
}

// isPublicPath returns true for paths that skip authentication.
func isPublicPath(path string) bool {
	publicPaths := []string{
		"/healthz",
		"/version",
		"/lookup",
	}
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	// Village-ID redirects are public; they reveal only the canonical URL.
	return strings.HasPrefix(path, "/r/") || strings.HasPrefix(path, "/lookup/")
}
