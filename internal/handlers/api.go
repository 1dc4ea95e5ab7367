package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/halcyonhq/halcyon-backend/internal/config"
	"github.com/halcyonhq/halcyon-backend/internal/fingerprint"
	"github.com/halcyonhq/halcyon-backend/internal/models"
	"github.com/halcyonhq/halcyon-backend/internal/services"
	"github.com/halcyonhq/halcyon-backend/internal/session"
)

// SessionTokens is the resumption-token surface the handlers use. Satisfied
// by services.TokenService.
type SessionTokens interface {
	CreateSession(ctx context.Context, claims services.TokenClaims) (string, error)
	ValidateSession(ctx context.Context, token string) (*services.TokenClaims, bool, error)
	InvalidateSession(ctx context.Context, token string) error
	InvalidateUserSessions(ctx context.Context, username string) error
}

// Credentials is the account surface the handlers use. Satisfied by
// services.CredentialStore.
type Credentials interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, username, password string) (*models.User, error)
	VerifyPassword(plain, hash string) bool
}

// API bundles the constructed components behind the HTTP and WebSocket
// handlers. Everything is injected; no package-level database handles.
type API struct {
	Cfg      *config.Config
	Creds    Credentials
	Tokens   SessionTokens
	Registry *fingerprint.Registry
	Hub      *session.Manager
	Messages *services.MessageStore
	Audit    *services.AuditRecorder
	RDB      *redis.Client

	// Uploads is nil when Cloudinary credentials are not configured.
	Uploads *services.CloudinaryService
}

func extractBearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// requestToken pulls the session token from the Authorization header, with a
// query-parameter fallback for browser WebSocket clients.
func requestToken(r *http.Request) string {
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// claims validates the request's token and returns its claims, or nil.
func (a *API) claims(r *http.Request) *services.TokenClaims {
	token := requestToken(r)
	if token == "" {
		return nil
	}
	claims, ok, err := a.Tokens.ValidateSession(r.Context(), token)
	if err != nil || !ok {
		return nil
	}
	return claims
}

// adminClaims returns the claims only when the caller's role carries the
// identity-management permission.
func (a *API) adminClaims(r *http.Request) *services.TokenClaims {
	claims := a.claims(r)
	if claims == nil {
		return nil
	}
	if !session.ParseRole(claims.Role).Has(session.PermManageIdentities) {
		return nil
	}
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
