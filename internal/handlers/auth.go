package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/halcyonhq/halcyon-backend/internal/fingerprint"
	"github.com/halcyonhq/halcyon-backend/internal/services"
	"github.com/halcyonhq/halcyon-backend/internal/session"
	"github.com/halcyonhq/halcyon-backend/pkg/clientip"
	"github.com/halcyonhq/halcyon-backend/pkg/utils"
)

// AuthRequest carries credentials plus the client's device feature bundle.
type AuthRequest struct {
	Username    string                    `json:"username"`
	Password    string                    `json:"password"`
	DeviceClass string                    `json:"device_class,omitempty"`
	Fingerprint fingerprint.FeatureBundle `json:"fingerprint"`
}

// AuthResponse reports the decision outcome and, on success, the resumption
// token for the realtime gateway.
type AuthResponse struct {
	Success bool                   `json:"success"`
	Reason  fingerprint.Reason     `json:"reason,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Token   string                 `json:"token,omitempty"`
	User    map[string]interface{} `json:"user,omitempty"`
}

// Signup registers a customer account, gated by the device decision engine.
func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := utils.ValidateUsername(req.Username); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	username := utils.NormalizeUsername(req.Username)
	ip := clientip.RealClientIP(r)

	existing, err := a.Creds.FindByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "Username is already taken")
		return
	}

	decision := a.Registry.DecideRegistration(r.Context(), username, req.Fingerprint, ip, false)
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, AuthResponse{
			Reason:  decision.Reason,
			Message: decision.Message,
			Details: decision.Details,
		})
		return
	}

	user, err := a.Creds.Create(r.Context(), username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	token, err := a.Tokens.CreateSession(r.Context(), services.TokenClaims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		DeviceClass: req.DeviceClass,
		IP:          ip,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, AuthResponse{
		Success: true,
		Reason:  decision.Reason,
		Message: decision.Message,
		Details: decision.Details,
		Token:   token,
		User: map[string]interface{}{
			"id":         user.ID,
			"username":   user.Username,
			"role":       user.Role,
			"created_at": user.CreatedAt,
		},
	})
}

// Signin authenticates an existing account and runs the device login
// decision. Invalid credentials return a generic 401 before the decision
// engine is consulted.
func (a *API) Signin(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	username := utils.NormalizeUsername(req.Username)
	ip := clientip.RealClientIP(r)

	user, err := a.Creds.FindByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if user == nil || !a.Creds.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	isAdmin := session.ParseRole(user.Role) == session.RoleAdmin
	decision := a.Registry.DecideLogin(r.Context(), username, req.Fingerprint, ip, isAdmin)
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, AuthResponse{
			Reason:  decision.Reason,
			Message: decision.Message,
			Details: decision.Details,
		})
		return
	}

	token, err := a.Tokens.CreateSession(r.Context(), services.TokenClaims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		DeviceClass: req.DeviceClass,
		IP:          ip,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{
		Success: true,
		Reason:  decision.Reason,
		Message: decision.Message,
		Details: decision.Details,
		Token:   token,
		User: map[string]interface{}{
			"id":         user.ID,
			"username":   user.Username,
			"role":       user.Role,
			"created_at": user.CreatedAt,
		},
	})
}

// Signout invalidates the caller's resumption token.
func (a *API) Signout(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing session token")
		return
	}
	if err := a.Tokens.InvalidateSession(r.Context(), token); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to sign out")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
