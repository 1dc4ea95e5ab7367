package handlers

import (
	"net/http"
	"strconv"

	"github.com/halcyonhq/halcyon-backend/internal/middleware"
	"github.com/halcyonhq/halcyon-backend/internal/session"
	"github.com/halcyonhq/halcyon-backend/pkg/clientip"
	"github.com/halcyonhq/halcyon-backend/pkg/utils"
)

// ListIdentityRecords returns every stored device binding. Not in the hot
// path; intended for the support console.
func (a *API) ListIdentityRecords(w http.ResponseWriter, r *http.Request) {
	claims := a.adminClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Administrator access required")
		return
	}

	records, err := a.Registry.ListRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load identity records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"records": records,
	})
}

// DeleteIdentityRecord purges a username's device binding so the account can
// bind a new device on next login.
func (a *API) DeleteIdentityRecord(w http.ResponseWriter, r *http.Request) {
	claims := a.adminClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Administrator access required")
		return
	}

	username := utils.NormalizeUsername(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	if err := a.Registry.DeleteRecord(r.Context(), username, claims.Username, clientip.RealClientIP(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete identity record")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ListAuditLog returns the most recent audit entries, newest first.
func (a *API) ListAuditLog(w http.ResponseWriter, r *http.Request) {
	claims := a.adminClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Administrator access required")
		return
	}

	limit := int64(100)
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.ParseInt(l, 10, 64); err == nil {
			limit = parsed
		}
	}

	entries, err := a.Audit.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load audit log")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"entries": entries,
	})
}

// ListActiveSessions enumerates the live presence directory for the support
// console.
func (a *API) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	claims := a.adminClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Administrator access required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": a.Hub.Visible(session.RoleAdmin),
	})
}

// UnblockIP lifts a rate-limit block placed on a client address.
func (a *API) UnblockIP(w http.ResponseWriter, r *http.Request) {
	claims := a.adminClaims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Administrator access required")
		return
	}

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	blocked, err := middleware.IsIPBlocked(a.RDB, ip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check IP status")
		return
	}
	if !blocked {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "IP was not blocked",
		})
		return
	}

	if err := middleware.UnblockIP(a.RDB, ip); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to unblock IP")
		return
	}
	a.Audit.Record(r.Context(), "ip_unblocked", claims.Username, ip, "", clientip.RealClientIP(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
