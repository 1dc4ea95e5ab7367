package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/halcyonhq/halcyon-backend/internal/session"
)

// History returns paginated conversation history between the authenticated
// user and a peer. Customers may only read conversations with
// administrators, mirroring the routing rule.
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	claims := a.claims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Invalid session token")
		return
	}

	peer := r.URL.Query().Get("with")
	if peer == "" {
		writeError(w, http.StatusBadRequest, "with is required")
		return
	}

	if !session.ParseRole(claims.Role).Has(session.PermMessageAnyRole) {
		peerUser, err := a.Creds.FindByUsername(r.Context(), peer)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Database error")
			return
		}
		if peerUser == nil || session.ParseRole(peerUser.Role) != session.RoleAdmin {
			writeError(w, http.StatusForbidden, "You may only view conversations with support staff")
			return
		}
	}

	var before *time.Time
	if b := r.URL.Query().Get("before"); b != "" {
		t, err := time.Parse(time.RFC3339, b)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = &t
	}

	limit := int64(50)
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.ParseInt(l, 10, 64); err == nil {
			limit = parsed
		}
	}

	msgs, hasMore, err := a.Messages.History(r.Context(), claims.Username, peer, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"messages": msgs,
		"has_more": hasMore,
	})
}
