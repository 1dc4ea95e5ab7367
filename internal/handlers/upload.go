package handlers

import (
	"net/http"
)

// Upload accepts a chat attachment (screenshot, log file) and returns its
// delivery URL for embedding in a message payload.
func (a *API) Upload(w http.ResponseWriter, r *http.Request) {
	claims := a.claims(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "Invalid session token")
		return
	}

	if a.Uploads == nil {
		writeError(w, http.StatusServiceUnavailable, "File upload service not available")
		return
	}

	// 10MB cap for attachments
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	_, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	url, err := a.Uploads.UploadFileFromHeader(r.Context(), fileHeader, "attachments")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"url":     url,
	})
}
