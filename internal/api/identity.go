package api

import (
	"log/slog"
	"net/http"
)

type identityRequest struct {
	Identity string `json:"identity"`
}

// GetIdentity returns the local player identity.
func (h *Handler) GetIdentity(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"identity": h.local.CurrentIdentity()})
}

// PutIdentity replaces the local player identity, e.g. after a character switch.
func (h *Handler) PutIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeBody(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if !h.local.Set(req.Identity) {
		Error(w, http.StatusBadRequest, "invalid_identity")
		return
	}
	current := h.local.CurrentIdentity()
	slog.Info("Local identity changed", "identity", current)
	JSON(w, http.StatusOK, map[string]string{"identity": current})
}
