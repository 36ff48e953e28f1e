package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/profile"
)

type ProfileHandler struct {
	profiles *profile.Service
	logger   *slog.Logger
}

func NewProfileHandler(ps *profile.Service, logger *slog.Logger) *ProfileHandler {
	return &ProfileHandler{profiles: ps, logger: logger}
}

// Sync upserts the caller's record from the verified token claims.
func (h *ProfileHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	rec, err := h.profiles.Sync(ac)
	if err != nil {
		h.logger.Error("sync profile", "user_id", ac.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to sync profile")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Get returns the caller's stored record.
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	rec, err := h.profiles.Get(userID)
	if err != nil {
		h.logger.Error("get profile", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get profile")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
