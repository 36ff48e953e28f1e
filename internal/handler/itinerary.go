package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/profile"
)

type ItineraryHandler struct {
	profiles *profile.Service
	logger   *slog.Logger
}

func NewItineraryHandler(ps *profile.Service, logger *slog.Logger) *ItineraryHandler {
	return &ItineraryHandler{profiles: ps, logger: logger}
}

type quotaExceeded struct {
	Error     string                `json:"error"`
	Message   string                `json:"message"`
	Remaining entitlement.Remaining `json:"remaining"`
}

// Create records a generated itinerary against the monthly quota.
func (h *ItineraryHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	e := h.profiles.Engine(userID)

	status, ok := e.ConsumeItinerary()
	if !ok {
		writeJSON(w, http.StatusPaymentRequired, quotaExceeded{
			Error:     status.Reason,
			Message:   entitlement.UpgradeMessage(entitlement.FeatureUnlimitedItineraries),
			Remaining: status.Remaining,
		})
		return
	}

	h.logger.Debug("itinerary recorded", "user_id", userID, "remaining", status.Remaining.String())
	writeJSON(w, http.StatusCreated, status)
}

// Usage returns the caller's monthly usage history.
func (h *ItineraryHandler) Usage(w http.ResponseWriter, r *http.Request) {
	e := h.profiles.Engine(auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"usage":        e.UsageHistory(),
		"monthlyLimit": e.MonthlyLimit(),
	})
}
