package handler

import (
	"net/http"

	"github.com/dukerupert/chinaroute/internal/auth"
	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/model"
	"github.com/dukerupert/chinaroute/internal/profile"
)

type EntitlementHandler struct {
	profiles *profile.Service
}

func NewEntitlementHandler(ps *profile.Service) *EntitlementHandler {
	return &EntitlementHandler{profiles: ps}
}

type entitlementsResponse struct {
	Plan         model.Plan            `json:"plan"`
	Label        string                `json:"label"`
	Paid         bool                  `json:"paid"`
	Guest        bool                  `json:"guest"`
	Features     []entitlement.Feature `json:"features"`
	Remaining    entitlement.Remaining `json:"remaining"`
	MonthlyLimit int                   `json:"monthlyLimit"`
}

// Get lists the caller's plan, granted features and remaining itineraries.
func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	e := h.profiles.Engine(userID)
	plan := e.UserPlan()
	writeJSON(w, http.StatusOK, entitlementsResponse{
		Plan:         plan,
		Label:        plan.Label(),
		Paid:         e.IsPaidUser(),
		Guest:        e.User().IsGuest(),
		Features:     entitlement.Features(plan),
		Remaining:    e.RemainingItineraries(),
		MonthlyLimit: e.MonthlyLimit(),
	})
}

// Quota is the server-side quota check.
func (h *EntitlementHandler) Quota(w http.ResponseWriter, r *http.Request) {
	e := h.profiles.Engine(auth.UserID(r.Context()))
	writeJSON(w, http.StatusOK, e.QuotaStatus())
}

type featureResponse struct {
	Feature        entitlement.Feature `json:"feature"`
	Allowed        bool                `json:"allowed"`
	Plans          []model.Plan        `json:"plans"`
	UpgradeMessage string              `json:"upgradeMessage,omitempty"`
}

// Feature reports whether the caller may use one feature.
func (h *EntitlementHandler) Feature(w http.ResponseWriter, r *http.Request) {
	f, ok := entitlement.ParseFeature(r.PathValue("feature"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown feature")
		return
	}
	e := h.profiles.Engine(auth.UserID(r.Context()))
	resp := featureResponse{
		Feature: f,
		Allowed: e.HasAccess(f),
		Plans:   entitlement.AuthorizedPlans(f),
	}
	if !resp.Allowed {
		resp.UpgradeMessage = entitlement.UpgradeMessage(f)
	}
	writeJSON(w, http.StatusOK, resp)
}
