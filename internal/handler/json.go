package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/chinaroute/internal/entitlement"
	"github.com/dukerupert/chinaroute/internal/model"
)

const maxRequestBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// featureLocked is the body of a 403 for a feature the plan does not include.
type featureLocked struct {
	Error         string              `json:"error"`
	Feature       entitlement.Feature `json:"feature"`
	Message       string              `json:"message"`
	RequiredPlans []model.Plan        `json:"requiredPlans"`
}

func writeFeatureLocked(w http.ResponseWriter, f entitlement.Feature) {
	writeJSON(w, http.StatusForbidden, featureLocked{
		Error:         "feature_locked",
		Feature:       f,
		Message:       entitlement.UpgradeMessage(f),
		RequiredPlans: entitlement.AuthorizedPlans(f),
	})
}
