// Package entitlement decides what a plan may do: which features it unlocks,
// how many itineraries a free identity has left this month, and what to
// tell a user who hits a locked feature.
//
// Nothing here performs network I/O. State is read from a kvstore.Store and
// every read degrades to the most restrictive answer when the store is
// missing, unreachable or holds garbage.
package entitlement

import "github.com/dukerupert/chinaroute/internal/model"

// Feature identifies a gate-able capability.
type Feature string

const (
	FeatureBasicItinerary       Feature = "basic_itinerary"
	FeatureDetailedItinerary    Feature = "detailed_itinerary"
	FeatureAIAssistant          Feature = "ai_assistant"
	FeatureOfflineExport        Feature = "offline_export"
	FeatureLiveSupport          Feature = "live_support"
	FeatureUnlimitedItineraries Feature = "unlimited_itineraries"
	FeatureChinesePhrases       Feature = "chinese_phrases"
	FeaturePrioritySupport      Feature = "priority_support"
)

// AllFeatures lists the closed feature set in display order.
var AllFeatures = []Feature{
	FeatureBasicItinerary,
	FeatureDetailedItinerary,
	FeatureAIAssistant,
	FeatureOfflineExport,
	FeatureChinesePhrases,
	FeatureUnlimitedItineraries,
	FeatureLiveSupport,
	FeaturePrioritySupport,
}

var (
	allPlans  = []model.Plan{model.PlanFree, model.PlanPro, model.PlanLifetime}
	paidPlans = []model.Plan{model.PlanPro, model.PlanLifetime}
)

// accessMatrix maps each feature to the plans authorized to use it.
var accessMatrix = map[Feature][]model.Plan{
	FeatureBasicItinerary:       allPlans,
	FeatureDetailedItinerary:    paidPlans,
	FeatureAIAssistant:          paidPlans,
	FeatureOfflineExport:        paidPlans,
	FeatureChinesePhrases:       paidPlans,
	FeatureUnlimitedItineraries: paidPlans,
	FeatureLiveSupport:          {model.PlanLifetime},
	FeaturePrioritySupport:      {model.PlanLifetime},
}

var upgradeMessages = map[Feature]string{
	FeatureDetailedItinerary:    "Upgrade to Pro to unlock detailed day-by-day itineraries with transport and timing.",
	FeatureAIAssistant:          "Upgrade to Pro to chat with the AI travel assistant about your trip.",
	FeatureOfflineExport:        "Upgrade to Pro to export your itinerary as a PDF for offline use.",
	FeatureChinesePhrases:       "Upgrade to Pro to get essential Chinese phrases for every stop.",
	FeatureUnlimitedItineraries: "Upgrade to Pro to create unlimited itineraries every month.",
	FeatureLiveSupport:          "Upgrade to Elite for live support from our China travel experts.",
	FeaturePrioritySupport:      "Upgrade to Elite for priority support with replies within hours.",
}

const genericUpgradeMessage = "Upgrade your plan to unlock this feature."

// HasAccess reports whether plan may use feature. Unknown features are
// denied for every plan.
func HasAccess(feature Feature, plan model.Plan) bool {
	for _, p := range accessMatrix[feature] {
		if p == plan {
			return true
		}
	}
	return false
}

// IsPaid reports whether plan is pro or lifetime.
func IsPaid(plan model.Plan) bool {
	return plan.Paid()
}

// AuthorizedPlans returns the plans granted feature, or nil when the
// feature is unknown.
func AuthorizedPlans(feature Feature) []model.Plan {
	plans := accessMatrix[feature]
	if plans == nil {
		return nil
	}
	return append([]model.Plan(nil), plans...)
}

// Features returns the features plan unlocks, in display order.
func Features(plan model.Plan) []Feature {
	var granted []Feature
	for _, f := range AllFeatures {
		if HasAccess(f, plan) {
			granted = append(granted, f)
		}
	}
	return granted
}

// UpgradeMessage returns the paywall copy for feature.
func UpgradeMessage(feature Feature) string {
	if msg, ok := upgradeMessages[feature]; ok {
		return msg
	}
	return genericUpgradeMessage
}

// ParseFeature returns the feature named s and whether it is known.
func ParseFeature(s string) (Feature, bool) {
	f := Feature(s)
	_, ok := accessMatrix[f]
	return f, ok
}
