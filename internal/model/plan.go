package model

import "strings"

// Plan is a subscription tier.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanLifetime Plan = "lifetime"
)

// Plans lists every tier from most to least restrictive.
var Plans = []Plan{PlanFree, PlanPro, PlanLifetime}

// ParsePlan normalizes a stored or user-supplied plan name. "elite" is the
// marketing name of the lifetime tier. Anything unrecognized is free.
func ParsePlan(s string) Plan {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pro":
		return PlanPro
	case "lifetime", "elite":
		return PlanLifetime
	default:
		return PlanFree
	}
}

// Label returns the display name shown on the pricing page.
func (p Plan) Label() string {
	switch p {
	case PlanPro:
		return "Pro"
	case PlanLifetime:
		return "Elite"
	default:
		return "Free"
	}
}

// Paid reports whether the plan is a paid tier.
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanLifetime
}
