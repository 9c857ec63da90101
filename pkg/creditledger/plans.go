package creditledger

import "strings"

// Plan is the subscription tier stored on a balance record. Values are kept
// verbatim so history metadata reflects whatever the billing side wrote.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanLite       Plan = "lite"
	PlanStandard   Plan = "standard"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// ParsePlan normalizes a stored plan value without rejecting unknown tiers.
func ParsePlan(raw string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(raw)))
}

// String returns the stored representation.
func (plan Plan) String() string {
	return string(plan)
}

// Unlimited reports whether the tier is exempt from deduction entirely.
func (plan Plan) Unlimited() bool {
	switch plan {
	case PlanEnterprise, "ultra":
		return true
	}
	return false
}

// discountPercent maps a tier to the percentage of the base cost it pays.
// Unknown tiers pay full price rather than failing the reservation.
func (plan Plan) discountPercent() int64 {
	switch plan {
	case PlanLite, "light":
		return 80
	case PlanPro, "medium":
		return 60
	case PlanFree, PlanStandard:
		return 100
	}
	return 100
}

// DiscountedCost applies the tier multiplier to a base cost, rounding up.
func (plan Plan) DiscountedCost(requested int64) int64 {
	return (requested*plan.discountPercent() + 99) / 100
}
