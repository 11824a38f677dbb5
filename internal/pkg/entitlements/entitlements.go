package entitlements

import (
	"strings"

	"github.com/bountyforge/bountyforge/app/models"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanTeam Plan = "team"
)

// Normalize maps arbitrary tier strings onto the plan vocabulary.
func Normalize(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanPro):
		return PlanPro
	case string(PlanTeam):
		return PlanTeam
	default:
		return PlanFree
	}
}

// MaxFundedBounties returns how many bounties a user may hold in funded
// state at once. -1 means unlimited.
func MaxFundedBounties(plan Plan) int {
	switch plan {
	case PlanTeam:
		return -1
	case PlanPro:
		return 10
	default:
		return 1
	}
}

// UsageMeteringEnabled reports whether usage events are ingested for a plan.
func UsageMeteringEnabled(plan Plan) bool {
	return plan == PlanPro || plan == PlanTeam
}

// EffectivePlan derives the plan from a membership record. A membership in
// none or canceled status grants free; past_due keeps paid access until the
// period runs out (read-side responsibility, not the state machine's).
func EffectivePlan(m *models.Membership) Plan {
	if m == nil || !m.IsEntitled() {
		return PlanFree
	}
	return Normalize(m.PlanTier)
}
