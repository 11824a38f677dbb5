package models

import "time"

const (
	MembershipStatusNone     = "none"
	MembershipStatusActive   = "active"
	MembershipStatusPastDue  = "past_due"
	MembershipStatusCanceled = "canceled"
)

// Membership is the authoritative subscription record for a user. Exactly one
// row per user; it is closed (status=canceled) rather than deleted.
type Membership struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_memberships_user" json:"user_id"`
	PlanTier               string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_tier"`
	ExternalSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"external_subscription_id"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'none';index" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	PeriodEndApproximated  bool       `gorm:"default:false" json:"period_end_approximated"`
	FailedPaymentAttempts  int        `gorm:"default:0" json:"failed_payment_attempts"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitled reports whether the membership currently grants paid features.
// past_due keeps access; the read side decides what to do near period end.
func (m *Membership) IsEntitled() bool {
	switch m.Status {
	case MembershipStatusActive, MembershipStatusPastDue:
		return true
	default:
		return false
	}
}
