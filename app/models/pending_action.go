package models

import "time"

const (
	PendingActionPortalOpen    = "portal_open"
	PendingActionUsageIngest   = "usage_ingest"
	PendingActionCheckoutStart = "checkout_start"
)

// PendingAction is a deferred billing action that was blocked because the
// user's BillingCustomer did not exist yet. At most one row per user: a newer
// action replaces the queued one (last-action-wins). Financial mutations are
// never queued here.
type PendingAction struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;uniqueIndex:ux_pending_actions_user" json:"user_id"`
	ActionType   string    `gorm:"type:varchar(32);not null" json:"action_type"`
	ActionParams string    `gorm:"type:text;not null;default:''" json:"action_params"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
