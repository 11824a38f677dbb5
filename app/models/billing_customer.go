package models

import "time"

const (
	CustomerStateAbsent   = "absent"
	CustomerStateCreating = "creating"
	CustomerStatePresent  = "present"
)

// BillingCustomer links a user to the external billing ledger. The row is
// created lazily on first need; the creating state guards against duplicate
// customer creation under concurrent first access.
type BillingCustomer struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"not null;uniqueIndex:ux_billing_customers_user" json:"user_id"`
	ExternalCustomerID string    `gorm:"type:varchar(191);not null;default:'';index" json:"external_customer_id"`
	CreationState      string    `gorm:"type:varchar(16);not null;default:'absent';index" json:"creation_state"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
