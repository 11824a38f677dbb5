package models

import "time"

const (
	BindingSourceWebhook  = "webhook"
	BindingSourceCallback = "callback"
)

// InstallationBinding records which organization owns a GitHub App
// installation. Two writers race on this record: the installation webhook and
// the user's setup callback. Callback-sourced writes take precedence; a write
// from an unrelated account is rejected, never silently applied.
type InstallationBinding struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	InstallationID   int64     `gorm:"not null;uniqueIndex:ux_installation_bindings_installation" json:"installation_id"`
	OwningAccountID  int64     `gorm:"not null;index" json:"owning_account_id"`
	OrganizationID   uint      `gorm:"not null;index" json:"organization_id"`
	RepositoryIDs    string    `gorm:"type:text;not null;default:''" json:"repository_ids"`
	Source           string    `gorm:"type:varchar(16);not null" json:"source"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
