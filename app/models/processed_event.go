package models

import "time"

// Webhook provider identifiers used across event-related models.
const (
	EventProviderStripe = "stripe"
	EventProviderGitHub = "github"
)

// ProcessedEvent marks a provider webhook event as applied. The composite
// unique index on (provider, provider_event_id) is the idempotency primitive:
// a second delivery fails the insert and is treated as a duplicate.
type ProcessedEvent struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_processed_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_processed_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string    `gorm:"type:longtext" json:"payload_json"`
	AppliedAt       time.Time `gorm:"autoCreateTime;index" json:"applied_at"`
}
