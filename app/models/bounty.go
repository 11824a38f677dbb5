package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	BountyStatusOpen      = "open"
	BountyStatusClaimed   = "claimed"
	BountyStatusCompleted = "completed"
	BountyStatusClosed    = "closed"
)

// Bounty is the marketplace listing a payment can be attached to. The escrow
// lifecycle itself lives on BountyPayment.
type Bounty struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UUID           string    `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	CreatorID      uint      `gorm:"not null;index" json:"creator_id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Title          string    `gorm:"type:varchar(200);not null" json:"title" validate:"required,min=3,max=200"`
	IssueURL       string    `gorm:"type:varchar(500);not null" json:"issue_url" validate:"required,url,max=500"`
	RepositoryID   int64     `gorm:"index" json:"repository_id"`
	Status         string    `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	ViewCount      int64     `gorm:"default:0" json:"view_count"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public identifier used in share links.
func (b *Bounty) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == "" {
		b.UUID = uuid.New().String()
	}
	return nil
}

// Organization groups bounties and owns GitHub App installations. Every user
// gets a personal organization at signup; installations webhook-default to it
// until the setup callback assigns the real one.
type Organization struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=2,max=150"`
	Slug        string    `gorm:"type:varchar(150);not null;uniqueIndex" json:"slug"`
	OwnerUserID uint      `gorm:"not null;index" json:"owner_user_id"`
	IsPersonal  bool      `gorm:"default:false" json:"is_personal"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
