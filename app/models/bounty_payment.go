package models

import "time"

const (
	BountyPaymentStatusUnfunded    = "unfunded"
	BountyPaymentStatusPending     = "pending"
	BountyPaymentStatusFunded      = "funded"
	BountyPaymentStatusRefunded    = "refunded"
	BountyPaymentStatusTransferred = "transferred"
)

// BountyPayment tracks the escrow state for a single bounty's funding.
// refunded and transferred are terminal; funded never falls back to unfunded.
type BountyPayment struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	BountyID          uint      `gorm:"not null;uniqueIndex:ux_bounty_payments_bounty" json:"bounty_id"`
	GrossAmount       int64     `gorm:"not null" json:"gross_amount"`
	Currency          string    `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	PlatformFee       int64     `gorm:"not null;default:0" json:"platform_fee"`
	NetAmount         int64     `gorm:"not null;default:0" json:"net_amount"`
	ProviderPaymentID string    `gorm:"type:varchar(191);not null;default:'';index" json:"provider_payment_id"`
	CheckoutRef       string    `gorm:"type:varchar(191);not null;default:'';index" json:"checkout_ref"`
	TransferID        string    `gorm:"type:varchar(191);not null;default:'';index" json:"transfer_id"`
	Status            string    `gorm:"type:varchar(20);not null;default:'unfunded';index" json:"status"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// bountyPaymentRank orders statuses so that transitions can be checked for
// monotonicity. Terminal states share the highest rank.
func bountyPaymentRank(status string) int {
	switch status {
	case BountyPaymentStatusUnfunded:
		return 0
	case BountyPaymentStatusPending:
		return 1
	case BountyPaymentStatusFunded:
		return 2
	case BountyPaymentStatusRefunded, BountyPaymentStatusTransferred:
		return 3
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving to next is a legal escrow transition.
// pending may fall back to unfunded (failed or expired checkout); everything
// else only moves forward.
func (p *BountyPayment) CanTransitionTo(next string) bool {
	if bountyPaymentRank(next) < 0 || bountyPaymentRank(p.Status) < 0 {
		return false
	}
	if p.Status == BountyPaymentStatusPending && next == BountyPaymentStatusUnfunded {
		return true
	}
	if p.Status == BountyPaymentStatusRefunded || p.Status == BountyPaymentStatusTransferred {
		return false
	}
	return bountyPaymentRank(next) > bountyPaymentRank(p.Status)
}
