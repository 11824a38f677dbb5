package escrow

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bountyforge/bountyforge/app/models"
)

// Repository provides DB operations used by the escrow service.
type Repository interface {
	GetBounty(id uint) (*models.Bounty, error)
	GetUser(id uint) (*models.User, error)
	GetPaymentByBounty(bountyID uint) (*models.BountyPayment, error)
	GetPaymentByCheckoutRef(ref string) (*models.BountyPayment, error)
	GetPaymentByProviderPaymentID(providerPaymentID string) (*models.BountyPayment, error)
	CreatePaymentIfNotExists(payment *models.BountyPayment) (bool, *models.BountyPayment, error)

	// TransitionPayment performs a conditional status update: the write only
	// lands when the row is still in from. The returned bool says whether
	// this caller won; a false with nil error means someone else moved the
	// row first.
	TransitionPayment(paymentID uint, from, to string, updates map[string]interface{}) (bool, error)

	CountFundedByCreator(userID uint) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an escrow repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetBounty(id uint) (*models.Bounty, error) {
	var b models.Bounty
	if err := r.db.First(&b, id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) GetUser(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetPaymentByBounty(bountyID uint) (*models.BountyPayment, error) {
	var p models.BountyPayment
	if err := r.db.Where("bounty_id = ?", bountyID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) GetPaymentByCheckoutRef(ref string) (*models.BountyPayment, error) {
	var p models.BountyPayment
	if err := r.db.Where("checkout_ref = ?", ref).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) GetPaymentByProviderPaymentID(providerPaymentID string) (*models.BountyPayment, error) {
	var p models.BountyPayment
	if err := r.db.Where("provider_payment_id = ?", providerPaymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) CreatePaymentIfNotExists(payment *models.BountyPayment) (bool, *models.BountyPayment, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bounty_id"}},
		DoNothing: true,
	}).Create(payment)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BountyPayment
	if err := r.db.Where("bounty_id = ?", payment.BountyID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) TransitionPayment(paymentID uint, from, to string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	tx := r.db.Model(&models.BountyPayment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) CountFundedByCreator(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.BountyPayment{}).
		Joins("JOIN bounties ON bounties.id = bounty_payments.bounty_id").
		Where("bounties.creator_id = ? AND bounty_payments.status = ?", userID, models.BountyPaymentStatusFunded).
		Count(&count).Error
	return count, err
}
