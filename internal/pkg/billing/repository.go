package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bountyforge/bountyforge/app/models"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateProcessedEventIfNotExists(event *models.ProcessedEvent) (bool, error)
	DeleteProcessedEvent(provider, providerEventID string) error
	PruneProcessedEvents(olderThan time.Time) (int64, error)

	GetMembershipByUser(userID uint) (*models.Membership, error)
	GetMembershipBySubscription(subscriptionID string) (*models.Membership, error)
	SaveMembership(m *models.Membership) error
	CreateMembershipIfNotExists(m *models.Membership) (bool, *models.Membership, error)
	ListLapsedApproximatedMemberships(now time.Time) ([]models.Membership, error)

	GetBillingCustomerByUser(userID uint) (*models.BillingCustomer, error)
	CreateBillingCustomerIfNotExists(c *models.BillingCustomer) (bool, *models.BillingCustomer, error)
	ClaimCustomerCreating(userID uint, staleBefore time.Time) (bool, error)
	ReleaseCustomerCreating(userID uint) error
	SaveBillingCustomer(c *models.BillingCustomer) error

	ReplacePendingAction(a *models.PendingAction) error
	TakePendingAction(userID uint) (*models.PendingAction, error)

	GetUser(userID uint) (*models.User, error)
	GetUserByGitHubAccount(accountID int64) (*models.User, error)
	GetPersonalOrganization(ownerUserID uint) (*models.Organization, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// CreateProcessedEventIfNotExists inserts the dedup row. The unique index on
// (provider, provider_event_id) is the correctness mechanism: two concurrent
// deliveries race on the insert and exactly one wins.
func (r *gormRepository) CreateProcessedEventIfNotExists(event *models.ProcessedEvent) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) DeleteProcessedEvent(provider, providerEventID string) error {
	return r.db.Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Delete(&models.ProcessedEvent{}).Error
}

func (r *gormRepository) PruneProcessedEvents(olderThan time.Time) (int64, error) {
	tx := r.db.Where("applied_at < ?", olderThan).Delete(&models.ProcessedEvent{})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) GetMembershipByUser(userID uint) (*models.Membership, error) {
	var m models.Membership
	if err := r.db.Where("user_id = ?", userID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetMembershipBySubscription(subscriptionID string) (*models.Membership, error) {
	var m models.Membership
	if err := r.db.Where("external_subscription_id = ?", subscriptionID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) SaveMembership(m *models.Membership) error {
	return r.db.Save(m).Error
}

func (r *gormRepository) CreateMembershipIfNotExists(m *models.Membership) (bool, *models.Membership, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(m)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Membership
	if err := r.db.Where("user_id = ?", m.UserID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) ListLapsedApproximatedMemberships(now time.Time) ([]models.Membership, error) {
	var ms []models.Membership
	err := r.db.Where("period_end_approximated = ? AND status = ? AND current_period_end < ?",
		true, models.MembershipStatusActive, now).Find(&ms).Error
	return ms, err
}

func (r *gormRepository) GetBillingCustomerByUser(userID uint) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) CreateBillingCustomerIfNotExists(c *models.BillingCustomer) (bool, *models.BillingCustomer, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(c)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingCustomer
	if err := r.db.Where("user_id = ?", c.UserID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ClaimCustomerCreating flips absent -> creating for exactly one caller. A
// false return means another request holds the claim or creation already
// finished; the caller must wait or queue, never create a second customer.
// A creating row untouched since staleBefore is reclaimable: its holder
// crashed between claim and save, and the conditional update plus the
// provider-side idempotency key keep a re-run safe.
func (r *gormRepository) ClaimCustomerCreating(userID uint, staleBefore time.Time) (bool, error) {
	tx := r.db.Model(&models.BillingCustomer{}).
		Where("user_id = ? AND (creation_state = ? OR (creation_state = ? AND updated_at < ?))",
			userID, models.CustomerStateAbsent, models.CustomerStateCreating, staleBefore).
		Update("creation_state", models.CustomerStateCreating)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ReleaseCustomerCreating(userID uint) error {
	return r.db.Model(&models.BillingCustomer{}).
		Where("user_id = ? AND creation_state = ?", userID, models.CustomerStateCreating).
		Update("creation_state", models.CustomerStateAbsent).Error
}

func (r *gormRepository) SaveBillingCustomer(c *models.BillingCustomer) error {
	return r.db.Save(c).Error
}

// ReplacePendingAction upserts the user's single action slot: a newer action
// overwrites whatever was queued.
func (r *gormRepository) ReplacePendingAction(a *models.PendingAction) error {
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"action_type",
			"action_params",
			"created_at",
		}),
	}).Create(a).Error
}

// TakePendingAction removes and returns the queued action, if any. The
// delete-where-id guard keeps two replayers from both executing it.
func (r *gormRepository) TakePendingAction(userID uint) (*models.PendingAction, error) {
	var a models.PendingAction
	if err := r.db.Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, err
	}
	tx := r.db.Where("id = ?", a.ID).Delete(&models.PendingAction{})
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &a, nil
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetUserByGitHubAccount(accountID int64) (*models.User, error) {
	var u models.User
	if err := r.db.Where("github_account_id = ?", accountID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetPersonalOrganization(ownerUserID uint) (*models.Organization, error) {
	var o models.Organization
	if err := r.db.Where("owner_user_id = ? AND is_personal = ?", ownerUserID, true).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}
