package ghapp

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bountyforge/bountyforge/app/models"
)

// Repository provides DB operations used by the installation resolver.
type Repository interface {
	GetBinding(installationID int64) (*models.InstallationBinding, error)
	CreateBindingIfNotExists(binding *models.InstallationBinding) (bool, *models.InstallationBinding, error)
	SaveBinding(binding *models.InstallationBinding) error
	DeleteBinding(installationID int64) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an installation repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetBinding(installationID int64) (*models.InstallationBinding, error) {
	var b models.InstallationBinding
	if err := r.db.Where("installation_id = ?", installationID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBindingIfNotExists inserts the binding unless one already exists for
// the installation. The unique index closes the race between the webhook and
// the callback both observing "no binding yet".
func (r *gormRepository) CreateBindingIfNotExists(binding *models.InstallationBinding) (bool, *models.InstallationBinding, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "installation_id"}},
		DoNothing: true,
	}).Create(binding)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.InstallationBinding
	if err := r.db.Where("installation_id = ?", binding.InstallationID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SaveBinding(binding *models.InstallationBinding) error {
	return r.db.Save(binding).Error
}

func (r *gormRepository) DeleteBinding(installationID int64) error {
	return r.db.Where("installation_id = ?", installationID).Delete(&models.InstallationBinding{}).Error
}
