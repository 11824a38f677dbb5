package ghapp

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
)

// Outcome of a bind attempt.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeRejected Outcome = "rejected"
)

// ErrRejected is returned alongside OutcomeRejected when an unrelated account
// tries to re-home an installation it does not own.
var ErrRejected = errors.New("installation bind rejected")

// BindRequest carries one writer's view of an installation's ownership.
type BindRequest struct {
	InstallationID  int64
	SourceAccountID int64
	CandidateOrgID  uint
	RepositoryIDs   []int64
	Source          string // models.BindingSourceWebhook or models.BindingSourceCallback
}

// Service arbitrates installation ownership between the webhook receiver and
// the user's setup callback. No lock: the two writers race on one record with
// a fixed precedence rule, so the result is deterministic regardless of
// arrival order.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// Bind creates or updates the binding for an installation.
//
// A write against an existing binding is applied only when one of:
//   - the source is the callback (authenticated session, authoritative intent),
//   - the writer's account already owns the binding,
//   - the write is a no-op confirmation of the current organization.
//
// Anything else is a possible hijack attempt: rejected and logged, never
// silently overwritten.
func (s *Service) Bind(ctx context.Context, req BindRequest) (Outcome, error) {
	_ = ctx
	if req.InstallationID == 0 {
		return OutcomeRejected, errors.New("installation_id is required")
	}
	if req.Source != models.BindingSourceWebhook && req.Source != models.BindingSourceCallback {
		return OutcomeRejected, errors.New("unknown binding source")
	}

	binding := &models.InstallationBinding{
		InstallationID:  req.InstallationID,
		OwningAccountID: req.SourceAccountID,
		OrganizationID:  req.CandidateOrgID,
		RepositoryIDs:   joinRepositoryIDs(req.RepositoryIDs),
		Source:          req.Source,
	}

	created, existing, err := s.repo.CreateBindingIfNotExists(binding)
	if err != nil {
		return OutcomeRejected, err
	}
	if created {
		return OutcomeApplied, nil
	}

	allowed := req.Source == models.BindingSourceCallback ||
		existing.OwningAccountID == req.SourceAccountID ||
		existing.OrganizationID == req.CandidateOrgID
	if !allowed {
		log.Printf("ghapp: rejected bind for installation %d: account %d tried to move org %d -> %d (source=%s)",
			req.InstallationID, req.SourceAccountID, existing.OrganizationID, req.CandidateOrgID, req.Source)
		return OutcomeRejected, ErrRejected
	}

	existing.OrganizationID = req.CandidateOrgID
	existing.OwningAccountID = req.SourceAccountID
	existing.Source = req.Source
	if len(req.RepositoryIDs) > 0 {
		existing.RepositoryIDs = joinRepositoryIDs(req.RepositoryIDs)
	}
	if err := s.repo.SaveBinding(existing); err != nil {
		return OutcomeRejected, err
	}
	return OutcomeApplied, nil
}

// Unbind removes the record when the App is uninstalled.
func (s *Service) Unbind(ctx context.Context, installationID int64) error {
	_ = ctx
	return s.repo.DeleteBinding(installationID)
}

// GetBinding returns the current binding, or gorm.ErrRecordNotFound.
func (s *Service) GetBinding(ctx context.Context, installationID int64) (*models.InstallationBinding, error) {
	_ = ctx
	return s.repo.GetBinding(installationID)
}

func joinRepositoryIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
