package ghapp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
)

type fakeRepo struct {
	bindings map[int64]*models.InstallationBinding
	nextID   uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{bindings: map[int64]*models.InstallationBinding{}}
}

func (r *fakeRepo) GetBinding(installationID int64) (*models.InstallationBinding, error) {
	if b, ok := r.bindings[installationID]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) CreateBindingIfNotExists(b *models.InstallationBinding) (bool, *models.InstallationBinding, error) {
	if existing, ok := r.bindings[b.InstallationID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	b.ID = r.nextID
	cp := *b
	r.bindings[b.InstallationID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) SaveBinding(b *models.InstallationBinding) error {
	cp := *b
	r.bindings[b.InstallationID] = &cp
	return nil
}

func (r *fakeRepo) DeleteBinding(installationID int64) error {
	delete(r.bindings, installationID)
	return nil
}

func TestBindCreatesBinding(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	outcome, err := svc.Bind(context.Background(), BindRequest{
		InstallationID:  100,
		SourceAccountID: 7,
		CandidateOrgID:  11,
		RepositoryIDs:   []int64{1, 2, 3},
		Source:          models.BindingSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	b := repo.bindings[100]
	require.NotNil(t, b)
	assert.Equal(t, uint(11), b.OrganizationID)
	assert.Equal(t, int64(7), b.OwningAccountID)
	assert.Equal(t, "1,2,3", b.RepositoryIDs)
}

func TestCallbackOverridesWebhookDefault(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	// Webhook arrives first and defaults to the personal organization.
	_, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)

	// The setup callback assigns the organization the user actually chose.
	outcome, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 25,
		Source: models.BindingSourceCallback,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, uint(25), repo.bindings[100].OrganizationID)
	assert.Equal(t, models.BindingSourceCallback, repo.bindings[100].Source)

	// A later webhook redelivery confirming the old default must not undo
	// the callback's choice.
	outcome, err = svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome, "owning account may always rewrite its own binding")
}

func TestOwningAccountMayRebind(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)

	outcome, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 12,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, uint(12), repo.bindings[100].OrganizationID)
}

func TestUnrelatedAccountRejected(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)

	// A different account trying to re-home the installation to its own
	// organization over the webhook path is a hijack attempt.
	outcome, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 666, CandidateOrgID: 99,
		Source: models.BindingSourceWebhook,
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, uint(11), repo.bindings[100].OrganizationID, "binding must stay untouched")
	assert.Equal(t, int64(7), repo.bindings[100].OwningAccountID)
}

func TestSameOrgConfirmationAllowed(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		RepositoryIDs:  []int64{1},
		Source:         models.BindingSourceWebhook,
	})
	require.NoError(t, err)

	// A different account confirming the current organization is a no-op
	// write, not a hijack; the repository list may still refresh.
	outcome, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 666, CandidateOrgID: 11,
		RepositoryIDs:  []int64{1, 2},
		Source:         models.BindingSourceWebhook,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "1,2", repo.bindings[100].RepositoryIDs)
}

func TestBindValidation(t *testing.T) {
	t.Parallel()
	svc := NewService(newFakeRepo())

	outcome, err := svc.Bind(context.Background(), BindRequest{Source: models.BindingSourceWebhook})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	outcome, err = svc.Bind(context.Background(), BindRequest{InstallationID: 1, Source: "smoke-signal"})
	require.Error(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestUnbind(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Bind(context.Background(), BindRequest{
		InstallationID: 100, SourceAccountID: 7, CandidateOrgID: 11,
		Source: models.BindingSourceWebhook,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Unbind(context.Background(), 100))
	_, err = svc.GetBinding(context.Background(), 100)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// Unbinding an unknown installation is a no-op.
	require.NoError(t, svc.Unbind(context.Background(), 100))
}
