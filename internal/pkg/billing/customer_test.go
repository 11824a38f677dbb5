package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

func TestEnsureCustomerCreatesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}

	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)
	assert.Equal(t, 1, env.api.customersCreated)

	cust := env.repo.customers[1]
	require.NotNil(t, cust)
	assert.Equal(t, models.CustomerStatePresent, cust.CreationState)

	// Second call reads the stored id, no second provider call.
	id, err = env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)
	assert.Equal(t, 1, env.api.customersCreated)
}

func TestEnsureCustomerPendingWhileClaimed(t *testing.T) {
	env := newTestEnv(t)
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, CreationState: models.CustomerStateCreating,
		UpdatedAt: time.Now(),
	}

	// Another request holds the claim: back off, never create a second
	// customer.
	_, err := env.svc.EnsureCustomer(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCustomerPending)
	assert.Zero(t, env.api.customersCreated)
}

func TestEnsureCustomerConflictResolvesExistingID(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	env.api.customerErr = payments.ErrConflict
	env.api.findCustomerID = "cus_prior"

	// The customer already exists remotely from a prior attempt. The conflict
	// resolves to the existing id and the caller sees success.
	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_prior", id)
	assert.Equal(t, 1, env.api.customerSearches)

	cust := env.repo.customers[1]
	require.NotNil(t, cust)
	assert.Equal(t, models.CustomerStatePresent, cust.CreationState)
	assert.Equal(t, "cus_prior", cust.ExternalCustomerID)
	assert.Zero(t, env.api.customersCreated)
}

func TestEnsureCustomerConflictLookupFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	env.api.customerErr = payments.ErrConflict
	env.api.findCustomerErr = errors.New("search unavailable")

	_, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, models.CustomerStateAbsent, env.repo.customers[1].CreationState,
		"unresolved conflict must release the claim for the next access")

	// The next access retries under the same idempotency key and succeeds.
	env.api.customerErr = nil
	env.api.findCustomerErr = nil
	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)
}

func TestEnsureCustomerSaveFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	env.repo.saveCustomerErr = errors.New("db gone")

	_, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, models.CustomerStateAbsent, env.repo.customers[1].CreationState,
		"failed save must not leave the claim held forever")

	// The provider-side idempotency key makes the retried create safe.
	env.repo.saveCustomerErr = nil
	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)
}

func TestEnsureCustomerReclaimsStaleClaim(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	// The previous holder crashed between claim and save; the row has been
	// sitting in creating past the claim timeout.
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, CreationState: models.CustomerStateCreating,
		UpdatedAt: time.Now().Add(-creatingClaimTimeout - time.Minute),
	}

	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)
	assert.Equal(t, models.CustomerStatePresent, env.repo.customers[1].CreationState)
}

func TestOpenBillingPortalQueuesWhenPending(t *testing.T) {
	env := newTestEnv(t)
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, CreationState: models.CustomerStateCreating,
		UpdatedAt: time.Now(),
	}

	_, err := env.svc.OpenBillingPortal(context.Background(), 1, "https://app.example/billing")
	assert.ErrorIs(t, err, ErrCustomerPending)

	action := env.repo.actions[1]
	require.NotNil(t, action)
	assert.Equal(t, models.PendingActionPortalOpen, action.ActionType)
	assert.Contains(t, action.ActionParams, "https://app.example/billing")
	assert.Zero(t, env.api.portalSessions)
}

func TestPendingActionLastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, CreationState: models.CustomerStateCreating,
		UpdatedAt: time.Now(),
	}

	_, err := env.svc.OpenBillingPortal(context.Background(), 1, "https://app.example/billing")
	assert.ErrorIs(t, err, ErrCustomerPending)

	err = env.svc.TrackUsage(context.Background(), 1, "bounty_funding_started", 1)
	assert.ErrorIs(t, err, ErrCustomerPending)

	// One slot per user; the usage action replaced the portal open.
	action := env.repo.actions[1]
	require.NotNil(t, action)
	assert.Equal(t, models.PendingActionUsageIngest, action.ActionType)
}

func TestPendingActionReplayMailsPortalURL(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, CreationState: models.CustomerStateCreating,
		UpdatedAt: time.Now(),
	}

	_, err := env.svc.OpenBillingPortal(context.Background(), 1, "https://app.example/billing")
	assert.ErrorIs(t, err, ErrCustomerPending)

	var mailedTo, mailedBody string
	sendMail = func(to, subject, body string) error {
		mailedTo = to
		mailedBody = body
		return nil
	}

	// The claim holder gave up; the next access creates the customer and
	// replays the queued portal open by mail.
	env.repo.customers[1].CreationState = models.CustomerStateAbsent
	id, err := env.svc.EnsureCustomer(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "cus_fake", id)

	assert.Equal(t, "alice@example.com", mailedTo)
	assert.True(t, strings.Contains(mailedBody, "https://portal.example/session"), "mail must carry the portal URL")
	assert.Empty(t, env.repo.actions, "replayed action must be consumed")
}

func TestStartSubscriptionCheckout(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, Name: "Alice", Email: "alice@example.com"}

	url, err := env.svc.StartSubscriptionCheckout(context.Background(), 1, "price_pro", "https://ok", "https://cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_sub", url)
	assert.Equal(t, 1, env.api.subCheckouts)
}

func TestTrackUsageRecordsImmediatelyWhenPresent(t *testing.T) {
	env := newTestEnv(t)
	env.repo.customers[1] = &models.BillingCustomer{
		ID: 1, UserID: 1, ExternalCustomerID: "cus_1", CreationState: models.CustomerStatePresent,
	}

	require.NoError(t, env.svc.TrackUsage(context.Background(), 1, "bounty_funding_started", 1))
	assert.Equal(t, []string{"bounty_funding_started"}, env.api.usageRecords)
	assert.Empty(t, env.repo.actions)
}
