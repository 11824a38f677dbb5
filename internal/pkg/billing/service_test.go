package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/entitlements"
	"github.com/bountyforge/bountyforge/internal/pkg/escrow"
	"github.com/bountyforge/bountyforge/internal/pkg/events"
	"github.com/bountyforge/bountyforge/internal/pkg/ghapp"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

type fakeRepo struct {
	processed   map[string]*models.ProcessedEvent
	memberships map[uint]*models.Membership
	customers   map[uint]*models.BillingCustomer
	actions     map[uint]*models.PendingAction
	users       map[uint]*models.User
	orgs        map[uint]*models.Organization
	nextID      uint

	saveCustomerErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		processed:   map[string]*models.ProcessedEvent{},
		memberships: map[uint]*models.Membership{},
		customers:   map[uint]*models.BillingCustomer{},
		actions:     map[uint]*models.PendingAction{},
		users:       map[uint]*models.User{},
		orgs:        map[uint]*models.Organization{},
		nextID:      1,
	}
}

func (r *fakeRepo) id() uint {
	id := r.nextID
	r.nextID++
	return id
}

func (r *fakeRepo) CreateProcessedEventIfNotExists(event *models.ProcessedEvent) (bool, error) {
	key := event.Provider + "|" + event.ProviderEventID
	if _, ok := r.processed[key]; ok {
		return false, nil
	}
	event.ID = r.id()
	cp := *event
	r.processed[key] = &cp
	return true, nil
}

func (r *fakeRepo) DeleteProcessedEvent(provider, providerEventID string) error {
	delete(r.processed, provider+"|"+providerEventID)
	return nil
}

func (r *fakeRepo) PruneProcessedEvents(olderThan time.Time) (int64, error) {
	var pruned int64
	for key, ev := range r.processed {
		if ev.AppliedAt.Before(olderThan) {
			delete(r.processed, key)
			pruned++
		}
	}
	return pruned, nil
}

func (r *fakeRepo) GetMembershipByUser(userID uint) (*models.Membership, error) {
	if m, ok := r.memberships[userID]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetMembershipBySubscription(subscriptionID string) (*models.Membership, error) {
	for _, m := range r.memberships {
		if m.ExternalSubscriptionID == subscriptionID && subscriptionID != "" {
			cp := *m
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) SaveMembership(m *models.Membership) error {
	cp := *m
	r.memberships[m.UserID] = &cp
	return nil
}

func (r *fakeRepo) CreateMembershipIfNotExists(m *models.Membership) (bool, *models.Membership, error) {
	if existing, ok := r.memberships[m.UserID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	m.ID = r.id()
	cp := *m
	r.memberships[m.UserID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) ListLapsedApproximatedMemberships(now time.Time) ([]models.Membership, error) {
	var out []models.Membership
	for _, m := range r.memberships {
		if m.PeriodEndApproximated && m.Status == models.MembershipStatusActive &&
			m.CurrentPeriodEnd != nil && m.CurrentPeriodEnd.Before(now) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetBillingCustomerByUser(userID uint) (*models.BillingCustomer, error) {
	if c, ok := r.customers[userID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) CreateBillingCustomerIfNotExists(c *models.BillingCustomer) (bool, *models.BillingCustomer, error) {
	if existing, ok := r.customers[c.UserID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	c.ID = r.id()
	cp := *c
	r.customers[c.UserID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeRepo) ClaimCustomerCreating(userID uint, staleBefore time.Time) (bool, error) {
	c, ok := r.customers[userID]
	if !ok {
		return false, nil
	}
	stale := c.CreationState == models.CustomerStateCreating && c.UpdatedAt.Before(staleBefore)
	if c.CreationState != models.CustomerStateAbsent && !stale {
		return false, nil
	}
	c.CreationState = models.CustomerStateCreating
	c.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRepo) ReleaseCustomerCreating(userID uint) error {
	if c, ok := r.customers[userID]; ok && c.CreationState == models.CustomerStateCreating {
		c.CreationState = models.CustomerStateAbsent
	}
	return nil
}

func (r *fakeRepo) SaveBillingCustomer(c *models.BillingCustomer) error {
	if r.saveCustomerErr != nil {
		return r.saveCustomerErr
	}
	cp := *c
	cp.UpdatedAt = time.Now()
	r.customers[c.UserID] = &cp
	return nil
}

func (r *fakeRepo) ReplacePendingAction(a *models.PendingAction) error {
	cp := *a
	if cp.ID == 0 {
		cp.ID = r.id()
	}
	r.actions[a.UserID] = &cp
	return nil
}

func (r *fakeRepo) TakePendingAction(userID uint) (*models.PendingAction, error) {
	a, ok := r.actions[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	delete(r.actions, userID)
	return a, nil
}

func (r *fakeRepo) GetUser(userID uint) (*models.User, error) {
	if u, ok := r.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetUserByGitHubAccount(accountID int64) (*models.User, error) {
	for _, u := range r.users {
		if u.GitHubAccountID == accountID && accountID != 0 {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetPersonalOrganization(ownerUserID uint) (*models.Organization, error) {
	for _, o := range r.orgs {
		if o.OwnerUserID == ownerUserID && o.IsPersonal {
			cp := *o
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeAPI struct {
	periodEnd       *time.Time
	periodEndErr    error
	customerErr     error
	findCustomerID  string
	findCustomerErr error

	customersCreated int
	customerSearches int
	portalSessions   int
	usageRecords     []string
	subCheckouts     int
}

func (f *fakeAPI) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	if f.customerErr != nil {
		return "", f.customerErr
	}
	f.customersCreated++
	return "cus_fake", nil
}

func (f *fakeAPI) FindCustomer(ctx context.Context, userID uint) (string, error) {
	f.customerSearches++
	if f.findCustomerErr != nil {
		return "", f.findCustomerErr
	}
	return f.findCustomerID, nil
}

func (f *fakeAPI) CreateCheckoutSession(ctx context.Context, p payments.CheckoutParams) (*payments.CheckoutSession, error) {
	return &payments.CheckoutSession{ID: "cs_pay", URL: "https://checkout.example/cs_pay"}, nil
}

func (f *fakeAPI) CreateSubscriptionCheckout(ctx context.Context, p payments.SubscriptionCheckoutParams) (*payments.CheckoutSession, error) {
	f.subCheckouts++
	return &payments.CheckoutSession{ID: "cs_sub", URL: "https://checkout.example/cs_sub"}, nil
}

func (f *fakeAPI) GetSubscriptionPeriodEnd(ctx context.Context, subscriptionID string) (*time.Time, error) {
	if f.periodEndErr != nil {
		return nil, f.periodEndErr
	}
	return f.periodEnd, nil
}

func (f *fakeAPI) CreateTransfer(ctx context.Context, destinationAccountID string, amountCents int64, currency, transferGroup string) (string, error) {
	return "tr_fake", nil
}

func (f *fakeAPI) CreateRefund(ctx context.Context, paymentIntentID string) (string, error) {
	return "re_fake", nil
}

func (f *fakeAPI) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	f.portalSessions++
	return "https://portal.example/session", nil
}

func (f *fakeAPI) RecordUsage(ctx context.Context, customerID, meterName string, value int64) error {
	f.usageRecords = append(f.usageRecords, meterName)
	return nil
}

// fakeEscrowRepo carries just enough state to observe the escrow routing from
// the applier. Bounty and user lookups miss so no notifications fire.
type fakeEscrowRepo struct {
	payments map[uint]*models.BountyPayment
}

func (r *fakeEscrowRepo) GetBounty(id uint) (*models.Bounty, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEscrowRepo) GetUser(id uint) (*models.User, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEscrowRepo) GetPaymentByBounty(bountyID uint) (*models.BountyPayment, error) {
	for _, p := range r.payments {
		if p.BountyID == bountyID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEscrowRepo) GetPaymentByCheckoutRef(ref string) (*models.BountyPayment, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEscrowRepo) GetPaymentByProviderPaymentID(id string) (*models.BountyPayment, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeEscrowRepo) CreatePaymentIfNotExists(p *models.BountyPayment) (bool, *models.BountyPayment, error) {
	cp := *p
	r.payments[p.BountyID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeEscrowRepo) TransitionPayment(paymentID uint, from, to string, updates map[string]interface{}) (bool, error) {
	for _, p := range r.payments {
		if p.ID == paymentID && p.Status == from {
			p.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeEscrowRepo) CountFundedByCreator(userID uint) (int64, error) {
	return 0, nil
}

type fakeBindingRepo struct {
	bindings map[int64]*models.InstallationBinding
	nextID   uint
}

func (r *fakeBindingRepo) GetBinding(installationID int64) (*models.InstallationBinding, error) {
	if b, ok := r.bindings[installationID]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeBindingRepo) CreateBindingIfNotExists(b *models.InstallationBinding) (bool, *models.InstallationBinding, error) {
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

func (r *fakeBindingRepo) SaveBinding(b *models.InstallationBinding) error {
	cp := *b
	r.bindings[b.InstallationID] = &cp
	return nil
}

func (r *fakeBindingRepo) DeleteBinding(installationID int64) error {
	delete(r.bindings, installationID)
	return nil
}

type testEnv struct {
	svc        *Service
	repo       *fakeRepo
	api        *fakeAPI
	escrowRepo *fakeEscrowRepo
	bindings   *fakeBindingRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newFakeRepo()
	api := &fakeAPI{}
	escrowRepo := &fakeEscrowRepo{payments: map[uint]*models.BountyPayment{}}
	bindings := &fakeBindingRepo{bindings: map[int64]*models.InstallationBinding{}}

	prev := sendMail
	sendMail = func(to, subject, body string) error { return nil }
	t.Cleanup(func() { sendMail = prev })

	return &testEnv{
		svc:        NewService(repo, api, escrow.NewService(escrowRepo, api), ghapp.NewService(bindings)),
		repo:       repo,
		api:        api,
		escrowRepo: escrowRepo,
		bindings:   bindings,
	}
}

func stripeEvent(eventType, eventID string, p events.Payload) events.NormalizedEvent {
	return events.NormalizedEvent{
		Provider:  models.EventProviderStripe,
		EventID:   eventID,
		EventType: eventType,
		Payload:   p,
	}
}

func TestApplyDeduplicatesByEventID(t *testing.T) {
	env := newTestEnv(t)
	end := time.Now().Add(30 * 24 * time.Hour)
	env.api.periodEnd = &end

	ev := stripeEvent(events.TypeSubscriptionActivated, "evt_1", events.Payload{
		UserID: 1, SubscriptionID: "sub_1", PlanTier: "pro",
	})

	applied, err := env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, applied, "redelivery must be a no-op")

	m := env.repo.memberships[1]
	require.NotNil(t, m)
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.Equal(t, "pro", m.PlanTier)
	require.NotNil(t, m.CurrentPeriodEnd)
	assert.Equal(t, end.Unix(), m.CurrentPeriodEnd.Unix())
	assert.False(t, m.PeriodEndApproximated)
}

func TestApplyHashesMissingEventID(t *testing.T) {
	env := newTestEnv(t)

	ev := stripeEvent(events.TypeNoop, "", events.Payload{RawJSON: `{"id":"x"}`})

	applied, err := env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, applied)

	// Same raw body hashes to the same dedup key.
	applied, err = env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyReleasesEventOnDispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	env.api.periodEndErr = errors.New("stripe is down")

	ev := stripeEvent(events.TypeSubscriptionActivated, "evt_2", events.Payload{
		UserID: 1, SubscriptionID: "sub_1",
	})

	_, err := env.svc.Apply(context.Background(), ev)
	require.Error(t, err)
	assert.Empty(t, env.repo.processed, "failed dispatch must release the dedup row")

	// Redelivery after the outage succeeds.
	env.api.periodEndErr = nil
	applied, err := env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestActivatedWithoutPeriodEndApproximates(t *testing.T) {
	env := newTestEnv(t)

	applied, err := env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionActivated, "evt_3", events.Payload{
		UserID: 1, SubscriptionID: "sub_1", PlanTier: "pro",
	}))
	require.NoError(t, err)
	assert.True(t, applied)

	m := env.repo.memberships[1]
	require.NotNil(t, m.CurrentPeriodEnd)
	assert.True(t, m.PeriodEndApproximated)
	assert.WithinDuration(t, time.Now().Add(approximatedPeriod), *m.CurrentPeriodEnd, time.Minute)

	// The renewal corrects the guess even with an earlier real period end.
	realEnd := time.Now().Add(7 * 24 * time.Hour)
	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionRenewed, "evt_4", events.Payload{
		SubscriptionID: "sub_1", CurrentPeriodEnd: &realEnd,
	}))
	require.NoError(t, err)

	m = env.repo.memberships[1]
	assert.False(t, m.PeriodEndApproximated)
	assert.Equal(t, realEnd.Unix(), m.CurrentPeriodEnd.Unix())
}

func TestRenewalBeforeActivation(t *testing.T) {
	env := newTestEnv(t)
	renewEnd := time.Now().Add(30 * 24 * time.Hour)

	// Renewal arrives first; the membership is created from its payload.
	applied, err := env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionRenewed, "evt_renew", events.Payload{
		UserID: 1, SubscriptionID: "sub_1", PlanTier: "pro", CurrentPeriodEnd: &renewEnd,
	}))
	require.NoError(t, err)
	assert.True(t, applied)

	m := env.repo.memberships[1]
	require.NotNil(t, m)
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.Equal(t, renewEnd.Unix(), m.CurrentPeriodEnd.Unix())

	// The late activation carries an earlier period end; it must not lower it.
	activationEnd := time.Now().Add(24 * time.Hour)
	env.api.periodEnd = &activationEnd
	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionActivated, "evt_act", events.Payload{
		UserID: 1, SubscriptionID: "sub_1", PlanTier: "pro",
	}))
	require.NoError(t, err)

	m = env.repo.memberships[1]
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.Equal(t, renewEnd.Unix(), m.CurrentPeriodEnd.Unix(), "period end must stay monotonic")
}

func TestPaymentFailedDunning(t *testing.T) {
	env := newTestEnv(t)
	env.repo.memberships[1] = &models.Membership{
		ID: 1, UserID: 1, ExternalSubscriptionID: "sub_1",
		Status: models.MembershipStatusActive, PlanTier: "pro",
	}

	// Provider still retrying: stays active, attempt count recorded.
	next := time.Now().Add(3 * 24 * time.Hour)
	_, err := env.svc.Apply(context.Background(), stripeEvent(events.TypePaymentFailed, "evt_f1", events.Payload{
		SubscriptionID: "sub_1", AttemptCount: 2, NextAttemptAt: &next,
	}))
	require.NoError(t, err)
	m := env.repo.memberships[1]
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.Equal(t, 2, m.FailedPaymentAttempts)

	// A stale failure with a lower attempt count never decreases the counter.
	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypePaymentFailed, "evt_f2", events.Payload{
		SubscriptionID: "sub_1", AttemptCount: 1, NextAttemptAt: &next,
	}))
	require.NoError(t, err)
	assert.Equal(t, 2, env.repo.memberships[1].FailedPaymentAttempts)

	// Retries exhausted: past_due.
	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypePaymentFailed, "evt_f3", events.Payload{
		SubscriptionID: "sub_1", AttemptCount: 4,
	}))
	require.NoError(t, err)
	m = env.repo.memberships[1]
	assert.Equal(t, models.MembershipStatusPastDue, m.Status)
	assert.Equal(t, 4, m.FailedPaymentAttempts)

	// past_due still grants paid access.
	assert.Equal(t, entitlements.PlanPro, entitlements.EffectivePlan(m))
}

func TestRenewalClearsDunning(t *testing.T) {
	env := newTestEnv(t)
	env.repo.memberships[1] = &models.Membership{
		ID: 1, UserID: 1, ExternalSubscriptionID: "sub_1",
		Status: models.MembershipStatusPastDue, FailedPaymentAttempts: 4, PlanTier: "pro",
	}

	end := time.Now().Add(30 * 24 * time.Hour)
	_, err := env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionRenewed, "evt_r", events.Payload{
		SubscriptionID: "sub_1", CurrentPeriodEnd: &end,
	}))
	require.NoError(t, err)

	m := env.repo.memberships[1]
	assert.Equal(t, models.MembershipStatusActive, m.Status)
	assert.Zero(t, m.FailedPaymentAttempts)
}

func TestCanceledIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	end := time.Now().Add(10 * 24 * time.Hour)
	env.repo.memberships[1] = &models.Membership{
		ID: 1, UserID: 1, ExternalSubscriptionID: "sub_1",
		Status: models.MembershipStatusActive, PlanTier: "pro", CurrentPeriodEnd: &end,
	}

	_, err := env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionCanceled, "evt_c", events.Payload{
		SubscriptionID: "sub_1",
	}))
	require.NoError(t, err)

	m := env.repo.memberships[1]
	assert.Equal(t, models.MembershipStatusCanceled, m.Status)
	assert.Equal(t, end.Unix(), m.CurrentPeriodEnd.Unix(), "cancellation leaves the period end alone")

	// Neither a late renewal nor a late activation resurrects it.
	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionRenewed, "evt_c2", events.Payload{
		SubscriptionID: "sub_1", CurrentPeriodEnd: &end,
	}))
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusCanceled, env.repo.memberships[1].Status)

	_, err = env.svc.Apply(context.Background(), stripeEvent(events.TypeSubscriptionActivated, "evt_c3", events.Payload{
		UserID: 1, SubscriptionID: "sub_1", PlanTier: "pro",
	}))
	require.NoError(t, err)
	assert.Equal(t, models.MembershipStatusCanceled, env.repo.memberships[1].Status)
}

func TestActivatedWithoutMetadataDropped(t *testing.T) {
	env := newTestEnv(t)

	ev := stripeEvent(events.TypeSubscriptionActivated, "evt_meta", events.Payload{SubscriptionID: "sub_1"})

	// Missing user metadata: processed without mutation, no error. Redelivery
	// could never fill in the blank.
	applied, err := env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, env.repo.memberships)

	applied, err = env.svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, applied, "dropped event must stay processed")
}

func TestPaymentEventsRouteToEscrow(t *testing.T) {
	env := newTestEnv(t)
	env.escrowRepo.payments[5] = &models.BountyPayment{
		ID: 9, BountyID: 5, Status: models.BountyPaymentStatusPending,
	}

	// No subscription id: this is a bounty checkout, not a dunning event.
	applied, err := env.svc.Apply(context.Background(), stripeEvent(events.TypePaymentSucceeded, "evt_pay", events.Payload{
		BountyID: 5, PaymentIntentID: "pi_5",
	}))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.BountyPaymentStatusFunded, env.escrowRepo.payments[5].Status)
	assert.Empty(t, env.repo.memberships)
}

func TestInstallationChangedBindsPersonalOrg(t *testing.T) {
	env := newTestEnv(t)
	env.repo.users[1] = &models.User{ID: 1, GitHubAccountID: 7001}
	env.repo.orgs[1] = &models.Organization{ID: 11, OwnerUserID: 1, IsPersonal: true}

	applied, err := env.svc.Apply(context.Background(), events.NormalizedEvent{
		Provider:  models.EventProviderGitHub,
		EventID:   "delivery-1",
		EventType: events.TypeInstallationChanged,
		Payload: events.Payload{
			InstallationID: 4242, AccountID: 7001, Action: "created", RepositoryIDs: []int64{1, 2},
		},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	b := env.bindings.bindings[4242]
	require.NotNil(t, b)
	assert.Equal(t, uint(11), b.OrganizationID)
	assert.Equal(t, models.BindingSourceWebhook, b.Source)

	// Uninstall removes the binding.
	applied, err = env.svc.Apply(context.Background(), events.NormalizedEvent{
		Provider:  models.EventProviderGitHub,
		EventID:   "delivery-2",
		EventType: events.TypeInstallationChanged,
		Payload:   events.Payload{InstallationID: 4242, AccountID: 7001, Action: "deleted"},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, env.bindings.bindings)
}

func TestInstallationForUnlinkedAccountDropped(t *testing.T) {
	env := newTestEnv(t)

	applied, err := env.svc.Apply(context.Background(), events.NormalizedEvent{
		Provider:  models.EventProviderGitHub,
		EventID:   "delivery-3",
		EventType: events.TypeInstallationChanged,
		Payload:   events.Payload{InstallationID: 1, AccountID: 9999, Action: "created"},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, env.bindings.bindings)
}

func TestPruneProcessedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.repo.processed["stripe|old"] = &models.ProcessedEvent{
		Provider: "stripe", ProviderEventID: "old", AppliedAt: time.Now().Add(-100 * 24 * time.Hour),
	}
	env.repo.processed["stripe|fresh"] = &models.ProcessedEvent{
		Provider: "stripe", ProviderEventID: "fresh", AppliedAt: time.Now(),
	}

	pruned, err := env.svc.PruneProcessedEvents(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
	assert.Len(t, env.repo.processed, 1)
}

func TestEffectivePlanForUser(t *testing.T) {
	env := newTestEnv(t)

	plan, err := env.svc.EffectivePlanForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, plan, "no membership means free")

	env.repo.memberships[1] = &models.Membership{UserID: 1, PlanTier: "team", Status: models.MembershipStatusActive}
	plan, err = env.svc.EffectivePlanForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanTeam, plan)

	env.repo.memberships[1].Status = models.MembershipStatusCanceled
	plan, err = env.svc.EffectivePlanForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, plan)
}
