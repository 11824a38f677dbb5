package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/entitlements"
	"github.com/bountyforge/bountyforge/internal/pkg/escrow"
	"github.com/bountyforge/bountyforge/internal/pkg/events"
	"github.com/bountyforge/bountyforge/internal/pkg/ghapp"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

// approximatedPeriod is substituted when a checkout-completion payload omits
// current_period_end and the provider lookup cannot supply it either. The
// next renewal event corrects it; a deliberate approximation, not a silent
// failure.
const approximatedPeriod = 30 * 24 * time.Hour

// Service applies normalized external events to the platform's authoritative
// records, exactly once per (provider, event id).
type Service struct {
	repo     Repository
	stripe   payments.API
	escrow   *escrow.Service
	installs *ghapp.Service
}

func NewService(repo Repository, stripe payments.API, escrowSvc *escrow.Service, installs *ghapp.Service) *Service {
	return &Service{repo: repo, stripe: stripe, escrow: escrowSvc, installs: installs}
}

func NewServiceFromDB(db *gorm.DB, stripe payments.API) *Service {
	return NewService(
		NewRepository(db),
		stripe,
		escrow.NewServiceFromDB(db, stripe),
		ghapp.NewServiceFromDB(db),
	)
}

// Apply runs a normalized event through the idempotency gate and dispatches
// it. Returns applied=false when the event was already handled; that is a
// success for the webhook receiver (answer 200, stop redelivery).
//
// The ProcessedEvent insert happens before any domain mutation. If dispatch
// fails, the dedup row is removed again so the provider's redelivery gets a
// clean retry; responding non-2xx without the removal would strand the event.
func (s *Service) Apply(ctx context.Context, ev events.NormalizedEvent) (bool, error) {
	eventID := ev.EventID
	if eventID == "" {
		sum := sha256.Sum256([]byte(ev.Payload.RawJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	created, err := s.repo.CreateProcessedEventIfNotExists(&models.ProcessedEvent{
		Provider:        ev.Provider,
		ProviderEventID: eventID,
		EventType:       ev.EventType,
		PayloadJSON:     ev.Payload.RawJSON,
	})
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	if err := s.dispatch(ctx, ev); err != nil {
		if delErr := s.repo.DeleteProcessedEvent(ev.Provider, eventID); delErr != nil {
			log.Printf("billing: failed to release event %s/%s after dispatch error: %v", ev.Provider, eventID, delErr)
		}
		return false, err
	}
	return true, nil
}

func (s *Service) dispatch(ctx context.Context, ev events.NormalizedEvent) error {
	switch ev.EventType {
	case events.TypeNoop:
		// Recorded as processed, no mutation.
		return nil
	case events.TypeSubscriptionActivated:
		return s.applyActivated(ctx, ev)
	case events.TypeSubscriptionRenewed:
		return s.applyRenewed(ev)
	case events.TypeSubscriptionCanceled:
		return s.applyCanceled(ev)
	case events.TypePaymentFailed:
		if ev.Payload.SubscriptionID != "" {
			return s.applyPaymentFailed(ev)
		}
		return s.escrow.Confirm(ctx, ev)
	case events.TypePaymentSucceeded:
		return s.escrow.Confirm(ctx, ev)
	case events.TypeInstallationChanged:
		return s.applyInstallationChanged(ctx, ev)
	}
	log.Printf("billing: unhandled normalized event type %q, dropping", ev.EventType)
	return nil
}

// applyActivated handles checkout completion for a subscription. Requires a
// resolvable user and subscription id; without them the event is logged and
// dropped, because redelivery can never supply the missing metadata.
func (s *Service) applyActivated(ctx context.Context, ev events.NormalizedEvent) error {
	p := ev.Payload
	if p.UserID == 0 || p.SubscriptionID == "" {
		log.Printf("billing: %s %s missing user or subscription metadata, dropping", ev.EventType, ev.EventID)
		return nil
	}

	periodEnd, err := s.stripe.GetSubscriptionPeriodEnd(ctx, p.SubscriptionID)
	if err != nil {
		// Transient lookup failure: surface it so the provider redelivers.
		return err
	}

	membership := &models.Membership{
		UserID:                 p.UserID,
		PlanTier:               string(entitlements.Normalize(p.PlanTier)),
		ExternalSubscriptionID: p.SubscriptionID,
		Status:                 models.MembershipStatusActive,
	}
	_, stored, err := s.repo.CreateMembershipIfNotExists(membership)
	if err != nil {
		return err
	}

	if stored.Status == models.MembershipStatusCanceled && stored.ExternalSubscriptionID == p.SubscriptionID {
		// A late activation for an already-canceled subscription must not
		// resurrect it.
		return nil
	}

	stored.ExternalSubscriptionID = p.SubscriptionID
	stored.PlanTier = string(entitlements.Normalize(p.PlanTier))
	stored.Status = models.MembershipStatusActive
	if periodEnd != nil {
		raisePeriodEnd(stored, *periodEnd, false)
	} else if stored.CurrentPeriodEnd == nil {
		approx := time.Now().Add(approximatedPeriod)
		raisePeriodEnd(stored, approx, true)
		log.Printf("billing: subscription %s activated without current_period_end, approximated to %s", p.SubscriptionID, approx.Format(time.RFC3339))
	}
	return s.repo.SaveMembership(stored)
}

func (s *Service) applyRenewed(ev events.NormalizedEvent) error {
	p := ev.Payload
	membership, err := s.findMembership(p)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// Renewal arrived before activation. Create the membership from the
		// renewal payload so the final state is order-independent.
		if p.UserID == 0 {
			log.Printf("billing: renewal for unknown subscription %s without user metadata, dropping", p.SubscriptionID)
			return nil
		}
		_, membership, err = s.repo.CreateMembershipIfNotExists(&models.Membership{
			UserID:                 p.UserID,
			PlanTier:               string(entitlements.Normalize(p.PlanTier)),
			ExternalSubscriptionID: p.SubscriptionID,
			Status:                 models.MembershipStatusActive,
		})
		if err != nil {
			return err
		}
	}

	if membership.Status == models.MembershipStatusCanceled {
		return nil
	}
	if membership.ExternalSubscriptionID == "" {
		membership.ExternalSubscriptionID = p.SubscriptionID
	}
	if p.PlanTier != "" {
		membership.PlanTier = string(entitlements.Normalize(p.PlanTier))
	}
	if p.CurrentPeriodEnd != nil {
		raisePeriodEnd(membership, *p.CurrentPeriodEnd, false)
	}
	membership.Status = models.MembershipStatusActive
	membership.FailedPaymentAttempts = 0
	return s.repo.SaveMembership(membership)
}

// applyPaymentFailed records the provider's dunning progress. The membership
// only drops to past_due once the provider reports its retry schedule as
// exhausted; the threshold is provider policy, carried in the payload, never
// recomputed locally.
func (s *Service) applyPaymentFailed(ev events.NormalizedEvent) error {
	p := ev.Payload
	membership, err := s.findMembership(p)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: payment failure for unknown subscription %s, dropping", p.SubscriptionID)
			return nil
		}
		return err
	}
	if membership.Status == models.MembershipStatusCanceled {
		return nil
	}

	if p.AttemptCount > membership.FailedPaymentAttempts {
		membership.FailedPaymentAttempts = p.AttemptCount
	}
	if p.NextAttemptAt == nil && membership.Status == models.MembershipStatusActive {
		membership.Status = models.MembershipStatusPastDue
	}
	return s.repo.SaveMembership(membership)
}

func (s *Service) applyCanceled(ev events.NormalizedEvent) error {
	membership, err := s.findMembership(ev.Payload)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: cancellation for unknown subscription %s, dropping", ev.Payload.SubscriptionID)
			return nil
		}
		return err
	}
	// current_period_end stays as-is; access until period end is a read-side
	// concern.
	membership.Status = models.MembershipStatusCanceled
	return s.repo.SaveMembership(membership)
}

// applyInstallationChanged routes an installation webhook through the
// ownership resolver. The webhook may arrive before the user finishes the
// setup redirect, so it defaults to the installing account's personal
// organization; the callback corrects it deterministically.
func (s *Service) applyInstallationChanged(ctx context.Context, ev events.NormalizedEvent) error {
	p := ev.Payload
	if p.Action == "deleted" {
		return s.installs.Unbind(ctx, p.InstallationID)
	}

	user, err := s.repo.GetUserByGitHubAccount(p.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: installation %d for unlinked GitHub account %d, dropping", p.InstallationID, p.AccountID)
			return nil
		}
		return err
	}
	org, err := s.repo.GetPersonalOrganization(user.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: no personal organization for user %d, dropping installation %d", user.ID, p.InstallationID)
			return nil
		}
		return err
	}

	outcome, err := s.installs.Bind(ctx, ghapp.BindRequest{
		InstallationID:  p.InstallationID,
		SourceAccountID: p.AccountID,
		CandidateOrgID:  org.ID,
		RepositoryIDs:   p.RepositoryIDs,
		Source:          models.BindingSourceWebhook,
	})
	if errors.Is(err, ghapp.ErrRejected) {
		// Logged by the resolver; a rejected webhook bind is not a failure of
		// event processing.
		return nil
	}
	if err != nil {
		return err
	}
	_ = outcome
	return nil
}

func (s *Service) findMembership(p events.Payload) (*models.Membership, error) {
	if p.SubscriptionID != "" {
		if m, err := s.repo.GetMembershipBySubscription(p.SubscriptionID); err == nil {
			return m, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if p.UserID != 0 {
		return s.repo.GetMembershipByUser(p.UserID)
	}
	return nil, gorm.ErrRecordNotFound
}

// raisePeriodEnd keeps current_period_end monotonically non-decreasing. An
// approximated value is always replaced by a provider-supplied one, even a
// lower one, because the approximation was a guess.
func raisePeriodEnd(m *models.Membership, end time.Time, approximated bool) {
	if m.CurrentPeriodEnd == nil || m.PeriodEndApproximated || end.After(*m.CurrentPeriodEnd) {
		e := end
		m.CurrentPeriodEnd = &e
		m.PeriodEndApproximated = approximated
	}
}

// PruneProcessedEvents deletes dedup rows older than the retention window.
// ProcessedEvent has no business reads; this is pure lifecycle.
func (s *Service) PruneProcessedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	_ = ctx
	return s.repo.PruneProcessedEvents(time.Now().Add(-retention))
}

// SweepApproximatedPeriods flags memberships whose approximated period end
// elapsed without a renewal event arriving to correct it.
func (s *Service) SweepApproximatedPeriods(ctx context.Context) error {
	_ = ctx
	lapsed, err := s.repo.ListLapsedApproximatedMemberships(time.Now())
	if err != nil {
		return err
	}
	for _, m := range lapsed {
		log.Printf("billing: ALERT membership user=%d sub=%s approximated period end %s elapsed without a renewal event",
			m.UserID, m.ExternalSubscriptionID, m.CurrentPeriodEnd.Format(time.RFC3339))
	}
	return nil
}

// EffectivePlanForUser resolves the user's plan from the membership record.
func (s *Service) EffectivePlanForUser(ctx context.Context, userID uint) (entitlements.Plan, error) {
	_ = ctx
	m, err := s.repo.GetMembershipByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.PlanFree, nil
		}
		return entitlements.PlanFree, err
	}
	return entitlements.EffectivePlan(m), nil
}
