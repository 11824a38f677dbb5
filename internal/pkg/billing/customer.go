package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/env"
	"github.com/bountyforge/bountyforge/internal/pkg/mail"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

// Test seam, matching the escrow package.
var sendMail = mail.SendMail

// ErrCustomerPending is returned by action entry points when no provider
// customer exists yet. The action itself is queued and will run once the
// customer materializes; callers report success to the user.
var ErrCustomerPending = errors.New("billing customer creation in progress")

// A creating claim older than this is considered orphaned (holder crashed
// between claim and save) and may be taken over by the next access.
const creatingClaimTimeout = 10 * time.Minute

type portalParams struct {
	ReturnURL string `json:"return_url"`
}

type usageParams struct {
	MeterName string `json:"meter_name"`
	Value     int64  `json:"value"`
}

type checkoutParams struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// EnsureCustomer resolves the user's provider customer id, creating it on
// first access. Concurrency is handled with a single-winner state claim:
// absent -> creating flips for exactly one caller, everyone else observes
// creating and backs off. A provider-side conflict means a previous attempt
// already created the customer under our deterministic idempotency key, so it
// is treated as success once the id can be read back.
func (s *Service) EnsureCustomer(ctx context.Context, userID uint) (string, error) {
	cust, err := s.repo.GetBillingCustomerByUser(userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, cust, err = s.repo.CreateBillingCustomerIfNotExists(&models.BillingCustomer{
			UserID:        userID,
			CreationState: models.CustomerStateAbsent,
		})
	}
	if err != nil {
		return "", err
	}
	if cust.CreationState == models.CustomerStatePresent && cust.ExternalCustomerID != "" {
		return cust.ExternalCustomerID, nil
	}

	claimed, err := s.repo.ClaimCustomerCreating(userID, time.Now().Add(-creatingClaimTimeout))
	if err != nil {
		return "", err
	}
	if !claimed {
		// Another request holds the claim, or creation just finished.
		cust, err = s.repo.GetBillingCustomerByUser(userID)
		if err != nil {
			return "", err
		}
		if cust.CreationState == models.CustomerStatePresent && cust.ExternalCustomerID != "" {
			return cust.ExternalCustomerID, nil
		}
		return "", ErrCustomerPending
	}

	user, err := s.repo.GetUser(userID)
	if err != nil {
		s.releaseClaim(userID)
		return "", err
	}

	customerID, err := s.stripe.CreateCustomer(ctx, userID, user.Email)
	if err != nil {
		if errors.Is(err, payments.ErrConflict) {
			// The customer exists remotely from a prior attempt, so the
			// conflict is a success once the id is read back.
			customerID, err = s.stripe.FindCustomer(ctx, userID)
			if err == nil && customerID == "" {
				err = fmt.Errorf("%w: conflicting customer for user %d not found", payments.ErrTransient, userID)
			}
		}
		if err != nil {
			s.releaseClaim(userID)
			return "", err
		}
		log.Printf("billing: resolved customer creation conflict for user %d to %s", userID, customerID)
	}

	cust.ExternalCustomerID = customerID
	cust.CreationState = models.CustomerStatePresent
	if err := s.repo.SaveBillingCustomer(cust); err != nil {
		s.releaseClaim(userID)
		return "", err
	}

	s.replayPendingAction(ctx, userID, customerID)
	return customerID, nil
}

func (s *Service) releaseClaim(userID uint) {
	if err := s.repo.ReleaseCustomerCreating(userID); err != nil {
		log.Printf("billing: failed to release customer claim for user %d: %v", userID, err)
	}
}

// OpenBillingPortal returns a portal URL for the user. When the provider
// customer does not exist yet the open is queued and ErrCustomerPending is
// returned; the URL is mailed once creation completes.
func (s *Service) OpenBillingPortal(ctx context.Context, userID uint, returnURL string) (string, error) {
	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerPending) {
			if qErr := s.queueAction(userID, models.PendingActionPortalOpen, portalParams{ReturnURL: returnURL}); qErr != nil {
				return "", qErr
			}
		}
		return "", err
	}
	return s.stripe.CreatePortalSession(ctx, customerID, returnURL)
}

// TrackUsage records a metered usage value against the user's customer,
// queueing it when the customer is still being created.
func (s *Service) TrackUsage(ctx context.Context, userID uint, meterName string, value int64) error {
	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerPending) {
			return s.queueAction(userID, models.PendingActionUsageIngest, usageParams{MeterName: meterName, Value: value})
		}
		return err
	}
	return s.stripe.RecordUsage(ctx, customerID, meterName, value)
}

// StartSubscriptionCheckout creates a subscription checkout session for the
// given plan tier and returns its URL.
func (s *Service) StartSubscriptionCheckout(ctx context.Context, userID uint, priceID, successURL, cancelURL string) (string, error) {
	customerID, err := s.EnsureCustomer(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerPending) {
			if qErr := s.queueAction(userID, models.PendingActionCheckoutStart, checkoutParams{
				PriceID:    priceID,
				SuccessURL: successURL,
				CancelURL:  cancelURL,
			}); qErr != nil {
				return "", qErr
			}
		}
		return "", err
	}
	sess, err := s.stripe.CreateSubscriptionCheckout(ctx, payments.SubscriptionCheckoutParams{
		UserID:     userID,
		PriceID:    priceID,
		CustomerID: customerID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

func (s *Service) queueAction(userID uint, actionType string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	// Single slot per user, last write wins.
	return s.repo.ReplacePendingAction(&models.PendingAction{
		UserID:       userID,
		ActionType:   actionType,
		ActionParams: string(raw),
		CreatedAt:    time.Now(),
	})
}

// replayPendingAction executes the action queued while the customer was being
// created. Resulting URLs cannot be handed back to the original request
// anymore, so they go out by mail. Replay failures are logged, not returned;
// customer creation itself succeeded.
func (s *Service) replayPendingAction(ctx context.Context, userID uint, customerID string) {
	action, err := s.repo.TakePendingAction(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: failed to take pending action for user %d: %v", userID, err)
		}
		return
	}

	user, err := s.repo.GetUser(userID)
	if err != nil {
		log.Printf("billing: pending action replay for user %d: %v", userID, err)
		return
	}

	switch action.ActionType {
	case models.PendingActionPortalOpen:
		var p portalParams
		if err := json.Unmarshal([]byte(action.ActionParams), &p); err != nil {
			log.Printf("billing: malformed pending portal action for user %d: %v", userID, err)
			return
		}
		if p.ReturnURL == "" {
			p.ReturnURL = env.GetEnv("PUBLIC_DOMAIN", "") + "/billing"
		}
		url, err := s.stripe.CreatePortalSession(ctx, customerID, p.ReturnURL)
		if err != nil {
			log.Printf("billing: deferred portal open for user %d failed: %v", userID, err)
			return
		}
		s.mailLink(user, "Your billing portal is ready", url)

	case models.PendingActionUsageIngest:
		var p usageParams
		if err := json.Unmarshal([]byte(action.ActionParams), &p); err != nil {
			log.Printf("billing: malformed pending usage action for user %d: %v", userID, err)
			return
		}
		if err := s.stripe.RecordUsage(ctx, customerID, p.MeterName, p.Value); err != nil {
			log.Printf("billing: deferred usage ingest for user %d failed: %v", userID, err)
		}

	case models.PendingActionCheckoutStart:
		var p checkoutParams
		if err := json.Unmarshal([]byte(action.ActionParams), &p); err != nil {
			log.Printf("billing: malformed pending checkout action for user %d: %v", userID, err)
			return
		}
		sess, err := s.stripe.CreateSubscriptionCheckout(ctx, payments.SubscriptionCheckoutParams{
			UserID:     userID,
			PriceID:    p.PriceID,
			CustomerID: customerID,
			SuccessURL: p.SuccessURL,
			CancelURL:  p.CancelURL,
		})
		if err != nil {
			log.Printf("billing: deferred checkout start for user %d failed: %v", userID, err)
			return
		}
		s.mailLink(user, "Complete your subscription checkout", sess.URL)

	default:
		log.Printf("billing: unknown pending action type %q for user %d, dropping", action.ActionType, userID)
	}
}

func (s *Service) mailLink(user *models.User, subject, url string) {
	body := fmt.Sprintf("Hello %s,\n\nThe action you requested is ready:\n\n%s\n\nYour BountyForge Team", user.Name, url)
	if err := sendMail(user.Email, subject, body); err != nil {
		log.Printf("billing: failed to send %q mail to user %d: %v", subject, user.ID, err)
	}
}
