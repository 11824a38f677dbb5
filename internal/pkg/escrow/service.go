package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/bountyforge/bountyforge/app/models"
	"github.com/bountyforge/bountyforge/internal/pkg/events"
	"github.com/bountyforge/bountyforge/internal/pkg/mail"
	"github.com/bountyforge/bountyforge/internal/pkg/payments"
)

// Fee schedule disclosed by the payment provider: a percentage in basis
// points plus a fixed amount per transaction, both in the currency's minor
// unit. Checkout-time display and settlement-time transfer read the same
// Quote so they can never disagree.
const (
	feePercentBasisPoints = 290
	feeFixedMinorUnits    = 30
)

var (
	// ErrInvalidState marks a transition attempted from a state that forbids
	// it. Surfaced to the initiating flow, never retried automatically.
	ErrInvalidState = errors.New("invalid payment state for requested transition")

	// ErrNoPayoutAccount means the payee has no connected account to receive
	// the transfer.
	ErrNoPayoutAccount = errors.New("payee has no payout account")
)

// sendMail is a seam for tests; production uses the SMTP mailer.
var sendMail = mail.SendMail

// Service sequences provider calls for bounty escrow and persists the
// resulting payment state machine. It never touches card data.
type Service struct {
	repo   Repository
	stripe payments.API
}

func NewService(repo Repository, stripe payments.API) *Service {
	return &Service{repo: repo, stripe: stripe}
}

func NewServiceFromDB(db *gorm.DB, stripe payments.API) *Service {
	return NewService(NewRepository(db), stripe)
}

// Quote computes the platform fee and the net payout for a gross amount.
// Deterministic; fee + net == amount for all non-negative amounts. Rounding
// is half-up to the minor unit.
func Quote(amountCents int64) (fee, net int64) {
	if amountCents < 0 {
		return 0, amountCents
	}
	fee = (amountCents*feePercentBasisPoints+5000)/10000 + feeFixedMinorUnits
	return fee, amountCents - fee
}

// Open records the escrow row for a freshly created bounty in unfunded state.
// Safe to call again for the same bounty; the existing row is returned.
func (s *Service) Open(ctx context.Context, bountyID uint, grossAmount int64, currency string) (*models.BountyPayment, error) {
	_ = ctx
	if bountyID == 0 || grossAmount <= 0 {
		return nil, errors.New("bounty_id and a positive gross amount are required")
	}
	fee, net := Quote(grossAmount)
	if net <= 0 {
		return nil, fmt.Errorf("gross amount %d does not cover the platform fee %d", grossAmount, fee)
	}

	payment := &models.BountyPayment{
		BountyID:    bountyID,
		GrossAmount: grossAmount,
		Currency:    normalizeCurrency(currency),
		PlatformFee: fee,
		NetAmount:   net,
		Status:      models.BountyPaymentStatusUnfunded,
	}
	_, stored, err := s.repo.CreatePaymentIfNotExists(payment)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Fund creates a payment collection session for the bounty and moves the
// payment to pending. Returns the checkout URL the funder is redirected to.
func (s *Service) Fund(ctx context.Context, bountyID, funderID uint, customerID, successURL, cancelURL string) (string, error) {
	payment, err := s.repo.GetPaymentByBounty(bountyID)
	if err != nil {
		return "", err
	}
	if payment.Status != models.BountyPaymentStatusUnfunded && payment.Status != models.BountyPaymentStatusPending {
		return "", fmt.Errorf("%w: fund from %s", ErrInvalidState, payment.Status)
	}

	bounty, err := s.repo.GetBounty(bountyID)
	if err != nil {
		return "", err
	}

	sess, err := s.stripe.CreateCheckoutSession(ctx, payments.CheckoutParams{
		BountyID:       bountyID,
		UserID:         funderID,
		AmountCents:    payment.GrossAmount,
		Currency:       payment.Currency,
		Description:    "Bounty: " + bounty.Title,
		CustomerID:     customerID,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: fmt.Sprintf("fund-bounty-%d", bountyID),
	})
	if err != nil {
		return "", err
	}

	// pending -> pending covers a re-click that minted a fresh session for a
	// still-unpaid bounty.
	ok, err := s.repo.TransitionPayment(payment.ID, payment.Status, models.BountyPaymentStatusPending, map[string]interface{}{
		"checkout_ref": sess.ID,
	})
	if err != nil {
		return "", err
	}
	if !ok {
		// A webhook confirmed the payment between our read and write. The
		// session is orphaned; the provider expires it on its own.
		return "", fmt.Errorf("%w: payment advanced concurrently", ErrInvalidState)
	}
	return sess.URL, nil
}

// Confirm applies a normalized payment event to the escrow state machine.
// Invoked from the idempotent applier, so each event runs at most once; the
// transitions themselves are additionally guarded to stay monotonic under
// out-of-order delivery.
func (s *Service) Confirm(ctx context.Context, ev events.NormalizedEvent) error {
	_ = ctx
	payment, err := s.findPayment(ev.Payload)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("escrow: no payment matches event %s/%s, dropping", ev.Provider, ev.EventID)
			return nil
		}
		return err
	}

	switch ev.EventType {
	case events.TypePaymentSucceeded:
		updates := map[string]interface{}{}
		if ev.Payload.PaymentIntentID != "" {
			updates["provider_payment_id"] = ev.Payload.PaymentIntentID
		}
		ok, err := s.repo.TransitionPayment(payment.ID, models.BountyPaymentStatusPending, models.BountyPaymentStatusFunded, updates)
		if err != nil {
			return err
		}
		if ok {
			s.notifyFunded(payment)
		}
		// !ok means the payment already left pending (duplicate or stale
		// event); nothing to do.
		return nil

	case events.TypePaymentFailed:
		// Only a pending payment falls back; funded and beyond stay put
		// (no funded -> unfunded, ever).
		_, err := s.repo.TransitionPayment(payment.ID, models.BountyPaymentStatusPending, models.BountyPaymentStatusUnfunded, map[string]interface{}{
			"checkout_ref": "",
		})
		return err
	}
	return nil
}

// Transfer sends the net amount to the payee's connected account. Permitted
// only from funded; a second call observes transferred and fails with
// ErrInvalidState. The provider-side idempotency key covers the window where
// two concurrent calls both passed the status check.
func (s *Service) Transfer(ctx context.Context, bountyID, payeeUserID uint) error {
	payment, err := s.repo.GetPaymentByBounty(bountyID)
	if err != nil {
		return err
	}
	if payment.Status != models.BountyPaymentStatusFunded {
		return fmt.Errorf("%w: transfer from %s", ErrInvalidState, payment.Status)
	}
	if payment.NetAmount <= 0 {
		return fmt.Errorf("%w: non-positive net amount", ErrInvalidState)
	}

	payee, err := s.repo.GetUser(payeeUserID)
	if err != nil {
		return err
	}
	if !payee.HasPayoutAccount() {
		return ErrNoPayoutAccount
	}

	group := fmt.Sprintf("bounty-%d", bountyID)
	transferID, err := s.stripe.CreateTransfer(ctx, payee.PayoutAccountID, payment.NetAmount, payment.Currency, group)
	if err != nil {
		return err
	}

	ok, err := s.repo.TransitionPayment(payment.ID, models.BountyPaymentStatusFunded, models.BountyPaymentStatusTransferred, map[string]interface{}{
		"transfer_id": transferID,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to another transfer call; the idempotency key made
		// the provider call a no-op, so funds moved exactly once.
		return fmt.Errorf("%w: payment already transferred", ErrInvalidState)
	}

	log.Printf("escrow: transferred %d %s for bounty %d (transfer %s)", payment.NetAmount, payment.Currency, bountyID, transferID)
	s.notifyTransferred(payment, payee)
	return nil
}

// Refund returns the gross amount to the funder. Permitted only from funded.
func (s *Service) Refund(ctx context.Context, bountyID uint) error {
	payment, err := s.repo.GetPaymentByBounty(bountyID)
	if err != nil {
		return err
	}
	if payment.Status != models.BountyPaymentStatusFunded {
		return fmt.Errorf("%w: refund from %s", ErrInvalidState, payment.Status)
	}
	if payment.ProviderPaymentID == "" {
		return fmt.Errorf("%w: no provider payment to refund", ErrInvalidState)
	}

	if _, err := s.stripe.CreateRefund(ctx, payment.ProviderPaymentID); err != nil {
		return err
	}

	ok, err := s.repo.TransitionPayment(payment.ID, models.BountyPaymentStatusFunded, models.BountyPaymentStatusRefunded, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: payment already settled", ErrInvalidState)
	}
	return nil
}

// FundedCountForUser counts payments in funded state across a user's
// bounties; the read side compares it against the plan allowance.
func (s *Service) FundedCountForUser(ctx context.Context, userID uint) (int64, error) {
	_ = ctx
	return s.repo.CountFundedByCreator(userID)
}

func (s *Service) findPayment(p events.Payload) (*models.BountyPayment, error) {
	if p.BountyID != 0 {
		return s.repo.GetPaymentByBounty(p.BountyID)
	}
	if p.CheckoutRef != "" {
		if payment, err := s.repo.GetPaymentByCheckoutRef(p.CheckoutRef); err == nil {
			return payment, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if p.PaymentIntentID != "" {
		return s.repo.GetPaymentByProviderPaymentID(p.PaymentIntentID)
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *Service) notifyFunded(payment *models.BountyPayment) {
	bounty, err := s.repo.GetBounty(payment.BountyID)
	if err != nil {
		return
	}
	creator, err := s.repo.GetUser(bounty.CreatorID)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("Bounty funded: %s", bounty.Title)
	body := fmt.Sprintf("Your bounty <b>%s</b> is now funded with %d %s in escrow.",
		bounty.Title, payment.GrossAmount, strings.ToUpper(payment.Currency))
	if err := sendMail(creator.Email, subject, body); err != nil {
		log.Printf("escrow: funded notification for bounty %d failed: %v", bounty.ID, err)
	}
}

func (s *Service) notifyTransferred(payment *models.BountyPayment, payee *models.User) {
	bounty, err := s.repo.GetBounty(payment.BountyID)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("Bounty payout: %s", bounty.Title)
	body := fmt.Sprintf("You received %d %s for completing <b>%s</b>.",
		payment.NetAmount, strings.ToUpper(payment.Currency), bounty.Title)
	if err := sendMail(payee.Email, subject, body); err != nil {
		log.Printf("escrow: payout notification for bounty %d failed: %v", bounty.ID, err)
	}
}

func normalizeCurrency(currency string) string {
	c := strings.ToLower(strings.TrimSpace(currency))
	if c == "" {
		return "usd"
	}
	return c
}
