package events

import (
	"errors"
	"time"
)

// Internal event vocabulary. Downstream logic is typed against these values,
// never against raw provider shapes.
const (
	TypeSubscriptionActivated = "subscription.activated"
	TypeSubscriptionRenewed   = "subscription.renewed"
	TypeSubscriptionCanceled  = "subscription.canceled"
	TypePaymentFailed         = "payment.failed"
	TypePaymentSucceeded      = "payment.succeeded"
	TypeInstallationChanged   = "installation.changed"

	// TypeNoop marks provider events we do not act on. They are still recorded
	// as processed to stop redelivery loops.
	TypeNoop = "noop"
)

// ErrInvalidSignature is returned when a webhook body does not match its
// signature header. The caller answers 400 and applies no mutation.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// NormalizedEvent is the provider-agnostic shape handed to the mutation
// applier.
type NormalizedEvent struct {
	Provider  string
	EventID   string
	EventType string
	EntityID  string
	Payload   Payload
}

// Payload carries the typed fields extracted from provider payloads. Only the
// fields relevant to the event type are populated.
type Payload struct {
	UserID           uint
	SubscriptionID   string
	CustomerID       string
	PlanTier         string
	CurrentPeriodEnd *time.Time

	// Dunning state for payment.failed on a subscription invoice. The retry
	// schedule is provider policy; NextAttemptAt == nil means the provider has
	// exhausted its retries.
	AttemptCount  int
	NextAttemptAt *time.Time

	// Escrow fields for payment.* on a bounty checkout.
	PaymentIntentID string
	CheckoutRef     string
	BountyID        uint
	AmountCents     int64
	Currency        string

	// Installation fields for installation.changed.
	InstallationID int64
	AccountID      int64
	AccountLogin   string
	RepositoryIDs  []int64
	Action         string

	RawJSON string
}

// IsNoop reports whether the event carries no state mutation.
func (e NormalizedEvent) IsNoop() bool {
	return e.EventType == TypeNoop
}
