package events

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/bountyforge/bountyforge/app/models"
)

// VerifyStripeEvent authenticates a raw webhook body against the
// Stripe-Signature header. ConstructEventWithOptions performs constant-time
// HMAC comparison internally; the legacy UnmarshalJSON-then-compare path in
// older SDKs accepted malformed signatures and must not be used.
func VerifyStripeEvent(payload []byte, signatureHeader, secret string) (stripe.Event, error) {
	if len(payload) == 0 || strings.TrimSpace(signatureHeader) == "" || strings.TrimSpace(secret) == "" {
		return stripe.Event{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, ErrInvalidSignature
	}
	return event, nil
}

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        string            `json:"customer"`
	Subscription    string            `json:"subscription"`
	PaymentIntent   string            `json:"payment_intent"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	ClientReference string            `json:"client_reference_id"`
	Metadata        map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Subscription       string            `json:"subscription"`
	AttemptCount       int               `json:"attempt_count"`
	NextPaymentAttempt int64             `json:"next_payment_attempt"`
	Metadata           map[string]string `json:"metadata"`
	Lines              struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// NormalizeStripeEvent maps a verified Stripe event into the internal
// vocabulary. Unknown event types come back as noop; they are still recorded
// as processed by the applier.
func NormalizeStripeEvent(event stripe.Event) NormalizedEvent {
	out := NormalizedEvent{
		Provider:  models.EventProviderStripe,
		EventID:   event.ID,
		EventType: TypeNoop,
		Payload:   Payload{RawJSON: string(event.Data.Raw)},
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return out
		}
		out.EntityID = session.ID
		out.Payload.CustomerID = session.Customer
		out.Payload.CheckoutRef = session.ID
		out.Payload.UserID = metadataUint(session.Metadata, "user_id")
		if session.Mode == "subscription" {
			out.EventType = TypeSubscriptionActivated
			out.Payload.SubscriptionID = session.Subscription
			out.Payload.PlanTier = session.Metadata["plan"]
			// current_period_end is not part of checkout-completion payloads;
			// the applier fetches it or approximates now+30d.
		} else {
			out.EventType = TypePaymentSucceeded
			out.Payload.PaymentIntentID = session.PaymentIntent
			out.Payload.BountyID = metadataUint(session.Metadata, "bounty_id")
			out.Payload.AmountCents = session.AmountTotal
			out.Payload.Currency = session.Currency
		}

	case "checkout.session.expired":
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return out
		}
		if session.Mode == "subscription" {
			return out
		}
		out.EventType = TypePaymentFailed
		out.EntityID = session.ID
		out.Payload.CheckoutRef = session.ID
		out.Payload.BountyID = metadataUint(session.Metadata, "bounty_id")

	case "payment_intent.succeeded":
		var intent stripePaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return out
		}
		out.EventType = TypePaymentSucceeded
		out.EntityID = intent.ID
		out.Payload.PaymentIntentID = intent.ID
		out.Payload.BountyID = metadataUint(intent.Metadata, "bounty_id")
		out.Payload.AmountCents = intent.Amount
		out.Payload.Currency = intent.Currency

	case "payment_intent.payment_failed":
		var intent stripePaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return out
		}
		out.EventType = TypePaymentFailed
		out.EntityID = intent.ID
		out.Payload.PaymentIntentID = intent.ID
		out.Payload.BountyID = metadataUint(intent.Metadata, "bounty_id")

	case "invoice.paid":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return out
		}
		out.EventType = TypeSubscriptionRenewed
		out.EntityID = invoice.Subscription
		out.Payload.SubscriptionID = invoice.Subscription
		out.Payload.CustomerID = invoice.Customer
		out.Payload.UserID = metadataUint(invoice.Metadata, "user_id")
		for _, line := range invoice.Lines.Data {
			if line.Period.End > 0 {
				end := time.Unix(line.Period.End, 0)
				if out.Payload.CurrentPeriodEnd == nil || end.After(*out.Payload.CurrentPeriodEnd) {
					out.Payload.CurrentPeriodEnd = &end
				}
			}
		}

	case "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return out
		}
		out.EventType = TypePaymentFailed
		out.EntityID = invoice.Subscription
		out.Payload.SubscriptionID = invoice.Subscription
		out.Payload.CustomerID = invoice.Customer
		out.Payload.AttemptCount = invoice.AttemptCount
		if invoice.NextPaymentAttempt > 0 {
			next := time.Unix(invoice.NextPaymentAttempt, 0)
			out.Payload.NextAttemptAt = &next
		}

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out
		}
		out.EntityID = sub.ID
		out.Payload.SubscriptionID = sub.ID
		out.Payload.CustomerID = sub.Customer
		out.Payload.UserID = metadataUint(sub.Metadata, "user_id")
		out.Payload.PlanTier = sub.Metadata["plan"]
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0)
			out.Payload.CurrentPeriodEnd = &end
		}
		if sub.Status == "canceled" {
			out.EventType = TypeSubscriptionCanceled
		} else {
			out.EventType = TypeSubscriptionRenewed
		}

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out
		}
		out.EventType = TypeSubscriptionCanceled
		out.EntityID = sub.ID
		out.Payload.SubscriptionID = sub.ID
		out.Payload.CustomerID = sub.Customer
		out.Payload.UserID = metadataUint(sub.Metadata, "user_id")
	}

	return out
}

func metadataUint(metadata map[string]string, key string) uint {
	if metadata == nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(metadata[key]), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}
