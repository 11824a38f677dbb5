package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	meterevent "github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/transfer"

	"github.com/bountyforge/bountyforge/internal/pkg/env"
)

// Error taxonomy for external calls. ErrConflict means the remote entity
// already exists or is bound elsewhere; callers decide whether that is
// success (expected under concurrent first-access) or a contested write.
// ErrTransient covers timeouts and 5xx; safe to retry because no local
// mutation has happened yet.
var (
	ErrConflict  = errors.New("external entity conflict")
	ErrTransient = errors.New("transient external failure")
)

// CheckoutParams describes a one-time payment collection session for funding
// a bounty in escrow.
type CheckoutParams struct {
	BountyID    uint
	UserID      uint
	AmountCents int64
	Currency    string
	Description string
	CustomerID  string
	SuccessURL  string
	CancelURL   string
	// IdempotencyKey dedupes retried session creation on the provider side.
	IdempotencyKey string
}

// SubscriptionCheckoutParams describes a subscription-mode checkout session.
type SubscriptionCheckoutParams struct {
	UserID     uint
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the subset of the provider session the callers need.
type CheckoutSession struct {
	ID  string
	URL string
}

// API is the provider surface used by the billing and escrow services.
// Implemented by Client against Stripe and by fakes in tests.
type API interface {
	CreateCustomer(ctx context.Context, userID uint, email string) (string, error)
	FindCustomer(ctx context.Context, userID uint) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	CreateSubscriptionCheckout(ctx context.Context, p SubscriptionCheckoutParams) (*CheckoutSession, error)
	GetSubscriptionPeriodEnd(ctx context.Context, subscriptionID string) (*time.Time, error)
	CreateTransfer(ctx context.Context, destinationAccountID string, amountCents int64, currency, transferGroup string) (string, error)
	CreateRefund(ctx context.Context, paymentIntentID string) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	RecordUsage(ctx context.Context, customerID, meterName string, value int64) error
}

// Client implements API with the Stripe SDK. The SDK uses a process-global
// key, set once in NewClientFromEnv.
type Client struct{}

func NewClientFromEnv() *Client {
	stripe.Key = strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	return &Client{}
}

func (c *Client) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))
	// Deterministic key: retried creation for the same user hits the same
	// provider-side idempotency slot instead of minting a second customer.
	params.IdempotencyKey = stripe.String(fmt.Sprintf("customer-user-%d", userID))

	cus, err := customer.New(params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	return cus.ID, nil
}

// FindCustomer looks up an existing customer by the user_id metadata written
// at creation. Returns an empty id when none exists. Used to resolve a
// creation conflict: the customer already exists remotely, so the conflict is
// a success once the id is read back.
func (c *Client) FindCustomer(ctx context.Context, userID uint) (string, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['user_id']:'%d'", userID),
			Context: ctx,
		},
	}

	iter := customer.Search(params)
	for iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", wrapStripeErr(err)
	}
	return "", nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(p.Currency)),
					UnitAmount: stripe.Int64(p.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(p.BountyID), 10)),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	params.AddMetadata("bounty_id", strconv.FormatUint(uint64(p.BountyID), 10))
	params.AddMetadata("user_id", strconv.FormatUint(uint64(p.UserID), 10))

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (c *Client) CreateSubscriptionCheckout(ctx context.Context, p SubscriptionCheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(p.UserID), 10)),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(p.UserID), 10))
	params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{
			"user_id": strconv.FormatUint(uint64(p.UserID), 10),
		},
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// GetSubscriptionPeriodEnd fetches current_period_end for a subscription.
// Checkout-completion payloads do not carry it; the subscription state
// machine calls this before falling back to its now+30d approximation.
func (c *Client) GetSubscriptionPeriodEnd(ctx context.Context, subscriptionID string) (*time.Time, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}
	// Period end lives on the subscription items since the basil API.
	var latest int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > latest {
				latest = item.CurrentPeriodEnd
			}
		}
	}
	if latest <= 0 {
		return nil, nil
	}
	end := time.Unix(latest, 0)
	return &end, nil
}

func (c *Client) CreateTransfer(ctx context.Context, destinationAccountID string, amountCents int64, currency, transferGroup string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destinationAccountID),
	}
	params.Context = ctx
	if transferGroup != "" {
		params.TransferGroup = stripe.String(transferGroup)
		params.IdempotencyKey = stripe.String("transfer-" + transferGroup)
	}

	tr, err := transfer.New(params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	return tr.ID, nil
}

func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("refund-" + paymentIntentID)

	r, err := refund.New(params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	return r.ID, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	return sess.URL, nil
}

// RecordUsage ingests a usage value against a billing meter.
func (c *Client) RecordUsage(ctx context.Context, customerID, meterName string, value int64) error {
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(meterName),
		Payload: map[string]string{
			"stripe_customer_id": customerID,
			"value":              strconv.FormatInt(value, 10),
		},
	}
	params.Context = ctx

	if _, err := meterevent.New(params); err != nil {
		return wrapStripeErr(err)
	}
	return nil
}

// wrapStripeErr folds provider errors into the local taxonomy. 409s and
// "already exists" codes become ErrConflict; 5xx and transport errors become
// ErrTransient. Everything else passes through with context.
func wrapStripeErr(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == 409 || stripeErr.Code == stripe.ErrorCodeResourceAlreadyExists:
			return fmt.Errorf("%w: %s", ErrConflict, stripeErr.Code)
		case stripeErr.HTTPStatusCode >= 500, stripeErr.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %s", ErrTransient, stripeErr.Code)
		}
		return fmt.Errorf("stripe: %s: %w", stripeErr.Code, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
