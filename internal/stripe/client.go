// Package stripe wraps the payment processor operations reconciliation and
// checkout rely on.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature reports a webhook payload that failed verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

type Config struct {
	SecretKey     string
	WebhookSecret string
	// APIBaseURL overrides the processor endpoint, for stubs and proxies.
	APIBaseURL string
	Logger     *slog.Logger
}

// Client owns its own API client and key; nothing is set on the stripe
// package globals.
type Client struct {
	api           *stripe.Client
	webhookSecret string
	log           *slog.Logger
}

func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	var opts []stripe.ClientOption
	if cfg.APIBaseURL != "" {
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(cfg.APIBaseURL),
			MaxNetworkRetries: stripe.Int64(0),
		})))
	}
	return &Client{
		api:           stripe.NewClient(cfg.SecretKey, opts...),
		webhookSecret: cfg.WebhookSecret,
		log:           log,
	}
}

// Event is a verified processor event with its data object left raw.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// Subscription is the processor-side view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}

type CheckoutParams struct {
	UserID      string
	Email       string
	PackageID   int64
	Title       string
	Credits     int
	Mode        string
	PriceID     string
	Currency    string
	AmountMinor int64
	SuccessURL  string
	CancelURL   string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// VerifyWebhook checks the signature header against the shared secret and
// decodes the event envelope.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	return verify(payload, signature, c.webhookSecret)
}

func verify(payload []byte, signature, secret string) (*Event, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &Event{
		ID:      evt.ID,
		Type:    string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data != nil {
		out.Object = evt.Data.Raw
	}
	return out, nil
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := c.api.V1Subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	out := fromStripe(sub)
	return &out, nil
}

// CancelAtPeriodEnd schedules the subscription to end with its current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	sub, err := c.api.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	c.log.Info("subscription scheduled for cancellation", "subscription_id", subscriptionID)
	out := fromStripe(sub)
	return &out, nil
}

// FindCustomerByEmail returns the first customer registered with email, or
// "" when there is none.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)

	for cust, err := range c.api.V1Customers.List(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("failed to list customers: %w", err)
		}
		return cust.ID, nil
	}
	return "", nil
}

func (c *Client) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}

	var out []Subscription
	for sub, err := range c.api.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		out = append(out, fromStripe(sub))
	}
	return out, nil
}

// CreateCheckoutSession opens a hosted checkout. The metadata it carries is
// what reconciliation reads back from checkout.session.completed.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	metadata := CheckoutMetadata(p)

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(p.Mode),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
		Metadata:          metadata,
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}

	item := &stripe.CheckoutSessionCreateLineItemParams{Quantity: stripe.Int64(1)}
	if p.PriceID != "" {
		item.Price = stripe.String(p.PriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionCreateLineItemPriceDataParams{
			Currency:   stripe.String(p.Currency),
			UnitAmount: stripe.Int64(p.AmountMinor),
			ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
				Name: stripe.String(p.Title),
			},
		}
	}
	params.LineItems = []*stripe.CheckoutSessionCreateLineItemParams{item}

	if p.Mode == string(stripe.CheckoutSessionModeSubscription) {
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: metadata}
	}

	sess, err := c.api.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	c.log.Info("created checkout session", "session_id", sess.ID, "user_id", p.UserID, "package_id", p.PackageID)
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// CheckoutMetadata is the metadata attached to a checkout session.
func CheckoutMetadata(p CheckoutParams) map[string]string {
	return map[string]string{
		"userId":    p.UserID,
		"credits":   strconv.Itoa(p.Credits),
		"packageId": strconv.FormatInt(p.PackageID, 10),
	}
}

func fromStripe(sub *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	// Period bounds live on the subscription items.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.CurrentPeriodStart = unixPtr(sub.Items.Data[0].CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(sub.Items.Data[0].CurrentPeriodEnd)
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
