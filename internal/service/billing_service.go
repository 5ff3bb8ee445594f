package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/digkill/creditcanvas/internal/metrics"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/repository"
	"github.com/digkill/creditcanvas/internal/stripe"
)

// Processor is the payment-processor surface reconciliation depends on.
type Processor interface {
	VerifyWebhook(payload []byte, signature string) (*stripe.Event, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]stripe.Subscription, error)
}

type Credits interface {
	Account(ctx context.Context, userID string) (*models.Account, error)
	EnsureAccount(ctx context.Context, userID, email string) (*models.Account, error)
	Credit(ctx context.Context, txn *models.Transaction) (int, bool, error)
}

type SubscriptionStore interface {
	Create(ctx context.Context, s *models.Subscription) error
	FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	FindCurrentByUser(ctx context.Context, userID string) (*models.Subscription, error)
	ApplyUpdate(ctx context.Context, u repository.SubscriptionUpdate) (bool, error)
	MarkCanceled(ctx context.Context, id int64, status string, canceledAt time.Time, cancelAtPeriodEnd bool) error
}

type TransactionStore interface {
	Create(ctx context.Context, txn *models.Transaction) error
	ExistsByKey(ctx context.Context, key string) (bool, error)
}

type EventStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

const (
	eventCheckoutCompleted       = "checkout.session.completed"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// BillingService applies processor events and user/admin subscription
// actions to local records and the ledger.
type BillingService struct {
	log            *slog.Logger
	processor      Processor
	ledger         Credits
	subs           SubscriptionStore
	txns           TransactionStore
	events         EventStore
	metrics        *metrics.Metrics
	monthlyCredits int
	now            func() time.Time
}

func NewBillingService(log *slog.Logger, processor Processor, ledger Credits, subs SubscriptionStore, txns TransactionStore, events EventStore, m *metrics.Metrics, monthlyCredits int) *BillingService {
	return &BillingService{
		log:            log,
		processor:      processor,
		ledger:         ledger,
		subs:           subs,
		txns:           txns,
		events:         events,
		metrics:        m,
		monthlyCredits: monthlyCredits,
		now:            time.Now,
	}
}

// IngestEvent verifies and applies one webhook delivery. A nil error means
// the event should be acknowledged, including events that were ignored.
func (s *BillingService) IngestEvent(ctx context.Context, payload []byte, signature string) error {
	evt, err := s.processor.VerifyWebhook(payload, signature)
	if err != nil {
		s.log.Warn("rejected webhook", "err", err)
		s.metrics.BillingEvent("unverified", "signature_invalid")
		return &Error{Kind: KindSignatureInvalid, Message: "webhook signature verification failed", Err: err}
	}
	log := s.log.With("event_id", evt.ID, "event_type", evt.Type)

	seen, err := s.events.Processed(ctx, evt.ID)
	if err != nil {
		log.Error("check processed event", "err", err)
		s.metrics.BillingEvent(evt.Type, "error")
		return storageError("check processed event", err)
	}
	if seen {
		log.Info("event already processed")
		s.metrics.BillingEvent(evt.Type, "duplicate")
		return nil
	}

	result, err := s.apply(ctx, log, evt)
	if err != nil {
		log.Error("billing event failed", "err", err)
		s.metrics.BillingEvent(evt.Type, string(KindOf(err)))
		return err
	}
	if err := s.events.MarkProcessed(ctx, evt.ID, evt.Type); err != nil {
		log.Warn("record processed event", "err", err)
	}
	s.metrics.BillingEvent(evt.Type, result)
	return nil
}

func (s *BillingService) apply(ctx context.Context, log *slog.Logger, evt *stripe.Event) (string, error) {
	switch evt.Type {
	case eventCheckoutCompleted:
		return s.checkoutCompleted(ctx, log, evt)
	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		return s.subscriptionChanged(ctx, log, evt)
	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		return s.invoicePaid(ctx, log, evt)
	default:
		log.Debug("ignoring event type")
		return "ignored", nil
	}
}

type checkoutObject struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        string            `json:"customer"`
	Subscription    string            `json:"subscription"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	Metadata        map[string]string `json:"metadata"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (o checkoutObject) email() string {
	if e := strings.TrimSpace(o.CustomerDetails.Email); e != "" {
		return e
	}
	return strings.TrimSpace(o.CustomerEmail)
}

func (s *BillingService) checkoutCompleted(ctx context.Context, log *slog.Logger, evt *stripe.Event) (string, error) {
	var obj checkoutObject
	if err := json.Unmarshal(evt.Object, &obj); err != nil {
		return "", &Error{Kind: KindMissingMetadata, Message: "decode checkout session", Err: err}
	}
	userID := strings.TrimSpace(obj.Metadata["userId"])
	if userID == "" {
		return "", &Error{Kind: KindMissingMetadata, Message: "checkout session has no userId"}
	}
	credits, err := strconv.Atoi(strings.TrimSpace(obj.Metadata["credits"]))
	if err != nil || credits <= 0 {
		return "", &Error{Kind: KindMissingMetadata, Message: fmt.Sprintf("checkout session has invalid credits %q", obj.Metadata["credits"])}
	}

	txnType := models.TransactionCreditPurchase
	if obj.Mode == string(models.PackageModeSubscription) {
		txnType = models.TransactionSubscriptionInitial
	}

	key := "checkout:" + obj.ID
	credited, err := s.txns.ExistsByKey(ctx, key)
	if err != nil {
		return "", storageError("check checkout transaction", err)
	}
	applied := false
	if credited {
		log.Info("checkout already credited", "user_id", userID, "session_id", obj.ID)
	} else {
		var balance int
		balance, applied, err = s.ledger.Credit(ctx, &models.Transaction{
			UserID:         userID,
			Type:           txnType,
			Credits:        credits,
			AmountMinor:    obj.AmountTotal,
			Currency:       obj.Currency,
			ExternalID:     obj.ID,
			IdempotencyKey: key,
		})
		if err != nil {
			return "", storageError("credit checkout", err)
		}
		log.Info("checkout reconciled", "user_id", userID, "credits", credits, "applied", applied, "balance", balance)
	}

	if email := obj.email(); email != "" {
		if _, err := s.ledger.EnsureAccount(ctx, userID, email); err != nil {
			log.Warn("record checkout email", "user_id", userID, "err", err)
		}
	}

	if txnType == models.TransactionSubscriptionInitial && obj.Subscription != "" {
		if err := s.ensureSubscription(ctx, log, userID, obj.Customer, obj.Subscription, evt.Created); err != nil {
			return "", err
		}
	}
	if !applied {
		return "duplicate", nil
	}
	return "credited", nil
}

// ensureSubscription creates the local record for the first period of a
// subscription unless one already references it.
func (s *BillingService) ensureSubscription(ctx context.Context, log *slog.Logger, userID, customerID, subscriptionID string, at time.Time) error {
	existing, err := s.subs.FindByStripeID(ctx, subscriptionID)
	if err != nil {
		return storageError("find subscription", err)
	}
	if existing != nil {
		return nil
	}

	rec := &models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		Status:               models.SubscriptionActive,
		LastEventAt:          &at,
	}
	if remote, err := s.processor.GetSubscription(ctx, subscriptionID); err != nil {
		log.Warn("fetch subscription period", "subscription_id", subscriptionID, "err", err)
	} else {
		rec.CurrentPeriodStart = remote.CurrentPeriodStart
		rec.CurrentPeriodEnd = remote.CurrentPeriodEnd
		if rec.StripeCustomerID == "" {
			rec.StripeCustomerID = remote.CustomerID
		}
	}

	if err := s.subs.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil
		}
		return storageError("create subscription", err)
	}
	log.Info("subscription recorded", "user_id", userID, "subscription_id", subscriptionID)
	return nil
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (s *BillingService) subscriptionChanged(ctx context.Context, log *slog.Logger, evt *stripe.Event) (string, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(evt.Object, &obj); err != nil || obj.ID == "" {
		return "", &Error{Kind: KindMissingMetadata, Message: "decode subscription", Err: err}
	}

	update := repository.SubscriptionUpdate{
		StripeSubscriptionID: obj.ID,
		Status:               obj.Status,
		CancelAtPeriodEnd:    obj.CancelAtPeriodEnd,
		CanceledAt:           unixTime(obj.CanceledAt),
		EventAt:              evt.Created,
	}
	if len(obj.Items.Data) > 0 {
		update.CurrentPeriodStart = unixTime(obj.Items.Data[0].CurrentPeriodStart)
		update.CurrentPeriodEnd = unixTime(obj.Items.Data[0].CurrentPeriodEnd)
	}

	applied, err := s.subs.ApplyUpdate(ctx, update)
	if err != nil {
		return "", storageError("update subscription", err)
	}
	if !applied {
		log.Info("subscription update not applied, unknown or stale", "subscription_id", obj.ID)
		return "ignored", nil
	}
	log.Info("subscription updated", "subscription_id", obj.ID, "status", obj.Status)
	return "updated", nil
}

type invoiceObject struct {
	ID            string `json:"id"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	AmountPaid    int64  `json:"amount_paid"`
	Currency      string `json:"currency"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (o invoiceObject) subscriptionID() string {
	if o.Subscription != "" {
		return o.Subscription
	}
	return o.Parent.SubscriptionDetails.Subscription
}

func (s *BillingService) invoicePaid(ctx context.Context, log *slog.Logger, evt *stripe.Event) (string, error) {
	var obj invoiceObject
	if err := json.Unmarshal(evt.Object, &obj); err != nil || obj.ID == "" {
		return "", &Error{Kind: KindMissingMetadata, Message: "decode invoice", Err: err}
	}
	subID := obj.subscriptionID()
	if subID == "" {
		return "ignored", nil
	}
	// The first invoice is paid through checkout, which already credited it.
	switch obj.BillingReason {
	case "", "subscription_cycle":
	default:
		log.Debug("invoice not a renewal", "billing_reason", obj.BillingReason)
		return "ignored", nil
	}

	sub, err := s.subs.FindByStripeID(ctx, subID)
	if err != nil {
		return "", storageError("find subscription", err)
	}
	if sub == nil {
		log.Warn("renewal for unknown subscription dropped", "subscription_id", subID, "invoice_id", obj.ID)
		return "dropped", nil
	}

	key := "invoice:" + obj.ID
	credited, err := s.txns.ExistsByKey(ctx, key)
	if err != nil {
		return "", storageError("check invoice transaction", err)
	}
	if credited {
		log.Info("renewal already credited", "user_id", sub.UserID, "invoice_id", obj.ID)
		return "duplicate", nil
	}

	balance, applied, err := s.ledger.Credit(ctx, &models.Transaction{
		UserID:         sub.UserID,
		Type:           models.TransactionSubscriptionRenewal,
		Credits:        s.monthlyCredits,
		AmountMinor:    obj.AmountPaid,
		Currency:       obj.Currency,
		ExternalID:     obj.ID,
		IdempotencyKey: key,
	})
	if err != nil {
		return "", storageError("credit renewal", err)
	}
	log.Info("renewal reconciled", "user_id", sub.UserID, "subscription_id", subID, "applied", applied, "balance", balance)
	if !applied {
		return "duplicate", nil
	}
	return "credited", nil
}

type RepairResult struct {
	SubscriptionID string `json:"subscriptionId"`
	CreditsGranted int    `json:"creditsGranted"`
	Status         string `json:"status"`
}

// Repair recovers a subscription whose webhooks were missed. Every run
// grants the monthly credits again, so it is an operator tool only.
func (s *BillingService) Repair(ctx context.Context, userID string) (*RepairResult, error) {
	account, err := s.ledger.Account(ctx, userID)
	if err != nil {
		return nil, storageError("load account", err)
	}
	if account == nil || account.Email == "" {
		return nil, notFound("account %s has no email on file", userID)
	}

	customerID, err := s.processor.FindCustomerByEmail(ctx, account.Email)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "look up customer", Err: err}
	}
	if customerID == "" {
		return nil, notFound("no processor customer for %s", userID)
	}
	active, err := s.processor.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "list subscriptions", Err: err}
	}
	if len(active) == 0 {
		return nil, notFound("no active subscription for %s", userID)
	}

	now := s.now().UTC()
	result := &RepairResult{}
	for _, remote := range active {
		existing, err := s.subs.FindByStripeID(ctx, remote.ID)
		if err != nil {
			return nil, storageError("find subscription", err)
		}
		if existing == nil {
			rec := &models.Subscription{
				UserID:               userID,
				StripeSubscriptionID: remote.ID,
				StripeCustomerID:     customerID,
				Status:               remote.Status,
				CurrentPeriodStart:   remote.CurrentPeriodStart,
				CurrentPeriodEnd:     remote.CurrentPeriodEnd,
				CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
				LastEventAt:          &now,
			}
			if err := s.subs.Create(ctx, rec); err != nil && !errors.Is(err, repository.ErrDuplicate) {
				return nil, storageError("create subscription", err)
			}
			s.log.Info("repair created subscription", "user_id", userID, "subscription_id", remote.ID)
		}

		if _, _, err := s.ledger.Credit(ctx, &models.Transaction{
			UserID:     userID,
			Type:       models.TransactionSubscriptionFix,
			Credits:    s.monthlyCredits,
			ExternalID: remote.ID,
		}); err != nil {
			return nil, storageError("grant repair credits", err)
		}
		result.SubscriptionID = remote.ID
		result.Status = remote.Status
		result.CreditsGranted += s.monthlyCredits
	}

	s.log.Warn("subscription repaired", "user_id", userID, "subscription_id", result.SubscriptionID, "credits", result.CreditsGranted)
	return result, nil
}

type CancelResult struct {
	Status       string     `json:"status"`
	EffectiveEnd *time.Time `json:"effectiveEnd,omitempty"`
}

// Cancel schedules the caller's current subscription to end with its period.
func (s *BillingService) Cancel(ctx context.Context, userID string) (*CancelResult, error) {
	sub, err := s.subs.FindCurrentByUser(ctx, userID)
	if err != nil {
		return nil, storageError("find subscription", err)
	}
	if sub == nil {
		return nil, notFound("no subscription for %s", userID)
	}

	remote, err := s.processor.CancelAtPeriodEnd(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "cancel subscription", Err: err}
	}

	canceledAt := s.now().UTC()
	if remote.CanceledAt != nil {
		canceledAt = *remote.CanceledAt
	}
	status := remote.Status
	if status == "" {
		status = sub.Status
	}
	if err := s.subs.MarkCanceled(ctx, sub.ID, status, canceledAt, true); err != nil {
		return nil, storageError("mark subscription canceled", err)
	}

	err = s.txns.Create(ctx, &models.Transaction{
		UserID:         userID,
		Type:           models.TransactionSubscriptionCancel,
		ExternalID:     sub.StripeSubscriptionID,
		IdempotencyKey: "cancel:" + sub.StripeSubscriptionID,
	})
	if err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return nil, storageError("record cancellation", err)
	}

	end := remote.CurrentPeriodEnd
	if end == nil {
		end = sub.CurrentPeriodEnd
	}
	s.log.Info("subscription cancel scheduled", "user_id", userID, "subscription_id", sub.StripeSubscriptionID, "status", status)
	return &CancelResult{Status: status, EffectiveEnd: end}, nil
}

// CurrentSubscription returns the caller's most recent subscription or nil.
func (s *BillingService) CurrentSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := s.subs.FindCurrentByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
