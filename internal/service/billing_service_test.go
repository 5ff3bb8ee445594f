package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/creditcanvas/internal/config"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/stripe"
)

type billingFixture struct {
	svc       *BillingService
	store     *memLedger
	txns      *memTxns
	subs      *memSubs
	events    *memEvents
	processor *fakeProcessor
}

func newBillingFixture(t *testing.T) *billingFixture {
	t.Helper()
	f := &billingFixture{
		store:  newMemLedger(),
		subs:   &memSubs{},
		events: &memEvents{},
		processor: &fakeProcessor{
			subscriptions: map[string]*stripe.Subscription{},
			customers:     map[string]string{},
			active:        map[string][]stripe.Subscription{},
		},
	}
	f.txns = &memTxns{ledger: f.store}
	ledger := NewLedgerService(f.store, discardLogger(), nil)
	f.svc = NewBillingService(discardLogger(), f.processor, ledger, f.subs, f.txns, f.events, nil, 100)
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return f
}

// deliver queues an event and ingests it with a valid signature.
func (f *billingFixture) deliver(t *testing.T, id, typ string, created time.Time, object any) error {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	f.processor.event = &stripe.Event{ID: id, Type: typ, Created: created, Object: raw}
	return f.svc.IngestEvent(context.Background(), []byte("{}"), "ok")
}

var t0 = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func checkoutSession(id string, md map[string]string) map[string]any {
	return map[string]any{"id": id, "mode": "payment", "amount_total": 999, "currency": "usd", "metadata": md}
}

func TestCheckoutCompletedCreditsOnce(t *testing.T) {
	f := newBillingFixture(t)
	session := checkoutSession("cs_1", map[string]string{"userId": "u1", "credits": "100"})

	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, session))
	assert.Equal(t, 100, f.store.credits("u1"))
	require.Len(t, f.store.txns, 1)
	txn := f.store.txns[0]
	assert.Equal(t, "cs_1", txn.ExternalID)
	assert.Equal(t, models.TransactionCreditPurchase, txn.Type)
	assert.Equal(t, int64(999), txn.AmountMinor)

	// Same event again, and the same session under a new event id.
	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, session))
	require.NoError(t, f.deliver(t, "evt_2", "checkout.session.completed", t0, session))
	assert.Equal(t, 100, f.store.credits("u1"))
	assert.Len(t, f.store.txns, 1)
	assert.Zero(t, f.subs.len())
}

func TestCheckoutMissingMetadataRejected(t *testing.T) {
	tests := map[string]map[string]string{
		"no user":         {"credits": "100"},
		"no credits":      {"userId": "u1"},
		"garbage credits": {"userId": "u1", "credits": "lots"},
		"zero credits":    {"userId": "u1", "credits": "0"},
	}
	for name, md := range tests {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t)
			err := f.deliver(t, "evt_x", "checkout.session.completed", t0, checkoutSession("cs_x", md))
			assert.Equal(t, KindMissingMetadata, KindOf(err))
			assert.Empty(t, f.store.txns)
			assert.Empty(t, f.events.seen, "rejected events stay unprocessed")
		})
	}
}

func TestInvalidSignatureChangesNothing(t *testing.T) {
	f := newBillingFixture(t)
	f.processor.event = &stripe.Event{ID: "evt_1", Type: "checkout.session.completed"}

	err := f.svc.IngestEvent(context.Background(), []byte("{}"), "forged")
	assert.Equal(t, KindSignatureInvalid, KindOf(err))
	assert.Empty(t, f.store.txns)
	assert.Empty(t, f.events.seen)
}

func TestSubscriptionCheckoutCreatesRecord(t *testing.T) {
	f := newBillingFixture(t)
	end := t0.AddDate(0, 1, 0)
	f.processor.subscriptions["sub_1"] = &stripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active", CurrentPeriodStart: &t0, CurrentPeriodEnd: &end}

	session := map[string]any{
		"id": "cs_2", "mode": "subscription", "customer": "cus_1", "subscription": "sub_1",
		"metadata": map[string]string{"userId": "u1", "credits": "100"},
	}
	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, session))

	assert.Equal(t, 100, f.store.credits("u1"))
	assert.Equal(t, models.TransactionSubscriptionInitial, f.store.txns[0].Type)
	rec, err := f.subs.FindByStripeID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, models.SubscriptionActive, rec.Status)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.Equal(t, end, *rec.CurrentPeriodEnd)
}

func TestSubscriptionUpdateForUnknownIDIsAcked(t *testing.T) {
	f := newBillingFixture(t)
	err := f.deliver(t, "evt_1", "customer.subscription.updated", t0, map[string]any{"id": "sub_ghost", "status": "past_due"})
	require.NoError(t, err)
	assert.Zero(t, f.subs.len())
	assert.Contains(t, f.events.seen, "evt_1")
}

func TestSubscriptionUpdateAppliesInOrder(t *testing.T) {
	f := newBillingFixture(t)
	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_1", Status: "active"}))

	require.NoError(t, f.deliver(t, "evt_2", "customer.subscription.updated", t0.Add(time.Hour),
		map[string]any{"id": "sub_1", "status": "past_due"}))
	require.NoError(t, f.deliver(t, "evt_1", "customer.subscription.updated", t0,
		map[string]any{"id": "sub_1", "status": "active"}))
	require.NoError(t, f.deliver(t, "evt_3", "customer.subscription.deleted", t0.Add(2*time.Hour),
		map[string]any{"id": "sub_1", "status": "canceled", "canceled_at": t0.Add(2 * time.Hour).Unix()}))

	rec, _ := f.subs.FindByStripeID(context.Background(), "sub_1")
	assert.Equal(t, "canceled", rec.Status)
	require.NotNil(t, rec.CanceledAt)
}

func TestInvoiceRenewal(t *testing.T) {
	f := newBillingFixture(t)
	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_1", Status: "active"}))

	renewal := map[string]any{"id": "in_2", "billing_reason": "subscription_cycle", "subscription": "sub_1", "amount_paid": 999, "currency": "usd"}
	require.NoError(t, f.deliver(t, "evt_1", "invoice.paid", t0, renewal))
	require.NoError(t, f.deliver(t, "evt_2", "invoice.payment_succeeded", t0, renewal))
	assert.Equal(t, 100, f.store.credits("u1"))
	require.Len(t, f.store.txns, 1)
	assert.Equal(t, models.TransactionSubscriptionRenewal, f.store.txns[0].Type)
	assert.Equal(t, "in_2", f.store.txns[0].ExternalID)

	nested := map[string]any{
		"id": "in_3", "billing_reason": "subscription_cycle",
		"parent": map[string]any{"subscription_details": map[string]any{"subscription": "sub_1"}},
	}
	require.NoError(t, f.deliver(t, "evt_3", "invoice.paid", t0, nested))
	assert.Equal(t, 200, f.store.credits("u1"))
}

func TestInvoiceIgnoredCases(t *testing.T) {
	tests := map[string]map[string]any{
		"first invoice":        {"id": "in_1", "billing_reason": "subscription_create", "subscription": "sub_1"},
		"unknown subscription": {"id": "in_1", "billing_reason": "subscription_cycle", "subscription": "sub_ghost"},
		"one-off invoice":      {"id": "in_1", "billing_reason": "manual"},
	}
	for name, obj := range tests {
		t.Run(name, func(t *testing.T) {
			f := newBillingFixture(t)
			require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_1"}))
			require.NoError(t, f.deliver(t, "evt_1", "invoice.paid", t0, obj))
			assert.Zero(t, f.store.credits("u1"))
		})
	}
}

func TestUnknownEventTypeAcked(t *testing.T) {
	f := newBillingFixture(t)
	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.created", t0, map[string]any{"id": "pi_1"}))
	assert.Equal(t, "payment_intent.created", f.events.seen["evt_1"])
}

func TestRepair(t *testing.T) {
	f := newBillingFixture(t)
	f.store.seed("u1", "a@example.com", 5)
	f.processor.customers["a@example.com"] = "cus_1"
	f.processor.active["cus_1"] = []stripe.Subscription{{ID: "sub_1", CustomerID: "cus_1", Status: "active"}}

	res, err := f.svc.Repair(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, &RepairResult{SubscriptionID: "sub_1", CreditsGranted: 100, Status: "active"}, res)
	assert.Equal(t, 105, f.store.credits("u1"))
	assert.Equal(t, 1, f.subs.len())

	// Running it again grants again but does not duplicate the record.
	_, err = f.svc.Repair(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 205, f.store.credits("u1"))
	assert.Equal(t, 1, f.subs.len())
	assert.Equal(t, models.TransactionSubscriptionFix, f.store.txns[1].Type)
}

func subscriptionCheckout(id string, extra map[string]any) map[string]any {
	obj := map[string]any{
		"id": id, "mode": "subscription", "customer": "cus_1", "subscription": "sub_1",
		"amount_total": 999, "currency": "usd",
		"metadata": map[string]string{"userId": "u1", "credits": "100"},
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func TestCreditSkippedWhenKeyAlreadyRecorded(t *testing.T) {
	f := newBillingFixture(t)
	session := checkoutSession("cs_1", map[string]string{"userId": "u1", "credits": "100"})
	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, session))

	// A second event id for the same session finds the key and credits nothing.
	require.NoError(t, f.deliver(t, "evt_2", "checkout.session.completed", t0, session))
	assert.Equal(t, 100, f.store.credits("u1"))
	assert.Len(t, f.store.txns, 1)

	f.txns.existsErr = errBoom
	err := f.deliver(t, "evt_3", "checkout.session.completed", t0, checkoutSession("cs_2", map[string]string{"userId": "u1", "credits": "50"}))
	assert.Equal(t, KindStorage, KindOf(err))
	assert.Equal(t, 100, f.store.credits("u1"))
	processed, _ := f.events.Processed(context.Background(), "evt_3")
	assert.False(t, processed, "failed events stay eligible for redelivery")
}

func TestRepairAfterCheckoutWithMissedRenewal(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	packages := NewPackageService(config.Config{CheckoutSuccessURL: "https://app.test/ok"}, discardLogger(),
		&memPackages{}, NewLedgerService(f.store, discardLogger(), nil), &fakeCheckout{})
	monthly, err := packages.Create(ctx, CreatePackageInput{
		Title: "Monthly", PriceMinorUnits: 999, Credits: 100,
		Mode: models.PackageModeSubscription, StripePriceID: "price_monthly",
	})
	require.NoError(t, err)
	_, err = packages.Checkout(ctx, "u1", "a@example.com", monthly.ID)
	require.NoError(t, err)

	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, subscriptionCheckout("cs_1", nil)))
	assert.Equal(t, 100, f.store.credits("u1"))

	// The renewal invoice never arrives; the operator repairs instead.
	f.processor.customers["a@example.com"] = "cus_1"
	f.processor.active["cus_1"] = []stripe.Subscription{{ID: "sub_1", CustomerID: "cus_1", Status: "active"}}

	res, err := f.svc.Repair(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &RepairResult{SubscriptionID: "sub_1", CreditsGranted: 100, Status: "active"}, res)
	assert.Equal(t, 200, f.store.credits("u1"))
	assert.Equal(t, 1, f.subs.len(), "existing record is reused")
}

func TestCheckoutEventRecordsCustomerEmail(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()

	session := subscriptionCheckout("cs_1", map[string]any{"customer_details": map[string]any{"email": "a@example.com"}})
	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0, session))

	account, err := f.store.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, "a@example.com", account.Email)

	f.processor.customers["a@example.com"] = "cus_1"
	f.processor.active["cus_1"] = []stripe.Subscription{{ID: "sub_1", CustomerID: "cus_1", Status: "active"}}
	_, err = f.svc.Repair(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 200, f.store.credits("u1"))
}

func TestRepairNotFound(t *testing.T) {
	f := newBillingFixture(t)
	_, err := f.svc.Repair(context.Background(), "nobody")
	assert.Equal(t, KindNotFound, KindOf(err))

	f.store.seed("u1", "a@example.com", 0)
	_, err = f.svc.Repair(context.Background(), "u1")
	assert.Equal(t, KindNotFound, KindOf(err), "no customer")

	f.processor.customers["a@example.com"] = "cus_1"
	_, err = f.svc.Repair(context.Background(), "u1")
	assert.Equal(t, KindNotFound, KindOf(err), "no active subscription")
	assert.Zero(t, f.store.credits("u1"))
}

func TestCancel(t *testing.T) {
	f := newBillingFixture(t)
	end := t0.AddDate(0, 1, 0)
	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{
		UserID: "u1", StripeSubscriptionID: "sub_1", Status: "active", CurrentPeriodEnd: &end,
	}))

	res, err := f.svc.Cancel(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "active", res.Status)
	require.NotNil(t, res.EffectiveEnd)
	assert.Equal(t, end, *res.EffectiveEnd)
	assert.Equal(t, []string{"sub_1"}, f.processor.canceled)

	rec, _ := f.subs.FindByStripeID(context.Background(), "sub_1")
	assert.True(t, rec.CancelAtPeriodEnd)
	require.NotNil(t, rec.CanceledAt)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *rec.CanceledAt)
	require.Len(t, f.store.txns, 1)
	assert.Equal(t, models.TransactionSubscriptionCancel, f.store.txns[0].Type)

	_, err = f.svc.Cancel(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, f.store.txns, 1, "cancel is recorded once")
}

func TestCancelErrors(t *testing.T) {
	f := newBillingFixture(t)
	_, err := f.svc.Cancel(context.Background(), "u1")
	assert.Equal(t, KindNotFound, KindOf(err))

	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_1", Status: "active"}))
	f.processor.cancelErr = errBoom
	_, err = f.svc.Cancel(context.Background(), "u1")
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	assert.Empty(t, f.store.txns)
}
