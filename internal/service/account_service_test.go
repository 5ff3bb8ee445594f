package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/creditcanvas/internal/models"
)

func TestAccountViewCreatesAccount(t *testing.T) {
	f := newBillingFixture(t)
	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_old", Status: "canceled"}))
	require.NoError(t, f.subs.Create(context.Background(), &models.Subscription{UserID: "u1", StripeSubscriptionID: "sub_new", Status: "active"}))

	require.NoError(t, f.deliver(t, "evt_1", "checkout.session.completed", t0,
		checkoutSession("cs_1", map[string]string{"userId": "u1", "credits": "40"})))
	require.NoError(t, f.deliver(t, "evt_2", "checkout.session.completed", t0,
		checkoutSession("cs_2", map[string]string{"userId": "u1", "credits": "60"})))

	svc := NewAccountService(NewLedgerService(f.store, discardLogger(), nil), f.svc, f.txns)
	view, err := svc.View(context.Background(), "u1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", view.Account.Email)
	assert.Equal(t, 100, view.Account.Credits)
	require.NotNil(t, view.Subscription)
	assert.Equal(t, "sub_new", view.Subscription.StripeSubscriptionID)
	require.Len(t, view.Transactions, 2)
	assert.Equal(t, "cs_2", view.Transactions[0].ExternalID, "newest first")

	view, err = svc.View(context.Background(), "u2", "")
	require.NoError(t, err)
	assert.Nil(t, view.Subscription)
	assert.Zero(t, view.Account.Credits)
	assert.NotNil(t, view.Transactions)
	assert.Empty(t, view.Transactions)
}
