package services

import (
	"sync"
	"testing"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenIntent_PricesWithCoupon(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "50")
	f.coupon(t, "SAVE20", models.DiscountPercentage, "20")
	user := buyer()

	purchase, secret, err := f.purchases.OpenIntent(ctx, user, item.ID, "save20")
	require.NoError(t, err)

	assert.Equal(t, models.PurchasePending, purchase.Status)
	assertAmount(t, "50.00", purchase.OriginalPrice)
	assertAmount(t, "10.00", purchase.DiscountAmount)
	assertAmount(t, "40.00", purchase.FinalPrice)
	assert.Equal(t, "SAVE20", purchase.CouponCode)
	require.NotNil(t, purchase.IntentRef)
	assert.Equal(t, *purchase.IntentRef+"_secret", secret)
	assert.Equal(t, 1, f.gw.Calls("create_customer"))
	assert.Equal(t, 1, f.gw.Calls("create_payment_intent"))

	// Opening does not consume the coupon.
	assert.Equal(t, 0, f.reloadCoupon(t, "SAVE20").UsageCount)
}

func TestOpenIntent_ReusesCustomer(t *testing.T) {
	f := newFixture(t)
	user := buyer()

	_, _, err := f.purchases.OpenIntent(ctx, user, f.item(t, "10").ID, "")
	require.NoError(t, err)
	_, _, err = f.purchases.OpenIntent(ctx, user, f.item(t, "20").ID, "")
	require.NoError(t, err)

	assert.Equal(t, 1, f.gw.Calls("create_customer"))
	assert.Equal(t, 2, f.gw.Calls("create_payment_intent"))
}

func TestOpenIntent_AlreadyPurchasedSkipsGateway(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "25")
	user := buyer()
	f.completedPurchase(t, user.UserID, item.ID, "")

	_, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyPurchased)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestOpenIntent_UnknownItem(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.purchases.OpenIntent(ctx, buyer(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestOpenIntent_GatewayFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "25")
	f.gw.Err = gateway.ErrUnavailable

	_, _, err := f.purchases.OpenIntent(ctx, buyer(), item.ID, "")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, KindUpstream, KindOf(err))

	var count int64
	require.NoError(t, f.db.Model(&models.Purchase{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestOpenIntent_RejectedCouponSkipsGateway(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "25")
	f.coupon(t, "SUBS", models.DiscountPercentage, "10", scope(models.ScopeSubscriptionsOnly))

	_, _, err := f.purchases.OpenIntent(ctx, buyer(), item.ID, "SUBS")
	var rejected *CouponRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, CouponNotApplicable, rejected.Reason)
	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestOpenIntent_RetriesFailedPurchase(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "30")
	user := buyer()

	first, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	f.gw.SetStatus(*first.IntentRef, gateway.IntentRequiresPaymentMethod)
	failed, err := f.purchases.Confirm(ctx, *first.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseFailed, failed.Status)

	second, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, *first.IntentRef, *second.IntentRef)

	reloaded, err := f.purchases.GetByIntent(ctx, *second.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, reloaded.Status)

	earlier, err := f.purchases.GetByIntent(ctx, *first.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, first.ID, earlier.ID)
	assert.Equal(t, 1, f.gw.Calls("cancel_payment_intent"))
}

func TestOpenIntent_PaidEarlierIntentStillGrantsAccess(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "30")
	user := buyer()

	first, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	firstRef := *first.IntentRef
	second, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	secondRef := *second.IntentRef
	require.NotEqual(t, firstRef, secondRef)
	assert.Equal(t, 1, f.gw.Calls("cancel_payment_intent"))

	// The buyer paid from the earlier checkout anyway.
	completed, err := f.purchases.ApplyPaymentSucceeded(ctx, firstRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, completed.Status)
	require.NotNil(t, completed.IntentRef)
	assert.Equal(t, firstRef, *completed.IntentRef)
	assert.Equal(t, 2, f.gw.Calls("cancel_payment_intent"))

	decision, err := f.access.Resolve(ctx, user.UserID, item.ID)
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
	assert.Equal(t, AccessViaPurchase, decision.Reason)

	late, err := f.purchases.ApplyPaymentSucceeded(ctx, secondRef)
	require.NoError(t, err)
	assert.Equal(t, completed.ID, late.ID)
	assert.Equal(t, models.PurchaseCompleted, late.Status)
}

func TestOpenIntent_ReopenAfterPaymentCompletesPurchase(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "30")
	user := buyer()

	first, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	f.gw.SetStatus(*first.IntentRef, gateway.IntentSucceeded)

	_, _, err = f.purchases.OpenIntent(ctx, user, item.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyPurchased)
	assert.Equal(t, 1, f.gw.Calls("create_payment_intent"))

	reloaded, err := f.purchases.GetByIntent(ctx, *first.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, reloaded.Status)
}

func TestOpenIntent_ProcessingPaymentBlocksReopen(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "30")
	user := buyer()

	first, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "")
	require.NoError(t, err)
	f.gw.SetStatus(*first.IntentRef, gateway.IntentProcessing)

	_, _, err = f.purchases.OpenIntent(ctx, user, item.ID, "")
	assert.ErrorIs(t, err, ErrPaymentInProgress)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 1, f.gw.Calls("create_payment_intent"))

	reloaded, err := f.purchases.GetByIntent(ctx, *first.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, reloaded.Status)
}

func TestOpenIntent_FullyDiscountedCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "10")
	f.coupon(t, "FREE", models.DiscountFixedAmount, "50")
	user := buyer()

	purchase, secret, err := f.purchases.OpenIntent(ctx, user, item.ID, "FREE")
	require.NoError(t, err)

	assert.Empty(t, secret)
	assert.Equal(t, models.PurchaseCompleted, purchase.Status)
	assertAmount(t, "10.00", purchase.DiscountAmount)
	assertAmount(t, "0.00", purchase.FinalPrice)
	assert.Nil(t, purchase.IntentRef)
	assert.Equal(t, 0, f.gw.TotalCalls())
	assert.Equal(t, 1, f.reloadCoupon(t, "FREE").UsageCount)

	decision, err := f.access.Resolve(ctx, user.UserID, item.ID)
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
	assert.Equal(t, AccessViaPurchase, decision.Reason)
}

func TestConfirm_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	item := f.item(t, "40")
	f.coupon(t, "TEN", models.DiscountFixedAmount, "10", limit(5))
	user := buyer()

	purchase, _, err := f.purchases.OpenIntent(ctx, user, item.ID, "TEN")
	require.NoError(t, err)
	f.gw.SetStatus(*purchase.IntentRef, gateway.IntentSucceeded)

	first, err := f.purchases.Confirm(ctx, *purchase.IntentRef)
	require.NoError(t, err)
	second, err := f.purchases.Confirm(ctx, *purchase.IntentRef)
	require.NoError(t, err)

	assert.Equal(t, models.PurchaseCompleted, first.Status)
	assert.Equal(t, models.PurchaseCompleted, second.Status)
	require.NotNil(t, first.CompletedAt)
	require.NotNil(t, second.CompletedAt)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
	assert.Equal(t, 1, f.gw.Calls("retrieve_intent"))

	coupon := f.reloadCoupon(t, "TEN")
	assert.Equal(t, 1, coupon.UsageCount)
	assertAmount(t, "10.00", coupon.TotalDiscounted)

	var enrollments int64
	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("user_id = ? AND item_id = ?", user.UserID, item.ID).Count(&enrollments).Error)
	assert.Equal(t, int64(1), enrollments)
}

func TestConfirm_ProcessingLeavesPending(t *testing.T) {
	f := newFixture(t)
	purchase, _, err := f.purchases.OpenIntent(ctx, buyer(), f.item(t, "15").ID, "")
	require.NoError(t, err)
	f.gw.SetStatus(*purchase.IntentRef, gateway.IntentProcessing)

	confirmed, err := f.purchases.Confirm(ctx, *purchase.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, confirmed.Status)
}

func TestConfirm_UnknownIntent(t *testing.T) {
	f := newFixture(t)

	_, err := f.purchases.Confirm(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestConfirm_GatewayDownKeepsPending(t *testing.T) {
	f := newFixture(t)
	purchase, _, err := f.purchases.OpenIntent(ctx, buyer(), f.item(t, "15").ID, "")
	require.NoError(t, err)
	f.gw.Err = gateway.ErrUnavailable

	_, err = f.purchases.Confirm(ctx, *purchase.IntentRef)
	assert.Equal(t, KindUpstream, KindOf(err))

	reloaded, err := f.purchases.GetByIntent(ctx, *purchase.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchasePending, reloaded.Status)
}

func TestConfirm_LastCouponUseGoesToOneBuyer(t *testing.T) {
	assertLastCouponUseGoesToOneBuyer(t, newFixture(t))
}

func assertLastCouponUseGoesToOneBuyer(t *testing.T, f *fixture) {
	t.Helper()
	item := f.item(t, "20")
	f.coupon(t, "LAST", models.DiscountFixedAmount, "5", limit(1))

	var intents []string
	for i := 0; i < 2; i++ {
		purchase, _, err := f.purchases.OpenIntent(ctx, buyer(), item.ID, "LAST")
		require.NoError(t, err)
		f.gw.SetStatus(*purchase.IntentRef, gateway.IntentSucceeded)
		intents = append(intents, *purchase.IntentRef)
	}

	errs := make([]error, len(intents))
	var wg sync.WaitGroup
	for i, ref := range intents {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = f.purchases.Confirm(ctx, ref)
		}(i, ref)
	}
	wg.Wait()

	var succeeded, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ErrCouponExhausted):
			assert.ErrorIs(t, err, ErrRefundRequired)
			exhausted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, exhausted)
	assert.Equal(t, 1, f.reloadCoupon(t, "LAST").UsageCount)

	var completed int64
	require.NoError(t, f.db.Model(&models.Purchase{}).Where("status = ?", models.PurchaseCompleted).Count(&completed).Error)
	assert.Equal(t, int64(1), completed)
}

func TestApplyPaymentSucceeded_DoesNotAskGateway(t *testing.T) {
	f := newFixture(t)
	purchase, _, err := f.purchases.OpenIntent(ctx, buyer(), f.item(t, "15").ID, "")
	require.NoError(t, err)
	calls := f.gw.TotalCalls()

	completed, err := f.purchases.ApplyPaymentSucceeded(ctx, *purchase.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, completed.Status)

	again, err := f.purchases.ApplyPaymentSucceeded(ctx, *purchase.IntentRef)
	require.NoError(t, err)
	assert.Equal(t, completed.ID, again.ID)
	assert.Equal(t, calls, f.gw.TotalCalls())
}

func TestListForUser_OnlyOwnPurchases(t *testing.T) {
	f := newFixture(t)
	user := buyer()
	f.completedPurchase(t, user.UserID, uuid.New(), "")
	f.completedPurchase(t, uuid.New(), uuid.New(), "")

	purchases, err := f.purchases.ListForUser(ctx, user.UserID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, user.UserID, purchases[0].UserID)
}
