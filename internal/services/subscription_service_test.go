package services

import (
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
	"github.com/ahmetcoskunkizilkaya/billing-core/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func meta(eventType string) gateway.Meta {
	return gateway.Meta{ID: "evt_" + uuid.NewString(), Type: eventType}
}

func (f *fixture) openSubscription(t *testing.T, couponCode string) (*models.Subscription, gateway.Customer) {
	t.Helper()
	user := buyer()
	sub, secret, err := f.subscriptions.Open(ctx, OpenSubscriptionInput{
		User:             user,
		PlanID:           f.plan(t, "20").ID,
		PaymentMethodRef: "pm_card_visa",
		CouponCode:       couponCode,
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	return sub, user
}

func (f *fixture) renew(t *testing.T, sub *models.Subscription, start, end time.Time) {
	t.Helper()
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.RenewalSucceeded{
		Meta:            meta("invoice.paid"),
		SubscriptionRef: sub.ExternalRef,
		PeriodStart:     start,
		PeriodEnd:       end,
	}))
}

func (f *fixture) activeSubscription(t *testing.T) (*models.Subscription, gateway.Customer) {
	t.Helper()
	sub, user := f.openSubscription(t, "")
	f.renew(t, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	return f.reloadSubscription(t, user, sub), user
}

func (f *fixture) reloadSubscription(t *testing.T, user gateway.Customer, sub *models.Subscription) *models.Subscription {
	t.Helper()
	reloaded, err := f.subscriptions.Get(ctx, user.UserID, sub.ID)
	require.NoError(t, err)
	return reloaded
}

func TestOpen_StartsIncompleteWithoutAccess(t *testing.T) {
	f := newFixture(t)
	sub, user := f.openSubscription(t, "")

	assert.Equal(t, models.SubscriptionIncomplete, sub.Status)
	assert.Equal(t, 1, f.gw.Calls("create_subscription"))

	decision, err := f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.False(t, decision.HasAccess)
	assert.Equal(t, AccessNone, decision.Reason)
}

func TestOpen_UnknownPlan(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.subscriptions.Open(ctx, OpenSubscriptionInput{User: buyer(), PlanID: uuid.New()})
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.Equal(t, 0, f.gw.TotalCalls())
}

func TestOpen_GatewayFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, "20")
	f.gw.Err = gateway.ErrUnavailable

	_, _, err := f.subscriptions.Open(ctx, OpenSubscriptionInput{User: buyer(), PlanID: plan.ID})
	assert.Equal(t, KindUpstream, KindOf(err))

	var count int64
	require.NoError(t, f.db.Model(&models.Subscription{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestApplyEvent_RenewalActivates(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)

	assert.Equal(t, models.SubscriptionActive, sub.Status)

	decision, err := f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
	assert.Equal(t, AccessViaSubscription, decision.Reason)
	require.NotNil(t, decision.ExpiresAt)
	assert.True(t, decision.ExpiresAt.Equal(sub.CurrentPeriodEnd))
}

func TestApplyEvent_RenewalDuringTrialStaysTrialing(t *testing.T) {
	f := newFixture(t)
	sub, user := f.openSubscription(t, "")
	trialEnd := f.now.Add(7 * 24 * time.Hour)
	require.NoError(t, f.db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(map[string]interface{}{
		"trial_start": f.now,
		"trial_end":   trialEnd,
	}).Error)

	f.renew(t, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)

	assert.Equal(t, models.SubscriptionTrialing, f.reloadSubscription(t, user, sub).Status)
}

func TestApplyEvent_RepeatedRenewalIsNoOp(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	next := sub.CurrentPeriodEnd.Add(30 * 24 * time.Hour)
	evt := gateway.RenewalSucceeded{
		Meta:            meta("invoice.paid"),
		SubscriptionRef: sub.ExternalRef,
		PeriodStart:     sub.CurrentPeriodEnd,
		PeriodEnd:       next,
	}

	require.NoError(t, f.subscriptions.ApplyEvent(ctx, evt))
	once := f.reloadSubscription(t, user, sub)
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, evt))
	twice := f.reloadSubscription(t, user, sub)

	assert.Equal(t, models.SubscriptionActive, twice.Status)
	assert.True(t, once.CurrentPeriodEnd.Equal(next))
	assert.True(t, twice.CurrentPeriodEnd.Equal(next))
}

func TestApplyEvent_StaleEventsDoNotRewind(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	oldStart, oldEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	newEnd := oldEnd.Add(30 * 24 * time.Hour)

	f.renew(t, sub, oldEnd, newEnd)
	f.renew(t, sub, oldStart, oldEnd)
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.SubscriptionUpdated{
		Meta:            meta("customer.subscription.updated"),
		SubscriptionRef: sub.ExternalRef,
		Status:          string(models.SubscriptionPastDue),
		PeriodStart:     oldStart,
		PeriodEnd:       oldEnd,
	}))

	reloaded := f.reloadSubscription(t, user, sub)
	assert.Equal(t, models.SubscriptionActive, reloaded.Status)
	assert.True(t, reloaded.CurrentPeriodEnd.Equal(newEnd))
}

func TestApplyEvent_PastDueAndRecovery(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)

	nextEnd := sub.CurrentPeriodEnd.Add(30 * 24 * time.Hour)

	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.RenewalFailed{
		Meta:            meta("invoice.payment_failed"),
		SubscriptionRef: sub.ExternalRef,
		PeriodStart:     sub.CurrentPeriodEnd,
		PeriodEnd:       nextEnd,
	}))
	assert.Equal(t, models.SubscriptionPastDue, f.reloadSubscription(t, user, sub).Status)

	decision, err := f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.False(t, decision.HasAccess)

	f.renew(t, sub, sub.CurrentPeriodEnd, nextEnd)
	assert.Equal(t, models.SubscriptionActive, f.reloadSubscription(t, user, sub).Status)
}

func TestApplyEvent_LateRenewalFailureAfterPaymentIsDropped(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	oldStart, oldEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	newEnd := oldEnd.Add(30 * 24 * time.Hour)

	// The retried invoice was paid before its earlier failure is delivered.
	f.renew(t, sub, oldEnd, newEnd)
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.RenewalFailed{
		Meta:            meta("invoice.payment_failed"),
		SubscriptionRef: sub.ExternalRef,
		PeriodStart:     oldEnd,
		PeriodEnd:       newEnd,
	}))
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.RenewalFailed{
		Meta:            meta("invoice.payment_failed"),
		SubscriptionRef: sub.ExternalRef,
		PeriodStart:     oldStart,
		PeriodEnd:       oldEnd,
	}))

	reloaded := f.reloadSubscription(t, user, sub)
	assert.Equal(t, models.SubscriptionActive, reloaded.Status)
	assert.True(t, reloaded.CurrentPeriodEnd.Equal(newEnd))

	decision, err := f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
}

func TestApplyEvent_RenewalFailedOnCanceledIsNoOp(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	_, err := f.subscriptions.Cancel(ctx, user.UserID, sub.ID, true)
	require.NoError(t, err)

	err = f.subscriptions.ApplyEvent(ctx, gateway.RenewalFailed{
		Meta:            meta("invoice.payment_failed"),
		SubscriptionRef: sub.ExternalRef,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, f.reloadSubscription(t, user, sub).Status)
}

func TestApplyEvent_UpdatedMirrorsCancelAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	updated := gateway.SubscriptionUpdated{
		Meta:              meta("customer.subscription.updated"),
		SubscriptionRef:   sub.ExternalRef,
		Status:            string(models.SubscriptionActive),
		PeriodStart:       sub.CurrentPeriodStart,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: true,
	}

	require.NoError(t, f.subscriptions.ApplyEvent(ctx, updated))
	reloaded := f.reloadSubscription(t, user, sub)
	require.NotNil(t, reloaded.CancelAtPeriodEnd)
	assert.True(t, reloaded.CancelAtPeriodEnd.Equal(sub.CurrentPeriodEnd))

	updated.Meta = meta("customer.subscription.updated")
	updated.CancelAtPeriodEnd = false
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, updated))
	assert.Nil(t, f.reloadSubscription(t, user, sub).CancelAtPeriodEnd)
}

func TestApplyEvent_UnknownSubscription(t *testing.T) {
	f := newFixture(t)

	err := f.subscriptions.ApplyEvent(ctx, gateway.RenewalFailed{Meta: meta("invoice.payment_failed"), SubscriptionRef: "sub_missing"})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestApplyEvent_RedeemsCouponOnce(t *testing.T) {
	f := newFixture(t)
	f.coupon(t, "MEMBER", models.DiscountPercentage, "50", scope(models.ScopeSubscriptionsOnly), limit(10))
	sub, user := f.openSubscription(t, "member")
	assert.Equal(t, "MEMBER", sub.CouponCode)
	assert.Equal(t, 0, f.reloadCoupon(t, "MEMBER").UsageCount)

	f.renew(t, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	f.renew(t, sub, sub.CurrentPeriodEnd, sub.CurrentPeriodEnd.Add(30*24*time.Hour))
	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.SubscriptionUpdated{
		Meta:            meta("customer.subscription.updated"),
		SubscriptionRef: sub.ExternalRef,
		Status:          string(models.SubscriptionActive),
	}))

	coupon := f.reloadCoupon(t, "MEMBER")
	assert.Equal(t, 1, coupon.UsageCount)
	assertAmount(t, "10.00", coupon.TotalDiscounted)
	assert.True(t, f.reloadSubscription(t, user, sub).CouponRedeemed)
}

func TestCancel_DeferredKeepsAccessUntilDeleted(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)

	canceled, err := f.subscriptions.Cancel(ctx, user.UserID, sub.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, canceled.Status)
	require.NotNil(t, canceled.CancelAtPeriodEnd)
	assert.True(t, canceled.CancelAtPeriodEnd.Equal(sub.CurrentPeriodEnd))
	assert.Nil(t, canceled.CanceledAt)
	assert.Equal(t, 1, f.gw.Calls("cancel_subscription_at_period_end"))

	decision, err := f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)

	_, err = f.subscriptions.Cancel(ctx, user.UserID, sub.ID, false)
	assert.ErrorIs(t, err, ErrCancellationPending)

	require.NoError(t, f.subscriptions.ApplyEvent(ctx, gateway.SubscriptionDeleted{
		Meta:            meta("customer.subscription.deleted"),
		SubscriptionRef: sub.ExternalRef,
	}))
	ended := f.reloadSubscription(t, user, sub)
	assert.Equal(t, models.SubscriptionCanceled, ended.Status)
	assert.NotNil(t, ended.CanceledAt)

	decision, err = f.access.Resolve(ctx, user.UserID, uuid.New())
	require.NoError(t, err)
	assert.False(t, decision.HasAccess)
}

func TestCancel_ImmediatelyKeepsPurchasedItems(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	item := f.item(t, "10")
	f.completedPurchase(t, user.UserID, item.ID, "")

	canceled, err := f.subscriptions.Cancel(ctx, user.UserID, sub.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, canceled.Status)
	assert.NotNil(t, canceled.CanceledAt)
	assert.Equal(t, 1, f.gw.Calls("cancel_subscription"))

	decision, err := f.access.Resolve(ctx, user.UserID, item.ID)
	require.NoError(t, err)
	assert.True(t, decision.HasAccess)
	assert.Equal(t, AccessViaPurchase, decision.Reason)

	_, err = f.subscriptions.Cancel(ctx, user.UserID, sub.ID, true)
	assert.ErrorIs(t, err, ErrSubscriptionTerminated)
}

func TestCancel_OtherUsersSubscription(t *testing.T) {
	f := newFixture(t)
	sub, _ := f.activeSubscription(t)

	_, err := f.subscriptions.Cancel(ctx, uuid.New(), sub.ID, true)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.Equal(t, 0, f.gw.Calls("cancel_subscription"))
}

func TestCancel_GatewayFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	sub, user := f.activeSubscription(t)
	f.gw.Err = gateway.ErrUnavailable

	_, err := f.subscriptions.Cancel(ctx, user.UserID, sub.ID, true)
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Equal(t, models.SubscriptionActive, f.reloadSubscription(t, user, sub).Status)
}

func TestCancel_RowMovedByWebhookMidCancel(t *testing.T) {
	tests := []struct {
		name  string
		moved models.SubscriptionStatus
	}{
		{name: "moved to past_due is still cancelled", moved: models.SubscriptionPastDue},
		{name: "already cancelled by the processor", moved: models.SubscriptionCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub, user := f.activeSubscription(t)
			f.gw.OnCancelSubscription = func(ref string) {
				require.NoError(t, f.db.Model(&models.Subscription{}).
					Where("external_ref = ?", ref).
					Update("status", tt.moved).Error)
			}

			cancelled, err := f.subscriptions.Cancel(ctx, user.UserID, sub.ID, true)
			require.NoError(t, err)
			assert.Equal(t, models.SubscriptionCanceled, cancelled.Status)
			assert.Equal(t, models.SubscriptionCanceled, f.reloadSubscription(t, user, sub).Status)
		})
	}
}
