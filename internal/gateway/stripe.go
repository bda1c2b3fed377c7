package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string

	// Timeout bounds every outbound call.
	Timeout time.Duration

	// BreakerFailures consecutive failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Stripe implements Gateway on top of stripe-go. The API client is owned by the
// instance, nothing is registered on the stripe package globals.
type Stripe struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	breaker       *gobreaker.CircuitBreaker[any]
}

func NewStripe(cfg StripeConfig) *Stripe {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("gateway circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Stripe{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		timeout:       timeout,
		breaker:       breaker,
	}
}

func (s *Stripe) CreateCustomer(ctx context.Context, customer Customer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	if customer.Email != "" {
		params.Email = stripe.String(customer.Email)
	}
	params.AddMetadata("user_id", customer.UserID.String())

	res, err := s.call("create_customer", func() (any, error) {
		return s.api.Customers.New(params)
	})
	if err != nil {
		return "", err
	}
	return res.(*stripe.Customer).ID, nil
}

func (s *Stripe) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceRef)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
	}
	params.Context = ctx
	if req.PaymentMethodRef != "" {
		params.DefaultPaymentMethod = stripe.String(req.PaymentMethodRef)
	}
	if req.CouponCode != "" {
		params.Discounts = []*stripe.SubscriptionDiscountParams{
			{Coupon: stripe.String(req.CouponCode)},
		}
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.AddMetadata("user_id", req.UserID.String())
	params.AddExpand("latest_invoice.confirmation_secret")
	params.AddExpand("pending_setup_intent")

	res, err := s.call("create_subscription", func() (any, error) {
		return s.api.Subscriptions.New(params)
	})
	if err != nil {
		return nil, err
	}
	sub := res.(*stripe.Subscription)

	out := &SubscriptionResult{
		Ref:        sub.ID,
		TrialStart: unixPtr(sub.TrialStart),
		TrialEnd:   unixPtr(sub.TrialEnd),
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		out.ClientSecret = sub.LatestInvoice.ConfirmationSecret.ClientSecret
	} else if sub.PendingSetupIntent != nil {
		out.ClientSecret = sub.PendingSetupIntent.ClientSecret
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.PeriodStart = unixTime(sub.Items.Data[0].CurrentPeriodStart)
		out.PeriodEnd = unixTime(sub.Items.Data[0].CurrentPeriodEnd)
	}
	return out, nil
}

func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionRef string, immediately bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if immediately {
		params := &stripe.SubscriptionCancelParams{Prorate: stripe.Bool(false)}
		params.Context = ctx
		_, err := s.call("cancel_subscription", func() (any, error) {
			return s.api.Subscriptions.Cancel(subscriptionRef, params)
		})
		return err
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	_, err := s.call("cancel_subscription_at_period_end", func() (any, error) {
		return s.api.Subscriptions.Update(subscriptionRef, params)
	})
	return err
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinorUnits(req.Amount, req.Currency)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	res, err := s.call("create_payment_intent", func() (any, error) {
		return s.api.PaymentIntents.New(params)
	})
	if err != nil {
		return nil, err
	}
	pi := res.(*stripe.PaymentIntent)
	return &PaymentIntent{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
	}, nil
}

func (s *Stripe) RetrieveIntent(ctx context.Context, intentRef string) (IntentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	res, err := s.call("retrieve_payment_intent", func() (any, error) {
		return s.api.PaymentIntents.Get(intentRef, params)
	})
	if err != nil {
		return "", err
	}
	return IntentStatus(res.(*stripe.PaymentIntent).Status), nil
}

// CancelPaymentIntent voids an intent the buyer has not paid. Intents that
// already succeeded or are processing are refused with ErrRejected.
func (s *Stripe) CancelPaymentIntent(ctx context.Context, intentRef string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.call("cancel_payment_intent", func() (any, error) {
		return s.api.PaymentIntents.Cancel(intentRef, params)
	})
	return err
}

func (s *Stripe) VerifyEvent(rawBody []byte, signature string) (Event, error) {
	evt, err := webhook.ConstructEventWithOptions(rawBody, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return decodeStripeEvent(evt), nil
}

// call runs fn through the circuit breaker and classifies the failure.
func (s *Stripe) call(op string, fn func() (any, error)) (any, error) {
	res, err := s.breaker.Execute(fn)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || isTransient(err) {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrRejected, op, err)
}

// isTransient reports whether err is a transport failure or a processor-side
// fault worth retrying, as opposed to a request the processor refused.
func isTransient(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
	}
	return true
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

// toMinorUnits converts a major-unit amount into the integer the processor expects.
func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
