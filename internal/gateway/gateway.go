// Package gateway is the narrow surface through which the billing core talks
// to the payment processor.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
	ErrUnavailable      = errors.New("payment gateway unavailable")
	ErrRejected         = errors.New("payment gateway rejected the request")
)

type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
)

// Customer identifies the user a processor customer is created for.
type Customer struct {
	UserID uuid.UUID
	Email  string
}

type SubscriptionRequest struct {
	UserID           uuid.UUID
	CustomerRef      string
	PriceRef         string
	PaymentMethodRef string
	CouponCode       string
	TrialDays        int
}

type SubscriptionResult struct {
	Ref          string
	ClientSecret string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	TrialStart   *time.Time
	TrialEnd     *time.Time
}

type PaymentIntentRequest struct {
	CustomerRef string
	Amount      decimal.Decimal
	Currency    string
	Metadata    map[string]string
}

type PaymentIntent struct {
	Ref          string
	ClientSecret string
	Status       IntentStatus
}

// Gateway is implemented by the payment processor adapter. Implementations
// return errors wrapping ErrUnavailable for transport failures and ErrRejected
// when the processor refused the request.
type Gateway interface {
	CreateCustomer(ctx context.Context, customer Customer) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error)
	CancelSubscription(ctx context.Context, subscriptionRef string, immediately bool) error
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntent, error)
	RetrieveIntent(ctx context.Context, intentRef string) (IntentStatus, error)
	CancelPaymentIntent(ctx context.Context, intentRef string) error
	VerifyEvent(rawBody []byte, signature string) (Event, error)
}
