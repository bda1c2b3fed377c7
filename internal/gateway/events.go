package gateway

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a verified processor event. The set of implementations is closed:
// RenewalSucceeded, RenewalFailed, SubscriptionUpdated, SubscriptionDeleted,
// PaymentSucceeded and Unknown.
type Event interface {
	Envelope() Meta
	isEvent()
}

// Meta is the part every event carries regardless of kind.
type Meta struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

func (m Meta) Envelope() Meta { return m }
func (Meta) isEvent()         {}

// RenewalSucceeded is a paid subscription invoice; the period is the one just paid for.
type RenewalSucceeded struct {
	Meta
	SubscriptionRef string
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

// RenewalFailed is an unpaid subscription invoice for the period it billed.
type RenewalFailed struct {
	Meta
	SubscriptionRef string
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

type SubscriptionUpdated struct {
	Meta
	SubscriptionRef   string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
}

type SubscriptionDeleted struct {
	Meta
	SubscriptionRef string
	CanceledAt      *time.Time
}

type PaymentSucceeded struct {
	Meta
	IntentRef string
	Amount    decimal.Decimal
	Currency  string
}

// Unknown carries events the core does not act on.
type Unknown struct {
	Meta
}
