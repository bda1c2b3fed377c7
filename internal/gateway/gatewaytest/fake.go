// Package gatewaytest provides an in-memory gateway.Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/billing-core/internal/gateway"
)

// Gateway records every call and answers from configurable state.
type Gateway struct {
	mu sync.Mutex

	// Secret is the only signature VerifyEvent accepts.
	Secret string
	// Err, when set, is returned by every outbound call.
	Err error
	// Statuses answers RetrieveIntent; unknown intents report requires_payment_method.
	Statuses map[string]gateway.IntentStatus
	// Events maps a raw webhook body to the event it decodes to.
	Events map[string]gateway.Event
	// PeriodLength is the period length CreateSubscription reports.
	PeriodLength time.Duration
	// OnCancelSubscription runs after a successful CancelSubscription call.
	OnCancelSubscription func(subscriptionRef string)

	calls map[string]int
	seq   int
	now   func() time.Time
}

func New() *Gateway {
	return &Gateway{
		Secret:       "whsec_test",
		Statuses:     make(map[string]gateway.IntentStatus),
		Events:       make(map[string]gateway.Event),
		PeriodLength: 30 * 24 * time.Hour,
		calls:        make(map[string]int),
		now:          time.Now,
	}
}

// Calls returns how many times op was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// TotalCalls returns the number of outbound calls of any kind.
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, n := range g.calls {
		total += n
	}
	return total
}

func (g *Gateway) SetStatus(intentRef string, status gateway.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Statuses[intentRef] = status
}

func (g *Gateway) AddEvent(body string, evt gateway.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Events[body] = evt
}

func (g *Gateway) record(op string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	g.seq++
	return g.seq, g.Err
}

func (g *Gateway) CreateCustomer(_ context.Context, customer gateway.Customer) (string, error) {
	n, err := g.record("create_customer")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("cus_%d", n), nil
}

func (g *Gateway) CreateSubscription(_ context.Context, req gateway.SubscriptionRequest) (*gateway.SubscriptionResult, error) {
	n, err := g.record("create_subscription")
	if err != nil {
		return nil, err
	}
	start := g.now().UTC().Truncate(time.Second)
	return &gateway.SubscriptionResult{
		Ref:          fmt.Sprintf("sub_%d", n),
		ClientSecret: fmt.Sprintf("seti_%d_secret", n),
		PeriodStart:  start,
		PeriodEnd:    start.Add(g.PeriodLength),
	}, nil
}

func (g *Gateway) CancelSubscription(_ context.Context, subscriptionRef string, immediately bool) error {
	op := "cancel_subscription_at_period_end"
	if immediately {
		op = "cancel_subscription"
	}
	if _, err := g.record(op); err != nil {
		return err
	}
	if g.OnCancelSubscription != nil {
		g.OnCancelSubscription(subscriptionRef)
	}
	return nil
}

func (g *Gateway) CreatePaymentIntent(_ context.Context, req gateway.PaymentIntentRequest) (*gateway.PaymentIntent, error) {
	n, err := g.record("create_payment_intent")
	if err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("pi_%d", n)
	return &gateway.PaymentIntent{
		Ref:          ref,
		ClientSecret: ref + "_secret",
		Status:       gateway.IntentRequiresPaymentMethod,
	}, nil
}

func (g *Gateway) RetrieveIntent(_ context.Context, intentRef string) (gateway.IntentStatus, error) {
	if _, err := g.record("retrieve_intent"); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if status, ok := g.Statuses[intentRef]; ok {
		return status, nil
	}
	return gateway.IntentRequiresPaymentMethod, nil
}

// CancelPaymentIntent refuses intents that succeeded or are processing, like
// the processor does, and marks any other intent canceled.
func (g *Gateway) CancelPaymentIntent(_ context.Context, intentRef string) error {
	if _, err := g.record("cancel_payment_intent"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.Statuses[intentRef] {
	case gateway.IntentSucceeded, gateway.IntentProcessing:
		return fmt.Errorf("%w: intent %s is %s", gateway.ErrRejected, intentRef, g.Statuses[intentRef])
	}
	g.Statuses[intentRef] = gateway.IntentCanceled
	return nil
}

func (g *Gateway) VerifyEvent(rawBody []byte, signature string) (gateway.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if signature != g.Secret {
		return nil, gateway.ErrSignatureInvalid
	}
	if evt, ok := g.Events[string(rawBody)]; ok {
		return evt, nil
	}
	return gateway.Unknown{Meta: gateway.Meta{ID: "evt_unregistered", Type: "test.unknown", Payload: rawBody}}, nil
}
