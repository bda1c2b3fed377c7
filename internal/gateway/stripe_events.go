package gateway

import (
	"encoding/json"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
)

// The payload shapes below only name the fields the core reads. Decoding into
// them instead of stripe's typed objects keeps older and newer API versions
// working (period fields moved from the subscription to its items).

type stripeInvoicePayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodStart int64 `json:"period_start"`
	PeriodEnd   int64 `json:"period_end"`
	Lines       struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (p *stripeInvoicePayload) subscriptionRef() string {
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil && p.Parent.SubscriptionDetails.Subscription != "" {
		return p.Parent.SubscriptionDetails.Subscription
	}
	return p.Subscription
}

// period returns the latest line period, which is the one the invoice billed.
func (p *stripeInvoicePayload) period() (int64, int64) {
	var start, end int64
	for _, line := range p.Lines.Data {
		if line.Period.End > end {
			start, end = line.Period.Start, line.Period.End
		}
	}
	if end == 0 {
		return p.PeriodStart, p.PeriodEnd
	}
	return start, end
}

type stripeSubscriptionPayload struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
	EndedAt            int64  `json:"ended_at"`
	TrialStart         int64  `json:"trial_start"`
	TrialEnd           int64  `json:"trial_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p *stripeSubscriptionPayload) period() (int64, int64) {
	if len(p.Items.Data) > 0 && p.Items.Data[0].CurrentPeriodEnd != 0 {
		return p.Items.Data[0].CurrentPeriodStart, p.Items.Data[0].CurrentPeriodEnd
	}
	return p.CurrentPeriodStart, p.CurrentPeriodEnd
}

type stripePaymentIntentPayload struct {
	ID             string `json:"id"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
}

func decodeStripeEvent(evt stripe.Event) Event {
	meta := Meta{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return Unknown{Meta: meta}
	}
	meta.Payload = evt.Data.Raw

	switch evt.Type {
	case "invoice.payment_succeeded", "invoice.paid":
		var inv stripeInvoicePayload
		if !decodePayload(meta, &inv) || inv.subscriptionRef() == "" {
			return Unknown{Meta: meta}
		}
		start, end := inv.period()
		return RenewalSucceeded{
			Meta:            meta,
			SubscriptionRef: inv.subscriptionRef(),
			PeriodStart:     unixTime(start),
			PeriodEnd:       unixTime(end),
		}

	case "invoice.payment_failed":
		var inv stripeInvoicePayload
		if !decodePayload(meta, &inv) || inv.subscriptionRef() == "" {
			return Unknown{Meta: meta}
		}
		start, end := inv.period()
		return RenewalFailed{
			Meta:            meta,
			SubscriptionRef: inv.subscriptionRef(),
			PeriodStart:     unixTime(start),
			PeriodEnd:       unixTime(end),
		}

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeSubscriptionPayload
		if !decodePayload(meta, &sub) || sub.ID == "" {
			return Unknown{Meta: meta}
		}
		start, end := sub.period()
		return SubscriptionUpdated{
			Meta:              meta,
			SubscriptionRef:   sub.ID,
			Status:            sub.Status,
			PeriodStart:       unixTime(start),
			PeriodEnd:         unixTime(end),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			CanceledAt:        unixPtr(sub.CanceledAt),
			TrialStart:        unixPtr(sub.TrialStart),
			TrialEnd:          unixPtr(sub.TrialEnd),
		}

	case "customer.subscription.deleted":
		var sub stripeSubscriptionPayload
		if !decodePayload(meta, &sub) || sub.ID == "" {
			return Unknown{Meta: meta}
		}
		canceledAt := unixPtr(sub.CanceledAt)
		if canceledAt == nil {
			canceledAt = unixPtr(sub.EndedAt)
		}
		return SubscriptionDeleted{Meta: meta, SubscriptionRef: sub.ID, CanceledAt: canceledAt}

	case "payment_intent.succeeded":
		var pi stripePaymentIntentPayload
		if !decodePayload(meta, &pi) || pi.ID == "" {
			return Unknown{Meta: meta}
		}
		return PaymentSucceeded{
			Meta:      meta,
			IntentRef: pi.ID,
			Amount:    fromMinorUnits(pi.AmountReceived, pi.Currency),
			Currency:  pi.Currency,
		}
	}

	return Unknown{Meta: meta}
}

func decodePayload(meta Meta, dst any) bool {
	if err := json.Unmarshal(meta.Payload, dst); err != nil {
		slog.Warn("undecodable stripe event payload", "event_id", meta.ID, "event_type", meta.Type, "error", err)
		return false
	}
	return true
}
