package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	ProviderStripe = "stripe"

	stripeSignatureHeader = "Stripe-Signature"

	// Metadata keys written at checkout and echoed back on subscription objects.
	metaTenantID = "tenant_id"
	metaPlanID   = "plan_id"
)

// StripeConfig holds configuration for Stripe webhooks.
type StripeConfig struct {
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripeParser verifies Stripe webhook signatures and normalizes payloads.
type StripeParser struct {
	secret    string
	tolerance time.Duration
	maxBody   int64
}

// NewStripeParser returns ErrMissingWebhookSecret if the secret is empty.
func NewStripeParser(cfg StripeConfig) (*StripeParser, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe", ErrMissingWebhookSecret)
	}
	return &StripeParser{
		secret:    cfg.WebhookSecret,
		tolerance: webhook.DefaultTolerance,
		maxBody:   maxWebhookBody,
	}, nil
}

func (p *StripeParser) Provider() string { return ProviderStripe }

// Parse reads and verifies the request body. Event types outside the handled
// set parse successfully with an empty Kind.
func (p *StripeParser) Parse(r *http.Request) (Event, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	se, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(stripeSignatureHeader), p.secret,
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSignatureVerification, err)
	}

	return parseStripeEvent(se)
}

func parseStripeEvent(se stripe.Event) (Event, error) {
	ev := Event{
		ID:           se.ID,
		Provider:     ProviderStripe,
		ProviderType: string(se.Type),
		OccurredAt:   time.Unix(se.Created, 0).UTC(),
	}
	if se.Data == nil {
		return ev, fmt.Errorf("%w: stripe event %s has no data", ErrMalformedEvent, se.ID)
	}
	ev.Raw = se.Data.Raw

	var err error
	switch ev.ProviderType {
	case "checkout.session.completed":
		ev.Kind = KindCheckoutCompleted
		err = fillFromCheckout(&ev, se.Data.Raw)
	case "customer.subscription.created":
		ev.Kind = KindSubscriptionCreated
		err = fillFromSubscription(&ev, se.Data.Raw)
	case "customer.subscription.updated":
		ev.Kind = KindSubscriptionUpdated
		err = fillFromSubscription(&ev, se.Data.Raw)
	case "customer.subscription.deleted":
		ev.Kind = KindSubscriptionDeleted
		err = fillFromSubscription(&ev, se.Data.Raw)
	case "invoice.payment_succeeded", "invoice.paid":
		ev.Kind = KindPaymentSucceeded
		err = fillFromInvoice(&ev, se.Data.Raw)
	case "invoice.payment_failed":
		ev.Kind = KindPaymentFailed
		err = fillFromInvoice(&ev, se.Data.Raw)
	}
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, ev.ProviderType, err)
	}
	return ev, nil
}

func fillFromCheckout(ev *Event, raw json.RawMessage) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	ev.TenantRef = cs.ClientReferenceID
	if ev.TenantRef == "" {
		ev.TenantRef = cs.Metadata[metaTenantID]
	}
	ev.PlanID = cs.Metadata[metaPlanID]
	if cs.Customer != nil {
		ev.CustomerRef = cs.Customer.ID
	}
	if cs.Subscription != nil {
		ev.SubscriptionRef = cs.Subscription.ID
		// Present only when the session was retrieved with the subscription expanded.
		fillSubscriptionDetails(ev, cs.Subscription)
	}
	return nil
}

func fillFromSubscription(ev *Event, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	if sub.ID == "" {
		return errors.New("subscription id missing")
	}
	ev.SubscriptionRef = sub.ID
	ev.ProviderStatus = string(sub.Status)
	ev.TenantRef = sub.Metadata[metaTenantID]
	ev.PlanID = sub.Metadata[metaPlanID]
	if sub.Customer != nil {
		ev.CustomerRef = sub.Customer.ID
	}
	fillSubscriptionDetails(ev, &sub)
	return nil
}

func fillSubscriptionDetails(ev *Event, sub *stripe.Subscription) {
	ev.TrialStart = unixTime(sub.TrialStart)
	ev.TrialEnd = unixTime(sub.TrialEnd)
	if ev.PlanID == "" {
		ev.PlanID = sub.Metadata[metaPlanID]
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return
	}
	if price := sub.Items.Data[0].Price; price != nil {
		ev.PriceRef = price.ID
		if price.Recurring != nil {
			ev.BillingCycle = mapInterval(string(price.Recurring.Interval))
		}
	}
}

func fillFromInvoice(ev *Event, raw json.RawMessage) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	if inv.Customer != nil {
		ev.CustomerRef = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if details.Subscription != nil {
			ev.SubscriptionRef = details.Subscription.ID
		}
		ev.TenantRef = details.Metadata[metaTenantID]
	}
	return nil
}
