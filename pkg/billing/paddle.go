package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddlenotification"
)

const (
	ProviderPaddle = "paddle"

	paddleSignatureHeader = "Paddle-Signature"
)

// PaddleConfig holds configuration for Paddle webhooks.
type PaddleConfig struct {
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
}

// PaddleParser verifies Paddle webhook signatures and normalizes payloads.
type PaddleParser struct {
	verifier *paddle.WebhookVerifier
	maxBody  int64
}

// NewPaddleParser returns ErrMissingWebhookSecret if the secret is empty.
func NewPaddleParser(cfg PaddleConfig) (*PaddleParser, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: paddle", ErrMissingWebhookSecret)
	}
	return &PaddleParser{
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		maxBody:  maxWebhookBody,
	}, nil
}

func (p *PaddleParser) Provider() string { return ProviderPaddle }

// paddleEnvelope is the notification wrapper; data is decoded into the SDK's
// notification entity for the event type.
type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Parse reads and verifies the request body. Event types outside the handled
// set parse successfully with an empty Kind.
func (p *PaddleParser) Parse(r *http.Request) (Event, error) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	verify, err := http.NewRequestWithContext(r.Context(), http.MethodPost, r.URL.String(), bytes.NewReader(payload))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	verify.Header.Set(paddleSignatureHeader, r.Header.Get(paddleSignatureHeader))

	ok, err := p.verifier.Verify(verify)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSignatureVerification, err)
	}
	if !ok {
		return Event{}, ErrSignatureVerification
	}

	return parsePaddleEvent(payload)
}

func parsePaddleEvent(payload []byte) (Event, error) {
	var n paddleEnvelope
	if err := json.Unmarshal(payload, &n); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	ev := Event{
		ID:           n.EventID,
		Provider:     ProviderPaddle,
		ProviderType: n.EventType,
		OccurredAt:   n.OccurredAt.UTC(),
		Raw:          n.Data,
	}
	if len(n.Data) == 0 {
		return ev, nil
	}

	var err error
	switch {
	case strings.HasPrefix(n.EventType, "subscription."):
		err = fillFromPaddleSubscription(&ev, n.Data)
	case strings.HasPrefix(n.EventType, "transaction."):
		err = fillFromPaddleTransaction(&ev, n.Data)
	}
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %w", ErrMalformedEvent, n.EventType, err)
	}
	return ev, nil
}

func fillFromPaddleSubscription(ev *Event, data json.RawMessage) error {
	switch ev.ProviderType {
	case "subscription.created":
		ev.Kind = KindSubscriptionCreated
	case "subscription.updated", "subscription.past_due", "subscription.activated", "subscription.resumed":
		ev.Kind = KindSubscriptionUpdated
	case "subscription.canceled":
		ev.Kind = KindSubscriptionDeleted
	default:
		return nil
	}

	var sub paddlenotification.SubscriptionNotification
	if err := json.Unmarshal(data, &sub); err != nil {
		return err
	}
	ev.SubscriptionRef = sub.ID
	ev.CustomerRef = sub.CustomerID
	ev.ProviderStatus = string(sub.Status)
	ev.BillingCycle = mapInterval(string(sub.BillingCycle.Interval))
	fillFromPaddleCustomData(ev, sub.CustomData)

	if len(sub.Items) == 0 {
		return nil
	}
	item := sub.Items[0]
	fillFromPaddlePrice(ev, item.Price)
	if item.TrialDates != nil && item.TrialDates.EndsAt != "" {
		end, err := time.Parse(time.RFC3339, item.TrialDates.EndsAt)
		if err != nil {
			return err
		}
		end = end.UTC()
		ev.TrialEnd = &end
		if start, err := time.Parse(time.RFC3339, item.TrialDates.StartsAt); err == nil {
			start = start.UTC()
			ev.TrialStart = &start
		}
	}
	return nil
}

func fillFromPaddleTransaction(ev *Event, data json.RawMessage) error {
	var txn paddlenotification.TransactionNotification
	if err := json.Unmarshal(data, &txn); err != nil {
		return err
	}
	subID := deref(txn.SubscriptionID)
	checkout := txn.Origin == paddlenotification.TransactionOriginWeb || txn.Origin == paddlenotification.TransactionOriginAPI

	switch ev.ProviderType {
	case "transaction.completed":
		// Renewals complete transactions too; only checkout-originated ones switch plans.
		if checkout {
			ev.Kind = KindCheckoutCompleted
		} else if subID != "" {
			ev.Kind = KindPaymentSucceeded
		}
	case "transaction.paid":
		if subID != "" && !checkout {
			ev.Kind = KindPaymentSucceeded
		}
	case "transaction.payment_failed":
		ev.Kind = KindPaymentFailed
	}
	if ev.Kind == "" {
		return nil
	}

	ev.SubscriptionRef = subID
	ev.CustomerRef = deref(txn.CustomerID)
	fillFromPaddleCustomData(ev, txn.CustomData)
	if len(txn.Items) > 0 {
		fillFromPaddlePrice(ev, txn.Items[0].Price)
	}
	return nil
}

func fillFromPaddleCustomData(ev *Event, data paddlenotification.CustomData) {
	ev.TenantRef = customString(data, "tenant_id")
	ev.PlanID = customString(data, "plan_id")
}

func fillFromPaddlePrice(ev *Event, price paddlenotification.Price) {
	ev.PriceRef = price.ID
	if ev.BillingCycle == "" && price.BillingCycle != nil {
		ev.BillingCycle = mapInterval(string(price.BillingCycle.Interval))
	}
}

func customString(data paddlenotification.CustomData, key string) string {
	v, _ := data[key].(string)
	return v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
