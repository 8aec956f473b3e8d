package billing_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotakit/pkg/billing"
	"github.com/dmitrymomot/quotakit/pkg/subscription"
)

const paddleSecret = "pdl_ntfset_test_secret"

func paddlePayload(t *testing.T, id, eventType string, data map[string]any) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"event_id":    id,
		"event_type":  eventType,
		"occurred_at": t0.Format(time.RFC3339Nano),
		"data":        data,
	})
	require.NoError(t, err)
	return body
}

func paddleSignature(payload []byte, secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":"))
	mac.Write(payload)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func paddleRequest(payload []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	req.Header.Set("Paddle-Signature", paddleSignature(payload, secret))
	return req
}

func newPaddleParser(t *testing.T) *billing.PaddleParser {
	t.Helper()
	p, err := billing.NewPaddleParser(billing.PaddleConfig{WebhookSecret: paddleSecret})
	require.NoError(t, err)
	return p
}

func TestPaddleParser(t *testing.T) {
	t.Parallel()

	p := newPaddleParser(t)

	t.Run("subscription updated", func(t *testing.T) {
		t.Parallel()

		payload := paddlePayload(t, "ntf_1", "subscription.updated", map[string]any{
			"id":            "sub_01",
			"status":        "past_due",
			"customer_id":   "ctm_01",
			"custom_data":   map[string]string{"tenant_id": "t-1", "plan_id": "basic"},
			"billing_cycle": map[string]any{"interval": "month", "frequency": 1},
			"items": []any{map[string]any{
				"price": map[string]any{"id": "pri_basic_monthly"},
			}},
		})
		ev, err := p.Parse(paddleRequest(payload, paddleSecret))
		require.NoError(t, err)

		assert.Equal(t, "ntf_1", ev.ID)
		assert.Equal(t, billing.ProviderPaddle, ev.Provider)
		assert.Equal(t, billing.KindSubscriptionUpdated, ev.Kind)
		assert.True(t, t0.Equal(ev.OccurredAt))
		assert.Equal(t, "sub_01", ev.SubscriptionRef)
		assert.Equal(t, "ctm_01", ev.CustomerRef)
		assert.Equal(t, "past_due", ev.ProviderStatus)
		assert.Equal(t, "pri_basic_monthly", ev.PriceRef)
		assert.Equal(t, "basic", ev.PlanID)
		assert.Equal(t, "t-1", ev.TenantRef)
		assert.Equal(t, subscription.CycleMonthly, ev.BillingCycle)
	})

	t.Run("trial dates", func(t *testing.T) {
		t.Parallel()

		end := t0.AddDate(0, 0, 14)
		payload := paddlePayload(t, "ntf_2", "subscription.created", map[string]any{
			"id":     "sub_01",
			"status": "trialing",
			"items": []any{map[string]any{
				"price":       map[string]any{"id": "pri_basic_monthly"},
				"trial_dates": map[string]any{"starts_at": t0.Format(time.RFC3339), "ends_at": end.Format(time.RFC3339)},
			}},
		})
		ev, err := p.Parse(paddleRequest(payload, paddleSecret))
		require.NoError(t, err)

		assert.Equal(t, billing.KindSubscriptionCreated, ev.Kind)
		require.NotNil(t, ev.TrialEnd)
		assert.True(t, end.Equal(*ev.TrialEnd))
		require.NotNil(t, ev.TrialStart)
		assert.True(t, t0.Equal(*ev.TrialStart))
	})

	t.Run("malformed entity is rejected", func(t *testing.T) {
		t.Parallel()

		payload := paddlePayload(t, "ntf_9", "subscription.updated", map[string]any{
			"id": "sub_01", "items": "not-a-list",
		})
		_, err := p.Parse(paddleRequest(payload, paddleSecret))
		assert.ErrorIs(t, err, billing.ErrMalformedEvent)
	})

	t.Run("transaction origin decides checkout or renewal", func(t *testing.T) {
		t.Parallel()

		checkout := paddlePayload(t, "ntf_3", "transaction.completed", map[string]any{
			"id": "txn_1", "origin": "web", "subscription_id": "sub_01", "customer_id": "ctm_01",
			"custom_data": map[string]any{"tenant_id": "t-1", "plan_id": "basic"},
			"items": []any{map[string]any{
				"price":    map[string]any{"id": "pri_basic_monthly", "billing_cycle": map[string]any{"interval": "year", "frequency": 1}},
				"quantity": 1,
			}},
		})
		ev, err := p.Parse(paddleRequest(checkout, paddleSecret))
		require.NoError(t, err)
		assert.Equal(t, billing.KindCheckoutCompleted, ev.Kind)
		assert.Equal(t, "sub_01", ev.SubscriptionRef)
		assert.Equal(t, "pri_basic_monthly", ev.PriceRef)
		assert.Equal(t, "ctm_01", ev.CustomerRef)
		assert.Equal(t, "t-1", ev.TenantRef)
		assert.Equal(t, "basic", ev.PlanID)
		assert.Equal(t, subscription.CycleYearly, ev.BillingCycle)

		renewal := paddlePayload(t, "ntf_4", "transaction.completed", map[string]any{
			"id": "txn_2", "origin": "subscription_recurring", "subscription_id": "sub_01",
		})
		ev, err = p.Parse(paddleRequest(renewal, paddleSecret))
		require.NoError(t, err)
		assert.Equal(t, billing.KindPaymentSucceeded, ev.Kind)
	})

	t.Run("canceled and payment failed", func(t *testing.T) {
		t.Parallel()

		ev, err := p.Parse(paddleRequest(paddlePayload(t, "ntf_5", "subscription.canceled",
			map[string]any{"id": "sub_01", "status": "canceled"}), paddleSecret))
		require.NoError(t, err)
		assert.Equal(t, billing.KindSubscriptionDeleted, ev.Kind)

		ev, err = p.Parse(paddleRequest(paddlePayload(t, "ntf_6", "transaction.payment_failed",
			map[string]any{"id": "txn_3", "subscription_id": "sub_01"}), paddleSecret))
		require.NoError(t, err)
		assert.Equal(t, billing.KindPaymentFailed, ev.Kind)
		assert.Equal(t, "sub_01", ev.SubscriptionRef)
	})

	t.Run("unhandled type has no kind", func(t *testing.T) {
		t.Parallel()

		ev, err := p.Parse(paddleRequest(paddlePayload(t, "ntf_7", "customer.created",
			map[string]any{"id": "ctm_01"}), paddleSecret))
		require.NoError(t, err)
		assert.Empty(t, ev.Kind)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()

		payload := paddlePayload(t, "ntf_8", "subscription.updated", map[string]any{"id": "sub_01"})
		_, err := p.Parse(paddleRequest(payload, "other_secret"))
		assert.ErrorIs(t, err, billing.ErrSignatureVerification)
	})
}
