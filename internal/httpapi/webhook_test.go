package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/slipgate/internal/ratelimit"
	"github.com/rcourtman/slipgate/internal/registry"
)

const testWebhookSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func checkoutEvent(id, orderID, paymentStatus string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1","object":"checkout.session","payment_status":%q,"metadata":{"order_id":%q}}}}`,
		id, paymentStatus, orderID)
}

func TestWebhookCheckoutMarksOrderPaid(t *testing.T) {
	h := newAPIHarness(t)
	o, _, err := h.svc.StartPurchase(t.Context(), "buyer-1", "7")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("evt_1", o.ID, "paid")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[webhookReceivedResponse](t, rec)
	assert.True(t, resp.Received)
	assert.Equal(t, o.ID, resp.OrderID)
	assert.Equal(t, string(registry.OrderStatusPaid), resp.Status)
	assert.True(t, h.fake.MemberHasRole("buyer-1", "role-7"))

	// A redelivered event is acknowledged without a second grant.
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("evt_1", o.ID, "paid")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.fake.RoleAdds)
}

func TestWebhookIgnoresUnpaidAndUnknownOrders(t *testing.T) {
	h := newAPIHarness(t)
	o, _, err := h.svc.StartPurchase(t.Context(), "buyer-1", "7")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "unpaid", payload: checkoutEvent("evt_2", o.ID, "unpaid")},
		{name: "unknown order", payload: checkoutEvent("evt_3", "INV-MISSING", "paid")},
		{name: "no reference", payload: checkoutEvent("evt_4", "", "paid")},
		{name: "unhandled type", payload: `{"id":"evt_5","object":"event","type":"invoice.created","data":{"object":{}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, tt.payload))
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}

	latest, err := h.store.Orders().Get(t.Context(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusPending, latest.Status)
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	h := newAPIHarness(t)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", checkoutEvent("evt_6", "INV-1", "paid")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(`{}`)))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookWithoutSecret(t *testing.T) {
	handler := NewWebhookHandler("", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("evt_7", "INV-1", "paid")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookIsRateLimited(t *testing.T) {
	h := newAPIHarness(t)
	h.deps.WebhookLimiter = ratelimit.New(1, time.Minute, h.clock)
	handler := NewHandler(h.deps)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("evt_8", "", "paid")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, checkoutEvent("evt_9", "", "paid")))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckoutSessionOrderID(t *testing.T) {
	assert.Equal(t, "INV-1", CheckoutSession{Metadata: map[string]string{"order_id": " INV-1 "}}.OrderID())
	assert.Equal(t, "INV-2", CheckoutSession{ClientReferenceID: "INV-2"}.OrderID())
	assert.Empty(t, CheckoutSession{}.OrderID())
}
