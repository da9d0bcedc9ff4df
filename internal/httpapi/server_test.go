package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/slipgate/internal/auth"
	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/config"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/keylock"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform/discord"
	"github.com/rcourtman/slipgate/internal/platform/platformtest"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/verify"
	"github.com/rcourtman/slipgate/internal/workflow"
)

const testAdminKey = "test-admin-key-0123456789"

type apiHarness struct {
	handler http.Handler
	deps    *Deps
	svc     *workflow.Service
	store   *registry.Store
	fake    *platformtest.Fake
	clock   *clock.Manual
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "slipgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := platformtest.New()
	clk := clock.NewManual(time.Date(2024, 11, 14, 15, 0, 0, 0, time.UTC))
	svc := workflow.NewService(workflow.Deps{
		Orders:       store.Orders(),
		Entitlements: store.Entitlements(),
		Catalog: config.NewCatalog([]config.Plan{
			{ID: "7", Label: "7 days", Price: 80, DurationDays: 7, RoleID: "role-7"},
		}),
		Extractor: evidence.NewExtractor(nil),
		Policy:    verify.Policy{PayeeIdentifiers: []string{"ACME Co."}, Tolerance: 0.5, HashThreshold: 8},
		Notifier:  notify.NewDispatcher(fake, notify.Config{AdminChannelID: "admin"}),
		Platform:  fake,
		Locks:     keylock.New(),
		Clock:     clk,
	})

	deps := &Deps{
		Store:         store,
		Workflow:      svc,
		AdminKeys:     auth.NewKeyChecker(testAdminKey, ""),
		WebhookSecret: testWebhookSecret,
		Gateway: func() discord.GatewayStatus {
			return discord.GatewayStatus{Connected: true, SessionID: "sess-1"}
		},
		Clock:   clk,
		Version: "test-version",
	}
	return &apiHarness{handler: NewHandler(deps), deps: deps, svc: svc, store: store, fake: fake, clock: clk}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if admin {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// orderUnderReview creates an order and submits evidence that needs a human.
func (h *apiHarness) orderUnderReview(t *testing.T, buyer string) *registry.Order {
	t.Helper()
	ctx := context.Background()
	o, _, err := h.svc.StartPurchase(ctx, buyer, "7")
	require.NoError(t, err)
	res, err := h.svc.SubmitEvidence(ctx, buyer, workflow.Submission{Evidence: evidence.Link("hello there")})
	require.NoError(t, err)
	require.Equal(t, registry.OrderStatusPendingReview, res.Order.Status)
	return o
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestProbes(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		path string
		code int
		body string
	}{
		{path: "/", code: http.StatusOK, body: "Bot Running"},
		{path: "/healthz", code: http.StatusOK, body: "ok"},
		{path: "/readyz", code: http.StatusOK, body: "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, tt.path, nil, false)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/nope", nil, false).Code)
}

func TestReadyzWithoutStore(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleReadyz(nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", rec.Body.String())
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestAdminRoutesRequireKey(t *testing.T) {
	h := newAPIHarness(t)

	for _, path := range []string{"/admin/orders", "/admin/entitlements", "/status", "/metrics"} {
		rec := h.do(t, http.MethodGet, path, nil, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPublicMetrics(t *testing.T) {
	h := newAPIHarness(t)
	h.deps.PublicMetrics = true
	handler := NewHandler(h.deps)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slipgate_")
}

func TestListOrders(t *testing.T) {
	h := newAPIHarness(t)
	review := h.orderUnderReview(t, "buyer-1")
	_, _, err := h.svc.StartPurchase(context.Background(), "buyer-2", "7")
	require.NoError(t, err)

	all := decodeBody[struct {
		Orders []registry.Order `json:"orders"`
		Count  int              `json:"count"`
	}](t, h.do(t, http.MethodGet, "/admin/orders", nil, true))
	assert.Equal(t, 2, all.Count)

	filtered := decodeBody[struct {
		Orders []registry.Order `json:"orders"`
	}](t, h.do(t, http.MethodGet, "/admin/orders?status=pending_review", nil, true))
	require.Len(t, filtered.Orders, 1)
	assert.Equal(t, review.ID, filtered.Orders[0].ID)

	limited := decodeBody[struct {
		Count int `json:"count"`
	}](t, h.do(t, http.MethodGet, "/admin/orders?limit=1", nil, true))
	assert.Equal(t, 1, limited.Count)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/admin/orders?status=bogus", nil, true).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/admin/orders?limit=-3", nil, true).Code)
}

func TestGetOrder(t *testing.T) {
	h := newAPIHarness(t)
	o := h.orderUnderReview(t, "buyer-1")

	rec := h.do(t, http.MethodGet, "/admin/orders/"+o.ID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[orderDetail](t, rec)
	assert.Equal(t, o.ID, detail.Order.ID)
	assert.Nil(t, detail.Entitlement)
	require.NotEmpty(t, detail.Events)
	assert.Equal(t, registry.EventCreated, detail.Events[0].Kind)

	missing := h.do(t, http.MethodGet, "/admin/orders/INV-NOPE", nil, true)
	assert.Equal(t, http.StatusNotFound, missing.Code)
	apiErr := decodeBody[APIError](t, missing)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestApproveThroughAPI(t *testing.T) {
	h := newAPIHarness(t)
	o := h.orderUnderReview(t, "buyer-1")

	rec := h.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/approve", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[decisionResponse](t, rec)
	assert.True(t, first.Changed)
	assert.Equal(t, registry.OrderStatusPaid, first.Order.Status)
	assert.Equal(t, ActorAdminAPI, first.Order.DecidedBy)
	assert.True(t, h.fake.MemberHasRole("buyer-1", "role-7"))

	again := decodeBody[decisionResponse](t, h.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/approve", nil, true))
	assert.False(t, again.Changed)

	ents := decodeBody[struct {
		Entitlements []registry.Entitlement `json:"entitlements"`
		Count        int                    `json:"count"`
	}](t, h.do(t, http.MethodGet, "/admin/entitlements", nil, true))
	require.Equal(t, 1, ents.Count)
	assert.Equal(t, o.ID, ents.Entitlements[0].OrderID)

	byBuyer := decodeBody[struct {
		Count int `json:"count"`
	}](t, h.do(t, http.MethodGet, "/admin/entitlements?buyer=someone-else", nil, true))
	assert.Equal(t, 0, byBuyer.Count)

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/admin/orders/"+o.ID+"/approve", nil, true).Code)
}

func TestRejectThroughAPI(t *testing.T) {
	h := newAPIHarness(t)
	o := h.orderUnderReview(t, "buyer-1")
	path := "/admin/orders/" + o.ID + "/reject"

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("not json"))
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, path, rejectRequest{Reason: " "}, true).Code)

	rec = h.do(t, http.MethodPost, path, rejectRequest{Reason: "wrong amount"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decodeBody[decisionResponse](t, rec)
	assert.True(t, d.Changed)
	assert.Equal(t, registry.OrderStatusRejected, d.Order.Status)
	assert.Equal(t, "wrong amount", d.Order.DecisionReason)

	// A rejected order cannot be approved afterwards.
	late := decodeBody[decisionResponse](t, h.do(t, http.MethodPost, "/admin/orders/"+o.ID+"/approve", nil, true))
	assert.False(t, late.Changed)
	assert.Equal(t, registry.OrderStatusRejected, late.Order.Status)
}

func TestStatusReportsCountsAndGateway(t *testing.T) {
	h := newAPIHarness(t)
	h.orderUnderReview(t, "buyer-1")

	rec := h.do(t, http.MethodGet, "/status", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[statusResponse](t, rec)
	assert.Equal(t, "test-version", resp.Version)
	assert.Equal(t, 1, resp.TotalOrders)
	assert.Equal(t, 1, resp.OrdersByStatus[registry.OrderStatusPendingReview])
	require.NotNil(t, resp.Gateway)
	assert.True(t, resp.Gateway.Connected)
	assert.Equal(t, 1.0, testutil.ToFloat64(gatemetrics.OrdersByStatus.WithLabelValues("pending_review")))
}

func TestStatusWithoutStore(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleStatus(nil, nil, "v")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "service unavailable")
}

func TestUpdateStateGauges(t *testing.T) {
	h := newAPIHarness(t)
	h.orderUnderReview(t, "buyer-1")
	_, _, err := h.svc.StartPurchase(context.Background(), "buyer-2", "7")
	require.NoError(t, err)

	updateStateGauges(context.Background(), h.store)

	assert.Equal(t, 1.0, testutil.ToFloat64(gatemetrics.OrdersByStatus.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(gatemetrics.OrdersByStatus.WithLabelValues("pending_review")))
	assert.Equal(t, 0.0, testutil.ToFloat64(gatemetrics.OrdersByStatus.WithLabelValues("paid")))
	assert.Equal(t, 0.0, testutil.ToFloat64(gatemetrics.EntitlementsLive))
}

func TestErrorHandlerRecoversPanics(t *testing.T) {
	handler := ErrorHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decodeBody[APIError](t, rec)
	assert.Equal(t, "internal_error", apiErr.Code)
}

func TestServerShutsDownOnCancel(t *testing.T) {
	h := newAPIHarness(t)
	srv := NewServer("127.0.0.1:0", h.deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
