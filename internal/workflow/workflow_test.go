package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/slipgate/internal/clock"
	"github.com/rcourtman/slipgate/internal/config"
	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/evidence"
	"github.com/rcourtman/slipgate/internal/keylock"
	"github.com/rcourtman/slipgate/internal/notify"
	"github.com/rcourtman/slipgate/internal/platform/platformtest"
	"github.com/rcourtman/slipgate/internal/registry"
	"github.com/rcourtman/slipgate/internal/sweeper"
	"github.com/rcourtman/slipgate/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc   *Service
	store *registry.Store
	fake  *platformtest.Fake
	clock *clock.Manual
	locks *keylock.Map
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := registry.Open(filepath.Join(t.TempDir(), "slipgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := platformtest.New()
	clk := clock.NewManual(time.Date(2024, 11, 14, 15, 0, 0, 0, time.UTC))
	catalog := config.NewCatalog([]config.Plan{
		{ID: "1", Label: "1 day", Price: 20, DurationDays: 1, RoleID: "role-1"},
		{ID: "7", Label: "7 days", Price: 80, DurationDays: 7, RoleID: "role-7"},
	})

	locks := keylock.New()
	svc := NewService(Deps{
		Orders:       store.Orders(),
		Entitlements: store.Entitlements(),
		Catalog:      catalog,
		Extractor:    evidence.NewExtractor(nil),
		Policy: verify.Policy{
			PayeeIdentifiers: []string{"ACME Co."},
			Tolerance:        0.5,
			HashThreshold:    8,
		},
		Notifier:        notify.NewDispatcher(fake, notify.Config{AdminChannelID: "admin"}),
		Platform:        fake,
		Locks:           locks,
		Clock:           clk,
		PlatformTimeout: 250 * time.Millisecond,
	})
	return &harness{svc: svc, store: store, fake: fake, clock: clk, locks: locks}
}

func (h *harness) successDMs(buyer string) int {
	n := 0
	for _, dm := range h.fake.DirectTo(buyer) {
		if len(dm.Message.Embeds) > 0 && dm.Message.Embeds[0].Title == "Payment confirmed" {
			n++
		}
	}
	return n
}

func (h *harness) submitText(t *testing.T, buyer, text string) Result {
	t.Helper()
	res, err := h.svc.SubmitEvidence(context.Background(), buyer, Submission{Evidence: evidence.Link(text)})
	require.NoError(t, err)
	return res
}

func (h *harness) orderUnderReview(t *testing.T, buyer string) *registry.Order {
	t.Helper()
	_, _, err := h.svc.StartPurchase(context.Background(), buyer, "7")
	require.NoError(t, err)
	res := h.submitText(t, buyer, "You paid 80")
	require.Equal(t, registry.OrderStatusPendingReview, res.Order.Status)
	return res.Order
}

func TestStartPurchaseUnknownPlan(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.StartPurchase(context.Background(), "buyer-1", "99")
	require.ErrorIs(t, err, internalerrors.ErrConfiguration)

	latest, err := h.store.Orders().FindLatest(context.Background(), "buyer-1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestStartPurchaseOpenOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 80.0, first.PriceAmount)
	assert.Equal(t, "role-7", first.RoleID)

	again, created, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = h.svc.StartPurchase(ctx, "buyer-1", "1")
	assert.ErrorIs(t, err, registry.ErrOpenOrderExists)
}

func TestAutoAcceptGrantsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o, _, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)

	res := h.submitText(t, "buyer-1", "Paid 80 to ACME Co.")
	assert.Equal(t, verify.Accept, res.Verdict.Outcome)
	assert.Equal(t, "amount and payee matched", res.Verdict.Reason)
	assert.Equal(t, registry.OrderStatusPaid, res.Order.Status)
	assert.True(t, res.Changed)

	e, err := h.store.Entitlements().GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), e.ExpiresAt)
	assert.True(t, h.fake.MemberHasRole("buyer-1", "role-7"))
	assert.Equal(t, 1, h.successDMs("buyer-1"))

	// Without a log channel the acceptance is recorded in the admin channel.
	feed := h.fake.ChannelMessages("admin")
	require.Len(t, feed, 1)
	assert.Equal(t, "Order auto-approved", feed[0].Message.Embeds[0].Title)
	assert.Empty(t, feed[0].Message.Buttons)
}

func TestReferenceIDAcceptsRegardlessOfAmount(t *testing.T) {
	h := newHarness(t)
	o, _, err := h.svc.StartPurchase(context.Background(), "buyer-1", "7")
	require.NoError(t, err)

	res := h.submitText(t, "buyer-1", "memo "+o.ID+" paid 1")
	assert.Equal(t, registry.OrderStatusPaid, res.Order.Status)
	assert.Equal(t, verify.RuleReference, res.Verdict.Rule)
}

func TestPaidOrderKeepsEntitlementWhenGrantLockIsBusy(t *testing.T) {
	h := newHarness(t)
	o, _, err := h.svc.StartPurchase(context.Background(), "buyer-1", "7")
	require.NoError(t, err)

	unlock, err := h.locks.Lock(context.Background(), keylock.GrantKey("buyer-1", "role-7"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := h.svc.SubmitEvidence(ctx, "buyer-1", Submission{Evidence: evidence.Link("memo " + o.ID)})
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusPaid, res.Order.Status)
	assert.False(t, h.fake.MemberHasRole("buyer-1", "role-7"))

	e, err := h.store.Entitlements().GetByOrder(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 1, h.successDMs("buyer-1"))

	unlock()
	sw := sweeper.New(sweeper.Deps{
		Entitlements: h.store.Entitlements(),
		Orders:       h.store.Orders(),
		Platform:     h.fake,
		Notifier:     notify.NewDispatcher(h.fake, notify.Config{}),
		Locks:        h.locks,
		Clock:        h.clock,
	})
	report := sw.Reconcile(context.Background())
	assert.Equal(t, 1, report.Repaired)
	assert.True(t, h.fake.MemberHasRole("buyer-1", "role-7"))

	_, events, err := h.svc.Describe(context.Background(), o.ID)
	require.NoError(t, err)
	var kinds []registry.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, registry.EventGranted)
	assert.Contains(t, kinds, registry.EventRepaired)
}

func TestInconclusiveRoutesToReview(t *testing.T) {
	h := newHarness(t)
	o := h.orderUnderReview(t, "buyer-1")

	prompts := h.fake.ChannelMessages("admin")
	require.Len(t, prompts, 1)
	require.Len(t, prompts[0].Message.Buttons, 3)
	assert.Equal(t, "approve:"+o.ID, prompts[0].Message.Buttons[0].CustomID)
	assert.Len(t, h.fake.DirectTo("buyer-1"), 1)
	assert.False(t, h.fake.MemberHasRole("buyer-1", "role-7"))
}

func TestRejectVerdictAlsoRoutesToReview(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.StartPurchase(context.Background(), "buyer-1", "7")
	require.NoError(t, err)

	res := h.submitText(t, "buyer-1", "hello there")
	assert.Equal(t, verify.Reject, res.Verdict.Outcome)
	assert.Equal(t, registry.OrderStatusPendingReview, res.Order.Status)
}

func TestApproveTwiceGrantsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orderUnderReview(t, "buyer-1")

	d, err := h.svc.Approve(ctx, o.ID, "overseer-1")
	require.NoError(t, err)
	assert.True(t, d.Changed)
	assert.Equal(t, registry.OrderStatusPaid, d.Order.Status)

	d, err = h.svc.Approve(ctx, o.ID, "overseer-2")
	require.NoError(t, err)
	assert.False(t, d.Changed)
	assert.Contains(t, d.Note, "already paid")

	n, err := h.store.Entitlements().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.successDMs("buyer-1"))
	assert.Equal(t, 1, h.fake.RoleAdds)
}

func TestConcurrentApprovalsGrantOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orderUnderReview(t, "buyer-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := h.svc.Approve(ctx, o.ID, "overseer")
			if err == nil && d.Changed {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, h.fake.RoleAdds)
	assert.Equal(t, 1, h.successDMs("buyer-1"))
}

func TestRejectRequiresReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orderUnderReview(t, "buyer-1")

	_, err := h.svc.Reject(ctx, o.ID, "overseer", "   ")
	require.ErrorIs(t, err, internalerrors.ErrValidation)

	got, err := h.store.Orders().Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusPendingReview, got.Status)
}

func TestRejectedOrderCannotBePaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orderUnderReview(t, "buyer-1")

	d, err := h.svc.Reject(ctx, o.ID, "overseer", "amount does not match")
	require.NoError(t, err)
	assert.True(t, d.Changed)
	assert.Equal(t, registry.OrderStatusRejected, d.Order.Status)

	dms := h.fake.DirectTo("buyer-1")
	last := dms[len(dms)-1]
	assert.Contains(t, last.Message.Embeds[0].Description, "amount does not match")

	d, err = h.svc.Approve(ctx, o.ID, "overseer")
	require.NoError(t, err)
	assert.False(t, d.Changed)
	assert.Equal(t, registry.OrderStatusRejected, d.Order.Status)

	e, err := h.store.Entitlements().GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, e)

	// Later evidence does not reopen it.
	_, err = h.svc.SubmitEvidenceForOrder(ctx, o.ID, Submission{Evidence: evidence.Callback(o.ID, "test")})
	require.NoError(t, err)
	got, err := h.store.Orders().Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusRejected, got.Status)
}

func TestApproveBeforeReviewIsAcknowledgedNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)

	d, err := h.svc.Approve(ctx, o.ID, "overseer")
	require.NoError(t, err)
	assert.False(t, d.Changed)
	assert.Equal(t, registry.OrderStatusPending, d.Order.Status)
	assert.NotEmpty(t, d.Note)
}

func TestDecisionOnUnknownOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Approve(context.Background(), "INV0", "overseer")
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestSubmitWithoutOpenOrder(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SubmitEvidence(context.Background(), "buyer-1", Submission{Evidence: evidence.Link("80")})
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestEvidenceAfterOrderTTLFindsNothing(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.StartPurchase(context.Background(), "buyer-1", "7")
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.SubmitEvidence(context.Background(), "buyer-1", Submission{Evidence: evidence.Link("Paid 80 to ACME Co.")})
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestCallbackEvidenceAccepts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o, _, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)

	res, err := h.svc.SubmitEvidenceForOrder(ctx, o.ID, Submission{Evidence: evidence.Callback(o.ID, "stripe"), Actor: "stripe"})
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusPaid, res.Order.Status)
	assert.True(t, h.fake.MemberHasRole("buyer-1", "role-7"))
}

func TestFailedRoleAddKeepsEntitlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fake.AddRoleErr = internalerrors.Transient("discord.add_role", "buyer-1", assert.AnError)

	o, _, err := h.svc.StartPurchase(ctx, "buyer-1", "7")
	require.NoError(t, err)
	res := h.submitText(t, "buyer-1", "Paid 80 to ACME Co.")
	assert.Equal(t, registry.OrderStatusPaid, res.Order.Status)

	e, err := h.store.Entitlements().GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, e)

	alerts := h.fake.ChannelMessages("admin")
	require.Len(t, alerts, 2)
	assert.Equal(t, "Role grant failed", alerts[0].Message.Embeds[0].Title)
	assert.Equal(t, "Order auto-approved", alerts[1].Message.Embeds[0].Title)

	events, err := h.store.Orders().Events(ctx, o.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, registry.EventGrantFail, last.Kind)
	assert.Equal(t, ActorAutoVerify, last.Actor)
}

func TestDescribeIncludesAuditTrail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.orderUnderReview(t, "buyer-1")
	_, err := h.svc.Approve(ctx, o.ID, "overseer")
	require.NoError(t, err)

	got, events, err := h.svc.Describe(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.OrderStatusPaid, got.Status)

	var kinds []registry.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []registry.EventKind{
		registry.EventCreated,
		registry.EventEvidence,
		registry.EventTransition,
		registry.EventTransition,
		registry.EventGranted,
	}, kinds)
	assert.Equal(t, "overseer", events[len(events)-1].Actor)
}
