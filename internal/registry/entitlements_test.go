package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantComputesExpiry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	e, created, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", PlanID: "7", DurationDays: 7}, testNow)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testNow, e.GrantedAt)
	assert.Equal(t, testNow.Add(7*86400*time.Second), e.ExpiresAt)
	assert.Regexp(t, `^ent_[0-9a-z]{26}$`, e.ID)
}

func TestGrantIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	first, _, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 1}, testNow)
	require.NoError(t, err)
	second, created, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 1}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGrantRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	_, _, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 0}, testNow)
	assert.Error(t, err)
	_, _, err = store.Grant(ctx, NewGrant{OrderID: "INV1", RoleID: "r", DurationDays: 1}, testNow)
	assert.Error(t, err)
}

func TestListDueBoundaries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	e, _, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 1}, testNow)
	require.NoError(t, err)

	due, err := store.ListDue(ctx, e.ExpiresAt.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = store.ListDue(ctx, e.ExpiresAt)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, e.ID, due[0].ID)
}

func TestExpiredEntitlementRevokedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	// Granted a day and a second ago: expired one second before testNow.
	e, _, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 1}, testNow.Add(-86401*time.Second))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-time.Second), e.ExpiresAt)

	due, err := store.ListDue(ctx, testNow)
	require.NoError(t, err)
	require.Len(t, due, 1)

	removed, err := store.Revoke(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Revoke(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	due, err = store.ListDue(ctx, testNow)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestHasOtherLive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t).Entitlements()

	old, _, err := store.Grant(ctx, NewGrant{OrderID: "INV1", BuyerID: "b", RoleID: "r", DurationDays: 1}, testNow.Add(-48*time.Hour))
	require.NoError(t, err)

	other, err := store.HasOtherLive(ctx, "b", "r", old.ID, testNow)
	require.NoError(t, err)
	assert.False(t, other)

	_, _, err = store.Grant(ctx, NewGrant{OrderID: "INV2", BuyerID: "b", RoleID: "r", DurationDays: 7}, testNow)
	require.NoError(t, err)

	other, err = store.HasOtherLive(ctx, "b", "r", old.ID, testNow)
	require.NoError(t, err)
	assert.True(t, other)

	live, err := store.ListLive(ctx, testNow)
	require.NoError(t, err)
	assert.Len(t, live, 1)
}
