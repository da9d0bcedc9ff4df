package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/slipgate/internal/auth"
	"github.com/rcourtman/slipgate/internal/registry"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedStore writes one reviewed and one paid order into a fresh registry.
func seedStore(t *testing.T) (string, *registry.Order, *registry.Order) {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(filepath.Join(dir, "slipgate.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2024, 11, 14, 15, 0, 0, 0, time.UTC)

	reviewed, _, err := store.Orders().Create(ctx, registry.NewOrder{
		BuyerID: "buyer-1", PlanID: "7", PriceAmount: 80, RoleID: "role-7", DurationDays: 7, OpenTTL: 24 * time.Hour,
	}, now)
	require.NoError(t, err)
	_, err = store.Orders().MarkPendingReview(ctx, reviewed.ID, "verifier", "no payee match", now.Add(time.Minute))
	require.NoError(t, err)

	paid, _, err := store.Orders().Create(ctx, registry.NewOrder{
		BuyerID: "buyer-2", PlanID: "1", PriceAmount: 20, RoleID: "role-1", DurationDays: 1, OpenTTL: 24 * time.Hour,
	}, now.Add(2*time.Minute))
	require.NoError(t, err)
	res, err := store.Orders().MarkPaid(ctx, paid.ID, "admin-1", "manual approval", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, res.Entitlement)

	return dir, reviewed, paid
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2024-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Slipgate 1.2.3")
	assert.Contains(t, out, "Built: 2024-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Slipgate 1.2.3")
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestHashKeyCmd(t *testing.T) {
	const key = "a-long-admin-key-for-tests"

	out, err := execute(t, "", "hash-key", key)
	require.NoError(t, err)
	assert.True(t, auth.CheckKeyHash(key, strings.TrimSpace(out)))

	out, err = execute(t, key+"\n", "hash-key")
	require.NoError(t, err)
	assert.True(t, auth.CheckKeyHash(key, strings.TrimSpace(out)))

	_, err = execute(t, "", "hash-key", "short")
	assert.Error(t, err)
}

func TestOrdersListCmd(t *testing.T) {
	dir, reviewed, paid := seedStore(t)

	out, err := execute(t, "", "orders", "--data-dir", dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ORDER")
	assert.Contains(t, out, reviewed.ID)
	assert.Contains(t, out, paid.ID)
	assert.Less(t, strings.Index(out, paid.ID), strings.Index(out, reviewed.ID), "newest first")

	out, err = execute(t, "", "orders", "--data-dir", dir, "list", "--status", "pending_review", "--json")
	require.NoError(t, err)
	var orders []registry.Order
	require.NoError(t, json.Unmarshal([]byte(out), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, reviewed.ID, orders[0].ID)
	assert.Equal(t, registry.OrderStatusPendingReview, orders[0].Status)

	_, err = execute(t, "", "orders", "--data-dir", dir, "list", "--status", "lost")
	assert.ErrorContains(t, err, "unknown status")
}

func TestOrdersShowCmd(t *testing.T) {
	dir, _, paid := seedStore(t)

	out, err := execute(t, "", "orders", "--data-dir", dir, "show", paid.ID)
	require.NoError(t, err)
	assert.Contains(t, out, paid.ID)
	assert.Contains(t, out, "paid")
	assert.Contains(t, out, "admin-1")
	assert.Contains(t, out, "Entitlement:")
	assert.Contains(t, out, "History:")

	out, err = execute(t, "", "orders", "--data-dir", dir, "show", paid.ID, "--json")
	require.NoError(t, err)
	var detail struct {
		Order       registry.Order        `json:"order"`
		Events      []registry.OrderEvent `json:"events"`
		Entitlement *registry.Entitlement `json:"entitlement"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, registry.OrderStatusPaid, detail.Order.Status)
	assert.NotEmpty(t, detail.Events)
	require.NotNil(t, detail.Entitlement)
	assert.Equal(t, "role-1", detail.Entitlement.RoleID)

	_, err = execute(t, "", "orders", "--data-dir", dir, "show", "INV-MISSING")
	assert.Error(t, err)
}

func TestOrdersCmdWithoutRegistry(t *testing.T) {
	_, err := execute(t, "", "orders", "--data-dir", t.TempDir(), "list")
	assert.ErrorContains(t, err, "no registry")
}

func TestSweepCmdOnEmptyRegistry(t *testing.T) {
	dir := t.TempDir()
	plans := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(plans, []byte("plans:\n  - id: \"7\"\n    price: 80\n    duration_days: 7\n    role_id: role-7\n"), 0o600))

	t.Setenv("SLIPGATE_DATA_DIR", dir)
	t.Setenv("PLANS_FILE", plans)
	t.Setenv("DISCORD_TOKEN", "test-token")
	t.Setenv("GUILD_ID", "guild")
	t.Setenv("SCAN_CHANNEL_ID", "scan")
	t.Setenv("ADMIN_CHANNEL_ID", "admin")
	t.Setenv("TESSERACT_PATH", filepath.Join(dir, "no-tesseract"))
	t.Setenv("LOG_LEVEL", "error")

	out, err := execute(t, "", "sweep", "--reconcile")
	require.NoError(t, err)

	var report struct {
		Sweep     map[string]int `json:"sweep"`
		Reconcile map[string]int `json:"reconcile"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0, report.Sweep["due"])
	assert.Equal(t, 0, report.Reconcile["checked"])
	assert.FileExists(t, filepath.Join(dir, "slipgate.db"))
}

func TestSweepCmdRequiresCredentials(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("GUILD_ID", "")
	_, err := execute(t, "", "sweep")
	assert.ErrorContains(t, err, "DISCORD_TOKEN")
}
