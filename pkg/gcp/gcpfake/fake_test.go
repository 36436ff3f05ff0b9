package gcpfake

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/retry"
)

func TestListBillingAccounts_Paginated(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	f.Accounts = []gcp.BillingAccount{
		{Name: "billingAccounts/A", Open: true},
		{Name: "billingAccounts/B", Open: true},
		{Name: "billingAccounts/C", Open: false},
	}
	f.PageSize = 2

	accounts, err := f.ListBillingAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 3)
	assert.Equal(t, 2, f.CallCount("listBillingAccounts"))
}

func TestListProjects_SortedAndDelayed(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	f.Projects["zeta"] = ""
	f.Projects["alpha"] = "billingAccounts/A"

	ids, err := f.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, ids)

	// Delay honors cancellation.
	f.DiscoverDelay = time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.ListProjects(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailNext_ConsumedByRetries(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	f.Projects["proj-1"] = "billingAccounts/A"
	f.Exec = retry.New(3, 0, 0, false, slog.Default())
	f.FailNext("projectBilling", 429, 429)

	name, known, err := f.ProjectBilling(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.True(t, known)
	assert.Equal(t, "billingAccounts/A", name)
	assert.Equal(t, 3, f.CallCount("projectBilling"))
}

func TestProjectBilling_PermissionDenied(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	f.Projects["proj-1"] = "billingAccounts/A"
	f.FailNext("projectBilling", 403)

	_, known, err := f.ProjectBilling(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestRemoveMemberFromRoles_Idempotent(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	member := "serviceAccount:robot@example.iam.gserviceaccount.com"
	f.Policies["projects/proj-1"] = []Binding{
		{Role: "roles/owner", Members: []string{member, "user:keep@example.com"}},
		{Role: "roles/viewer", Members: []string{member}},
	}

	removed, err := f.RemoveMemberFromRoles(context.Background(), "projects/proj-1", member, gcp.ProjectAdminRoles)
	require.NoError(t, err)
	assert.True(t, removed)

	// Untouched role keeps the member, owner keeps the other principal.
	bindings := f.Bindings("projects/proj-1")
	require.Len(t, bindings, 2)
	assert.Equal(t, []string{"user:keep@example.com"}, bindings[0].Members)
	assert.Equal(t, "roles/viewer", bindings[1].Role)

	// Second pass is a no-op.
	removed, err = f.RemoveMemberFromRoles(context.Background(), "projects/proj-1", member, gcp.ProjectAdminRoles)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSetProjectBilling(t *testing.T) {
	f := New("robot@example.iam.gserviceaccount.com")
	f.Projects["proj-1"] = "billingAccounts/A"

	require.NoError(t, f.SetProjectBilling(context.Background(), "proj-1", ""))
	assert.Equal(t, "", f.Projects["proj-1"])

	err := f.SetProjectBilling(context.Background(), "ghost", "billingAccounts/A")
	assert.Error(t, err)
}
