package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp/gcpfake"
	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

const testEmail = "alpha@example.iam.gserviceaccount.com"

type fixture struct {
	store   *store.Store
	fake    *gcpfake.Fake
	actions *Actions
	ident   *store.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(ctx))

	ident, err := s.EnsureIdentity(ctx, "alpha", testEmail, "/creds/alpha.json")
	require.NoError(t, err)

	fake := gcpfake.New(testEmail)
	factory := func(ctx context.Context, ident *store.Identity) (gcp.Client, error) {
		return fake, nil
	}
	return &fixture{
		store:   s,
		fake:    fake,
		actions: New(s, factory, nil, nil),
		ident:   ident,
	}
}

func (f *fixture) seedProject(t *testing.T, projectID, billingName string) {
	t.Helper()
	p := &store.Project{
		IdentityID:         f.ident.ID,
		ProjectID:          projectID,
		BillingName:        store.NoneValue,
		BillingDisplayName: store.NoneValue,
	}
	if billingName != "" {
		p.BillingAccountID = store.ShortAccountID(billingName)
		p.BillingName = billingName
		p.BillingDisplayName = "Team"
	}
	require.NoError(t, f.store.UpsertProject(context.Background(), p))
	f.fake.Projects[projectID] = billingName
}

func (f *fixture) events(t *testing.T, typ string) []store.OperationEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), store.EventFilter{Type: typ})
	require.NoError(t, err)
	return events
}

func TestDetachProjectBilling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBillingAccount(ctx, f.ident.ID, "billingAccounts/A", "Team A", true))
	require.NoError(t, f.store.SetBillingUsage(ctx, f.ident.ID, []string{"billingAccounts/A"}))
	f.seedProject(t, "p-1", "billingAccounts/A")

	require.NoError(t, f.actions.DetachProjectBilling(ctx, "alpha", "p-1"))

	assert.Equal(t, "", f.fake.Projects["p-1"])
	p, err := f.store.GetProject(ctx, f.ident.ID, "p-1")
	require.NoError(t, err)
	assert.False(t, p.Bound())

	// The account lost its last project, so usage is recomputed.
	acct, err := f.store.GetBillingAccount(ctx, f.ident.ID, "A")
	require.NoError(t, err)
	assert.False(t, acct.IsUsed)

	events := f.events(t, store.EventUnbind)
	require.Len(t, events, 1)
	assert.Equal(t, "billingAccounts/A", events[0].OldValue)
	assert.Equal(t, store.NoneValue, events[0].NewValue)
}

func TestDetachProjectBilling_AlreadyUnbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, "p-1", "")

	require.NoError(t, f.actions.DetachProjectBilling(ctx, "alpha", "p-1"))

	// No provider call, just the recorded no-op.
	assert.Zero(t, f.fake.CallCount("setProjectBilling"))
	events := f.events(t, store.EventUnbind)
	require.Len(t, events, 1)
	assert.Equal(t, store.StatusSuccess, events[0].Status)
	assert.NotEmpty(t, events[0].Message)
}

func TestDetachProjectBilling_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, "p-1", "billingAccounts/A")
	f.fake.FailNext("setProjectBilling", 500)

	err := f.actions.DetachProjectBilling(ctx, "alpha", "p-1")
	require.Error(t, err)

	// Shadow row untouched, failed event recorded.
	p, gerr := f.store.GetProject(ctx, f.ident.ID, "p-1")
	require.NoError(t, gerr)
	assert.True(t, p.Bound())
	events := f.events(t, store.EventUnbind)
	require.Len(t, events, 1)
	assert.Equal(t, store.StatusFailed, events[0].Status)
}

func TestRevokeProjectAdmin_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	member := "serviceAccount:" + testEmail
	f.fake.Policies["projects/p-1"] = []gcpfake.Binding{
		{Role: "roles/owner", Members: []string{member, "user:keep@example.com"}},
	}

	require.NoError(t, f.actions.RevokeProjectAdmin(ctx, "alpha", "p-1"))
	require.NoError(t, f.actions.RevokeProjectAdmin(ctx, "alpha", "p-1"))

	events := f.events(t, store.EventRemoveProjectPermission)
	require.Len(t, events, 2)
	// Newest first: the repeat records already_absent, both succeed.
	assert.Equal(t, store.ValueAlreadyAbsent, events[0].NewValue)
	assert.Equal(t, store.ValueRemoved, events[1].NewValue)
	for _, e := range events {
		assert.Equal(t, store.StatusSuccess, e.Status)
		assert.Equal(t, member, e.OldValue)
	}
}

func TestRevokeBillingAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	member := "serviceAccount:" + testEmail
	f.fake.Policies["billingAccounts/AAAA"] = []gcpfake.Binding{
		{Role: "roles/billing.admin", Members: []string{member}},
	}

	require.NoError(t, f.actions.RevokeBillingAdmin(ctx, "alpha", "AAAA"))

	assert.Empty(t, f.fake.Bindings("billingAccounts/AAAA"))
	events := f.events(t, store.EventRemovePermission)
	require.Len(t, events, 1)
	assert.Equal(t, "AAAA", events[0].BillingAccountID)
	assert.Equal(t, store.ValueRemoved, events[0].NewValue)
}

func TestDeleteProject_GateRefusesWithoutRevocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, "p-1", "")

	err := f.actions.DeleteProject(ctx, "alpha", "p-1")
	assert.ErrorIs(t, err, store.ErrPermissionNotRemoved)

	// Refusal leaves the row and writes no event.
	_, gerr := f.store.GetProject(ctx, f.ident.ID, "p-1")
	assert.NoError(t, gerr)
	assert.Empty(t, f.events(t, store.EventDeleteProject))

	// A failed revocation does not open the gate either.
	require.NoError(t, f.store.AppendEvent(ctx, &store.OperationEvent{
		Type: store.EventRemoveProjectPermission, IdentityID: f.ident.ID,
		ProjectID: "p-1", Status: store.StatusFailed,
	}))
	err = f.actions.DeleteProject(ctx, "alpha", "p-1")
	assert.ErrorIs(t, err, store.ErrPermissionNotRemoved)
}

func TestDeleteProject_AfterRevocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProject(t, "p-1", "")
	f.fake.Policies["projects/p-1"] = []gcpfake.Binding{
		{Role: "roles/editor", Members: []string{"serviceAccount:" + testEmail}},
	}

	require.NoError(t, f.actions.RevokeProjectAdmin(ctx, "alpha", "p-1"))
	require.NoError(t, f.actions.DeleteProject(ctx, "alpha", "p-1"))

	_, err := f.store.GetProject(ctx, f.ident.ID, "p-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.events(t, store.EventDeleteProject), 1)
}

func TestDeleteBillingAccount_RefusesWhileReferenced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.UpsertBillingAccount(ctx, f.ident.ID, "billingAccounts/AAAA", "Team A", true))
	f.seedProject(t, "p-1", "billingAccounts/AAAA")

	err := f.actions.DeleteBillingAccount(ctx, "alpha", "AAAA")
	assert.ErrorIs(t, err, store.ErrBillingAccountInUse)
	assert.Empty(t, f.events(t, store.EventDeleteBilling))

	// Unbind the project, then the delete goes through.
	require.NoError(t, f.actions.DetachProjectBilling(ctx, "alpha", "p-1"))
	require.NoError(t, f.actions.DeleteBillingAccount(ctx, "alpha", "AAAA"))

	_, err = f.store.GetBillingAccount(ctx, f.ident.ID, "AAAA")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.events(t, store.EventDeleteBilling), 1)
}

func TestActions_UnknownIdentity(t *testing.T) {
	f := newFixture(t)
	err := f.actions.DetachProjectBilling(context.Background(), "ghost", "p-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
