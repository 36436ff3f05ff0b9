// Package actions implements the operator-triggered mutations exposed on
// the console: detaching a project's billing, revoking the identity's own
// admin rights, and deleting shadow rows behind their safety gates. Every
// mutation leaves an operation event.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/observability"
	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

// ClientFactory builds the provider client for a stored identity.
type ClientFactory func(ctx context.Context, ident *store.Identity) (gcp.Client, error)

// Actions bundles the operator operations over one store.
type Actions struct {
	store   *store.Store
	clients ClientFactory
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New builds the action set.
func New(st *store.Store, clients ClientFactory, metrics *observability.Metrics, logger *slog.Logger) *Actions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		store:   st,
		clients: clients,
		metrics: metrics,
		logger:  logger.With("component", "actions"),
	}
}

func (a *Actions) identity(ctx context.Context, name string) (*store.Identity, error) {
	return a.store.GetIdentityByName(ctx, name)
}

func (a *Actions) withClient(ctx context.Context, ident *store.Identity, fn func(gcp.Client) error) error {
	client, err := a.clients(ctx, ident)
	if err != nil {
		return fmt.Errorf("actions: failed to build client for %s: %w", ident.Name, err)
	}
	defer func() { _ = client.Close() }()
	return fn(client)
}

// audit appends one event, logging instead of failing on append errors.
func (a *Actions) audit(ctx context.Context, e *store.OperationEvent) {
	if err := a.store.AppendEvent(ctx, e); err != nil {
		a.metrics.AuditLogFailure(ctx)
		a.logger.Error("failed to append operation event", "type", e.Type, "error", err)
	}
}

// DetachProjectBilling removes the project's billing binding on the
// provider and clears the shadow row. Detaching an already unbound project
// is a recorded no-op, not an error.
func (a *Actions) DetachProjectBilling(ctx context.Context, identityName, projectID string) error {
	ident, err := a.identity(ctx, identityName)
	if err != nil {
		return err
	}
	project, err := a.store.GetProject(ctx, ident.ID, projectID)
	if err != nil {
		return err
	}

	event := &store.OperationEvent{
		Type:             store.EventUnbind,
		IdentityID:       ident.ID,
		ProjectID:        projectID,
		BillingAccountID: project.BillingAccountID,
		OldValue:         project.BillingName,
		NewValue:         store.NoneValue,
		Status:           store.StatusSuccess,
	}
	if !project.Bound() {
		event.Message = "project was already unbound"
		a.audit(ctx, event)
		return nil
	}

	err = a.withClient(ctx, ident, func(client gcp.Client) error {
		return client.SetProjectBilling(ctx, projectID, "")
	})
	a.metrics.DetachAttempt(ctx, err == nil)
	if err != nil {
		event.Status = store.StatusFailed
		event.Message = err.Error()
		a.audit(ctx, event)
		return fmt.Errorf("actions: failed to detach billing from %s: %w", projectID, err)
	}

	if cerr := a.store.ClearProjectBilling(ctx, project.ID); cerr != nil {
		a.logger.Error("billing detached but shadow row not cleared", "project", projectID, "error", cerr)
	} else if uerr := a.refreshBillingUsage(ctx, ident.ID); uerr != nil {
		a.logger.Error("failed to recompute billing usage", "identity", identityName, "error", uerr)
	}
	a.audit(ctx, event)
	a.logger.Info("detached project billing", "identity", identityName, "project", projectID)
	return nil
}

// refreshBillingUsage recomputes is_used from the identity's remaining
// bound project rows.
func (a *Actions) refreshBillingUsage(ctx context.Context, identityID int64) error {
	projects, err := a.store.ListProjects(ctx, store.ProjectFilter{IdentityID: identityID})
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	used := make([]string, 0, len(projects))
	for _, p := range projects {
		if p.Bound() && !seen[p.BillingName] {
			seen[p.BillingName] = true
			used = append(used, p.BillingName)
		}
	}
	sort.Strings(used)
	return a.store.SetBillingUsage(ctx, identityID, used)
}

// RevokeProjectAdmin removes the identity's own admin roles from the
// project. Running it again after success records already_absent and still
// succeeds, so the delete gate stays open.
func (a *Actions) RevokeProjectAdmin(ctx context.Context, identityName, projectID string) error {
	ident, err := a.identity(ctx, identityName)
	if err != nil {
		return err
	}
	return a.revoke(ctx, ident, &store.OperationEvent{
		Type:       store.EventRemoveProjectPermission,
		IdentityID: ident.ID,
		ProjectID:  projectID,
	}, "projects/"+projectID, gcp.ProjectAdminRoles)
}

// RevokeBillingAdmin removes the identity's billing-admin role from the
// billing account.
func (a *Actions) RevokeBillingAdmin(ctx context.Context, identityName, accountID string) error {
	ident, err := a.identity(ctx, identityName)
	if err != nil {
		return err
	}
	return a.revoke(ctx, ident, &store.OperationEvent{
		Type:             store.EventRemovePermission,
		IdentityID:       ident.ID,
		BillingAccountID: accountID,
	}, "billingAccounts/"+accountID, gcp.BillingAdminRoles)
}

func (a *Actions) revoke(ctx context.Context, ident *store.Identity, event *store.OperationEvent, resource string, roles []string) error {
	member := "serviceAccount:" + ident.Email

	var removed bool
	err := a.withClient(ctx, ident, func(client gcp.Client) error {
		var rerr error
		removed, rerr = client.RemoveMemberFromRoles(ctx, resource, member, roles)
		return rerr
	})

	event.OldValue = member
	if err != nil {
		event.Status = store.StatusFailed
		event.Message = err.Error()
		a.audit(ctx, event)
		return fmt.Errorf("actions: failed to revoke roles on %s: %w", resource, err)
	}

	event.Status = store.StatusSuccess
	if removed {
		event.NewValue = store.ValueRemoved
	} else {
		event.NewValue = store.ValueAlreadyAbsent
	}
	a.audit(ctx, event)
	a.logger.Info("revoked own admin roles",
		"identity", ident.Name, "resource", resource, "removed", removed)
	return nil
}

// DeleteProject removes the shadow project row. The row may only go once a
// successful admin-rights revocation is on record for it; a refused delete
// leaves no event.
func (a *Actions) DeleteProject(ctx context.Context, identityName, projectID string) error {
	ident, err := a.identity(ctx, identityName)
	if err != nil {
		return err
	}
	project, err := a.store.GetProject(ctx, ident.ID, projectID)
	if err != nil {
		return err
	}

	revoked, err := a.store.HasSuccessEvent(ctx, ident.ID, store.EventRemoveProjectPermission, projectID)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("actions: refusing to delete %s: %w", projectID, store.ErrPermissionNotRemoved)
	}

	err = a.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteProject(ctx, project.ID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &store.OperationEvent{
			Type:             store.EventDeleteProject,
			IdentityID:       ident.ID,
			ProjectID:        projectID,
			BillingAccountID: project.BillingAccountID,
			OldValue:         project.BillingName,
			Status:           store.StatusSuccess,
		})
	})
	if err != nil {
		return fmt.Errorf("actions: failed to delete project %s: %w", projectID, err)
	}
	a.logger.Info("deleted project row", "identity", identityName, "project", projectID)
	return nil
}

// DeleteBillingAccount removes the shadow billing-account row, refusing
// while any project row still references it.
func (a *Actions) DeleteBillingAccount(ctx context.Context, identityName, accountID string) error {
	ident, err := a.identity(ctx, identityName)
	if err != nil {
		return err
	}
	account, err := a.store.GetBillingAccount(ctx, ident.ID, accountID)
	if err != nil {
		return err
	}

	inUse, err := a.store.CountProjectsUsingBilling(ctx, ident.ID, accountID)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return fmt.Errorf("actions: %d projects still bound to %s: %w", inUse, accountID, store.ErrBillingAccountInUse)
	}

	err = a.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteBillingAccount(ctx, account.ID); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &store.OperationEvent{
			Type:             store.EventDeleteBilling,
			IdentityID:       ident.ID,
			BillingAccountID: accountID,
			OldValue:         account.Name,
			Status:           store.StatusSuccess,
		})
	})
	if err != nil {
		return fmt.Errorf("actions: failed to delete billing account %s: %w", accountID, err)
	}
	a.logger.Info("deleted billing account row", "identity", identityName, "billing", accountID)
	return nil
}
