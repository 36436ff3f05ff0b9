// Package reconciler drives one identity through a reconcile pass: refresh
// the shadow copy of the provider state, detach bindings to unhealthy
// billing accounts, and re-bind unbound projects by concentration. Every
// intended provider mutation leaves an operation event, success or not.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/QingyeSC/gcp-billing-manager/pkg/config"
	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/observability"
	"github.com/QingyeSC/gcp-billing-manager/pkg/planner"
	"github.com/QingyeSC/gcp-billing-manager/pkg/store"
)

// ClientFactory builds the provider client for one identity. Injected so
// tests can substitute a fake.
type ClientFactory func(ctx context.Context, ident config.Identity) (gcp.Client, error)

// Reconciler runs reconcile passes against one store.
type Reconciler struct {
	store      *store.Store
	clients    ClientFactory
	autoSwitch bool
	fillTarget int
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New builds a reconciler. fillTarget is the per-account project cap used
// during allocation.
func New(st *store.Store, clients ClientFactory, autoSwitch bool, fillTarget int, metrics *observability.Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:      st,
		clients:    clients,
		autoSwitch: autoSwitch,
		fillTarget: fillTarget,
		metrics:    metrics,
		logger:     logger.With("component", "reconciler"),
	}
}

// accountView is the provider's billing-account set for one identity,
// indexed for the detach and allocate phases.
type accountView struct {
	byName map[string]gcp.BillingAccount
	open   []gcp.BillingAccount
}

func newAccountView(accounts []gcp.BillingAccount) *accountView {
	v := &accountView{byName: make(map[string]gcp.BillingAccount, len(accounts))}
	for _, a := range accounts {
		v.byName[a.Name] = a
		if a.Open {
			v.open = append(v.open, a)
		}
	}
	return v
}

func (v *accountView) healthy(name string) bool {
	a, ok := v.byName[name]
	return ok && a.Open
}

func (v *accountView) displayName(name string) string {
	if a, ok := v.byName[name]; ok && a.DisplayName != "" {
		return a.DisplayName
	}
	return store.NoneValue
}

// Reconcile runs one pass for the identity. Discovery failures abort the
// pass before any write; later phases collect per-project failures and the
// pass keeps going, returning them joined.
func (r *Reconciler) Reconcile(ctx context.Context, ident config.Identity) error {
	logger := r.logger.With("identity", ident.Name)

	client, err := r.clients(ctx, ident)
	if err != nil {
		return fmt.Errorf("reconciler: failed to build client for %s: %w", ident.Name, err)
	}
	defer func() { _ = client.Close() }()

	row, err := r.store.EnsureIdentity(ctx, ident.Name, client.Email(), ident.CredentialsFile)
	if err != nil {
		return err
	}

	// Discovery. Nothing is written until both listings succeed.
	projectIDs, err := client.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: project discovery failed for %s: %w", ident.Name, err)
	}
	accounts, err := client.ListBillingAccounts(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: billing discovery failed for %s: %w", ident.Name, err)
	}
	sort.Strings(projectIDs)
	view := newAccountView(accounts)
	logger.Info("discovered provider state",
		"projects", len(projectIDs), "billing_accounts", len(accounts), "open", len(view.open))

	if err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, a := range accounts {
			if err := tx.UpsertBillingAccount(ctx, row.ID, a.Name, a.DisplayName, a.Open); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("reconciler: failed to persist billing accounts for %s: %w", ident.Name, err)
	}

	var errs []error

	// Classification: resolve each project's current binding. A denied read
	// drops the project from this pass entirely, keeping its previous row.
	observed := make(map[string]string, len(projectIDs))
	var order []string
	for _, pid := range projectIDs {
		name, known, err := client.ProjectBilling(ctx, pid)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciler: failed to classify %s: %w", pid, err))
			continue
		}
		if !known {
			logger.Warn("billing binding unreadable, skipping project this pass", "project", pid)
			continue
		}
		observed[pid] = name
		order = append(order, pid)
	}

	changedByUs := make(map[string]bool)

	// Detach stale bindings: anything bound to a closed or vanished account.
	for _, pid := range order {
		name := observed[pid]
		if name == "" || view.healthy(name) {
			continue
		}
		err := client.SetProjectBilling(ctx, pid, "")
		r.metrics.DetachAttempt(ctx, err == nil)
		event := &store.OperationEvent{
			Type:             store.EventUnbind,
			IdentityID:       row.ID,
			ProjectID:        pid,
			BillingAccountID: store.ShortAccountID(name),
			OldValue:         name,
			NewValue:         store.NoneValue,
			Status:           store.StatusSuccess,
		}
		if err != nil {
			event.Status = store.StatusFailed
			event.Message = err.Error()
			errs = append(errs, fmt.Errorf("reconciler: failed to detach %s: %w", pid, err))
			logger.Error("failed to detach stale billing binding", "project", pid, "billing", name, "error", err)
		} else {
			observed[pid] = ""
			changedByUs[pid] = true
			logger.Info("detached stale billing binding", "project", pid, "billing", name)
		}
		r.audit(ctx, event)
	}

	if r.autoSwitch {
		errs = append(errs, r.allocate(ctx, logger, client, row, view, observed, order, changedByUs)...)
	}

	if err := r.persist(ctx, logger, row, view, observed, order, changedByUs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// allocate re-binds unbound projects onto open accounts by concentration:
// the fullest account below the cap is filled first.
func (r *Reconciler) allocate(ctx context.Context, logger *slog.Logger, client gcp.Client, row *store.Identity, view *accountView, observed map[string]string, order []string, changedByUs map[string]bool) []error {
	var unbound []string
	usage := make(map[string]int)
	for _, pid := range order {
		if name := observed[pid]; name == "" {
			unbound = append(unbound, pid)
		} else if view.healthy(name) {
			usage[name]++
		}
	}
	if len(unbound) == 0 || len(view.open) == 0 {
		return nil
	}

	candidates := make([]planner.Candidate, 0, len(view.open))
	for _, a := range view.open {
		candidates = append(candidates, planner.Candidate{Name: a.Name, Used: usage[a.Name]})
	}
	assignments, deferred := planner.Plan(len(unbound), candidates, r.fillTarget)
	if deferred > 0 {
		r.metrics.Deferred(ctx, deferred)
		logger.Warn("not enough open billing capacity, deferring projects",
			"deferred", deferred, "unbound", len(unbound))
	}

	var errs []error
	next := 0
	for _, asg := range assignments {
		for i := 0; i < asg.Count; i++ {
			pid := unbound[next]
			next++
			err := client.SetProjectBilling(ctx, pid, asg.Name)
			r.metrics.BindAttempt(ctx, err == nil)
			event := &store.OperationEvent{
				Type:             store.EventAutoBind,
				IdentityID:       row.ID,
				ProjectID:        pid,
				BillingAccountID: store.ShortAccountID(asg.Name),
				OldValue:         store.NoneValue,
				NewValue:         asg.Name,
				Status:           store.StatusSuccess,
			}
			if err != nil {
				event.Status = store.StatusFailed
				event.Message = err.Error()
				errs = append(errs, fmt.Errorf("reconciler: failed to bind %s to %s: %w", pid, asg.Name, err))
				logger.Error("failed to bind project", "project", pid, "billing", asg.Name, "error", err)
			} else {
				observed[pid] = asg.Name
				changedByUs[pid] = true
				logger.Info("bound project to billing account", "project", pid, "billing", asg.Name)
			}
			r.audit(ctx, event)
		}
	}
	return errs
}

// persist writes the observed state back to the shadow tables and records
// an update event for every binding change the daemon did not make itself.
func (r *Reconciler) persist(ctx context.Context, logger *slog.Logger, row *store.Identity, view *accountView, observed map[string]string, order []string, changedByUs map[string]bool) error {
	prior, err := r.store.ListProjects(ctx, store.ProjectFilter{IdentityID: row.ID})
	if err != nil {
		return fmt.Errorf("reconciler: failed to read prior project rows: %w", err)
	}
	priorByID := make(map[string]store.Project, len(prior))
	for _, p := range prior {
		priorByID[p.ProjectID] = p
	}

	usedSet := make(map[string]bool)
	err = r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, pid := range order {
			name := observed[pid]
			p := &store.Project{
				IdentityID:         row.ID,
				ProjectID:          pid,
				BillingName:        store.NoneValue,
				BillingDisplayName: store.NoneValue,
			}
			if name != "" {
				p.BillingAccountID = store.ShortAccountID(name)
				p.BillingName = name
				p.BillingDisplayName = view.displayName(name)
				usedSet[name] = true
			}
			if err := tx.UpsertProject(ctx, p); err != nil {
				return err
			}
		}
		used := make([]string, 0, len(usedSet))
		for name := range usedSet {
			used = append(used, name)
		}
		sort.Strings(used)
		return tx.SetBillingUsage(ctx, row.ID, used)
	})
	if err != nil {
		return fmt.Errorf("reconciler: failed to persist projects for %s: %w", row.Name, err)
	}

	// External binding changes get an update event; our own detaches and
	// binds were already recorded at action time.
	for _, pid := range order {
		old, seen := priorByID[pid]
		if !seen || changedByUs[pid] {
			continue
		}
		newName := observed[pid]
		if newName == "" {
			newName = store.NoneValue
		}
		if old.BillingName == newName {
			continue
		}
		logger.Info("billing binding changed externally",
			"project", pid, "old", old.BillingName, "new", newName)
		r.audit(ctx, &store.OperationEvent{
			Type:             store.EventUpdate,
			IdentityID:       row.ID,
			ProjectID:        pid,
			BillingAccountID: store.ShortAccountID(newName),
			OldValue:         old.BillingName,
			NewValue:         newName,
			Status:           store.StatusSuccess,
		})
	}
	return nil
}

// audit appends one operation event. The log is best-effort: a failed
// append is logged and counted but never fails the pass that produced it.
func (r *Reconciler) audit(ctx context.Context, e *store.OperationEvent) {
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.metrics.AuditLogFailure(ctx)
		r.logger.Error("failed to append operation event",
			"type", e.Type, "project", e.ProjectID, "error", err)
	}
}
