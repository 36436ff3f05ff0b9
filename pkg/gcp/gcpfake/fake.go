// Package gcpfake is a deterministic in-memory provider for tests. It
// implements gcp.Client and can reproduce pagination, injected HTTP
// failures, slow discovery and IAM edits. When Gate or Exec are set, every
// operation runs through the same rate-gate/retry fabric as the real
// client, so retry behavior is observable without a network.
package gcpfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/QingyeSC/gcp-billing-manager/pkg/gcp"
	"github.com/QingyeSC/gcp-billing-manager/pkg/rategate"
	"github.com/QingyeSC/gcp-billing-manager/pkg/retry"
)

// Binding is one role/members pair of a fake IAM policy.
type Binding struct {
	Role    string
	Members []string
}

// Fake is an in-memory gcp.Client. Configure the world, then hand it to
// the code under test. All fields are safe for concurrent use through the
// methods.
type Fake struct {
	mu sync.Mutex

	EmailAddr string
	Projects  map[string]string // projectID -> full billing name, "" = unbound
	Accounts  []gcp.BillingAccount
	Policies  map[string][]Binding // resource -> bindings

	// PageSize splits billing-account listings; 0 disables pagination.
	PageSize int
	// DiscoverDelay stalls ListProjects, honoring ctx cancellation.
	DiscoverDelay time.Duration

	// Optional fabric, mirroring the real client.
	Gate *rategate.Gate
	Exec *retry.Executor

	// Identity used for gate acquisition.
	Identity string

	failures map[string][]error
	calls    []string
	closed   bool
}

var _ gcp.Client = (*Fake)(nil)

// New returns a fake with an empty world.
func New(email string) *Fake {
	return &Fake{
		EmailAddr: email,
		Identity:  "fake",
		Projects:  make(map[string]string),
		Policies:  make(map[string][]Binding),
		failures:  make(map[string][]error),
	}
}

// FailNext queues HTTP failures for the named operation; each call
// consumes one. Operations: listProjects, listBillingAccounts,
// projectBilling, setProjectBilling, removeMember.
func (f *Fake) FailNext(op string, statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, code := range statuses {
		f.failures[op] = append(f.failures[op], &googleapi.Error{Code: code, Message: fmt.Sprintf("injected %d", code)})
	}
}

// FailNextErr queues an arbitrary error for the named operation.
func (f *Fake) FailNextErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls returns the operations attempted so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts attempts of one operation.
func (f *Fake) CallCount(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Email() string { return f.EmailAddr }

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// call runs fn under the optional gate/retry fabric and failure queue.
func (f *Fake) call(ctx context.Context, op string, fn func() error) error {
	attempt := func(ctx context.Context) error {
		if f.Gate != nil {
			if err := f.Gate.Acquire(ctx, f.Identity); err != nil {
				return err
			}
		}
		f.mu.Lock()
		f.calls = append(f.calls, op)
		if queue := f.failures[op]; len(queue) > 0 {
			err := queue[0]
			f.failures[op] = queue[1:]
			f.mu.Unlock()
			return err
		}
		f.mu.Unlock()
		return fn()
	}

	if f.Exec != nil {
		return f.Exec.Do(ctx, op, attempt)
	}
	return attempt(ctx)
}

func (f *Fake) ListProjects(ctx context.Context) ([]string, error) {
	var ids []string
	err := f.call(ctx, "listProjects", func() error {
		if f.DiscoverDelay > 0 {
			t := time.NewTimer(f.DiscoverDelay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for pid := range f.Projects {
			ids = append(ids, pid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortStrings(ids)
	return ids, nil
}

func (f *Fake) ListBillingAccounts(ctx context.Context) ([]gcp.BillingAccount, error) {
	var accounts []gcp.BillingAccount
	page := 0
	for {
		done := false
		err := f.call(ctx, "listBillingAccounts", func() error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.PageSize <= 0 {
				accounts = append(accounts, f.Accounts...)
				done = true
				return nil
			}
			start := page * f.PageSize
			end := start + f.PageSize
			if end >= len(f.Accounts) {
				end = len(f.Accounts)
				done = true
			}
			if start < end {
				accounts = append(accounts, f.Accounts[start:end]...)
			} else {
				done = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if done {
			return accounts, nil
		}
		page++
	}
}

func (f *Fake) ProjectBilling(ctx context.Context, projectID string) (string, bool, error) {
	var name string
	var known bool
	err := f.call(ctx, "projectBilling", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		billing, ok := f.Projects[projectID]
		if !ok {
			return &googleapi.Error{Code: 404, Message: "project not found"}
		}
		name, known = billing, true
		return nil
	})
	if err != nil {
		if retry.StatusCode(err) == 403 {
			return "", false, nil
		}
		return "", false, err
	}
	return name, known, nil
}

func (f *Fake) SetProjectBilling(ctx context.Context, projectID, billingName string) error {
	return f.call(ctx, "setProjectBilling", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.Projects[projectID]; !ok {
			return &googleapi.Error{Code: 404, Message: "project not found"}
		}
		f.Projects[projectID] = billingName
		return nil
	})
}

func (f *Fake) RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (bool, error) {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	removed := false
	err := f.call(ctx, "removeMember", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		bindings := f.Policies[resource]
		var kept []Binding
		for _, b := range bindings {
			if !roleSet[b.Role] {
				kept = append(kept, b)
				continue
			}
			var members []string
			dropped := false
			for _, m := range b.Members {
				if m == member {
					dropped = true
					continue
				}
				members = append(members, m)
			}
			if !dropped {
				kept = append(kept, b)
				continue
			}
			removed = true
			if len(members) > 0 {
				kept = append(kept, Binding{Role: b.Role, Members: members})
			}
		}
		if removed {
			f.Policies[resource] = kept
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Bindings returns a copy of the resource's policy bindings.
func (f *Fake) Bindings(resource string) []Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Binding(nil), f.Policies[resource]...)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
