// Package gcp is the capability client over Cloud Billing and Resource
// Manager. Every call takes a rate-gate token inside each retry attempt,
// so retries are budgeted like first attempts.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/cloudbilling/v1"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"

	"github.com/QingyeSC/gcp-billing-manager/pkg/rategate"
	"github.com/QingyeSC/gcp-billing-manager/pkg/retry"
)

// Role sets the operator actions revoke.
var (
	ProjectAdminRoles = []string{"roles/owner", "roles/editor", "roles/resourcemanager.projectIamAdmin"}
	BillingAdminRoles = []string{"roles/billing.admin"}
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// BillingAccount is one provider-side billing account.
type BillingAccount struct {
	Name        string
	DisplayName string
	Open        bool
}

// Client is the capability set the reconciler and operator actions need
// from the provider. gcpfake implements it for tests.
type Client interface {
	// Email returns the service-account principal of this identity.
	Email() string
	// ListProjects returns the IDs of all active projects.
	ListProjects(ctx context.Context) ([]string, error)
	// ListBillingAccounts returns every billing account, paginated.
	ListBillingAccounts(ctx context.Context) ([]BillingAccount, error)
	// ProjectBilling resolves the project's current binding. known=false
	// means the binding could not be read (permission denied) and the
	// project should be skipped this cycle. An empty name with known=true
	// means the project is unbound.
	ProjectBilling(ctx context.Context, projectID string) (name string, known bool, err error)
	// SetProjectBilling binds the project to billingName; empty detaches.
	SetProjectBilling(ctx context.Context, projectID, billingName string) error
	// RemoveMemberFromRoles drops member from every binding whose role is
	// in roles on the resource ("projects/<id>" or "billingAccounts/<id>").
	// removed=false means the member was already absent and no write
	// happened.
	RemoveMemberFromRoles(ctx context.Context, resource, member string, roles []string) (removed bool, err error)
	Close() error
}

// Service is the real provider client for one identity.
type Service struct {
	identity string
	email    string
	crm      *cloudresourcemanager.Service
	billing  *cloudbilling.APIService
	gate     *rategate.Gate
	exec     *retry.Executor
	logger   *slog.Logger
}

var _ Client = (*Service)(nil)

// NewService builds the client from the identity's credential file. Extra
// options replace the default credential wiring (tests point the client at
// a local server with WithEndpoint + WithoutAuthentication).
func NewService(ctx context.Context, identity, credentialsFile string, gate *rategate.Gate, exec *retry.Executor, logger *slog.Logger, opts ...option.ClientOption) (*Service, error) {
	email, err := EmailFromCredentials(credentialsFile)
	if err != nil {
		return nil, err
	}

	if len(opts) == 0 {
		opts = []option.ClientOption{
			option.WithCredentialsFile(credentialsFile),
			option.WithScopes(cloudPlatformScope),
		}
	}

	crm, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp: failed to build resource manager client for %s: %w", identity, err)
	}
	billing, err := cloudbilling.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcp: failed to build billing client for %s: %w", identity, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		identity: identity,
		email:    email,
		crm:      crm,
		billing:  billing,
		gate:     gate,
		exec:     exec,
		logger:   logger.With("component", "gcp", "identity", identity),
	}, nil
}

// EmailFromCredentials extracts the service-account email from a
// credential JSON file.
func EmailFromCredentials(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return "", fmt.Errorf("gcp: failed to read credentials file: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data, cloudPlatformScope)
	if err != nil {
		// Not a service-account key; fall back to the raw client_email.
		var raw struct {
			ClientEmail string `json:"client_email"`
		}
		if jerr := json.Unmarshal(data, &raw); jerr == nil && raw.ClientEmail != "" {
			return raw.ClientEmail, nil
		}
		return "", fmt.Errorf("gcp: failed to parse credentials file: %w", err)
	}
	return cfg.Email, nil
}

// Email returns the service-account email.
func (s *Service) Email() string { return s.email }

// Close releases per-identity resources. The generated API clients ride
// the process transport, so there is nothing to tear down today; the
// method anchors the per-identity lifecycle.
func (s *Service) Close() error { return nil }

// call is the gate+retry front every provider call goes through.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return s.exec.Do(ctx, op, func(ctx context.Context) error {
		if err := s.gate.Acquire(ctx, s.identity); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// ListProjects lists active project IDs. The server-side lifecycle filter
// is preferred; when it fails terminally the client falls back to an
// unfiltered list and filters locally.
func (s *Service) ListProjects(ctx context.Context) ([]string, error) {
	ids, err := s.listProjects(ctx, "lifecycleState:ACTIVE")
	if err == nil {
		return ids, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	s.logger.Warn("filtered project list failed, falling back to unfiltered", "error", err)
	return s.listProjects(ctx, "")
}

func (s *Service) listProjects(ctx context.Context, filter string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		var resp *cloudresourcemanager.ListProjectsResponse
		err := s.call(ctx, "projects.list", func(ctx context.Context) error {
			call := s.crm.Projects.List().Context(ctx).PageToken(pageToken)
			if filter != "" {
				call = call.Filter(filter)
			}
			var cerr error
			resp, cerr = call.Do()
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("gcp: failed to list projects: %w", err)
		}
		for _, p := range resp.Projects {
			if filter == "" && p.LifecycleState != "" && p.LifecycleState != "ACTIVE" {
				continue
			}
			ids = append(ids, p.ProjectId)
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

// ListBillingAccounts pages through every billing account.
func (s *Service) ListBillingAccounts(ctx context.Context) ([]BillingAccount, error) {
	var accounts []BillingAccount
	pageToken := ""
	for {
		var resp *cloudbilling.ListBillingAccountsResponse
		err := s.call(ctx, "billingAccounts.list", func(ctx context.Context) error {
			var cerr error
			resp, cerr = s.billing.BillingAccounts.List().Context(ctx).PageToken(pageToken).Do()
			return cerr
		})
		if err != nil {
			return nil, fmt.Errorf("gcp: failed to list billing accounts: %w", err)
		}
		for _, a := range resp.BillingAccounts {
			accounts = append(accounts, BillingAccount{
				Name:        a.Name,
				DisplayName: a.DisplayName,
				Open:        a.Open,
			})
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			return accounts, nil
		}
	}
}

// ProjectBilling reads the project's billing binding. A permission denial
// that survives the retries degrades to "unknown", not a failure.
func (s *Service) ProjectBilling(ctx context.Context, projectID string) (string, bool, error) {
	var info *cloudbilling.ProjectBillingInfo
	err := s.call(ctx, "projects.getBillingInfo", func(ctx context.Context) error {
		var cerr error
		info, cerr = s.billing.Projects.GetBillingInfo("projects/" + projectID).Context(ctx).Do()
		return cerr
	})
	if err != nil {
		if retry.StatusCode(err) == 403 {
			s.logger.Debug("billing info read denied, skipping project", "project", projectID)
			return "", false, nil
		}
		return "", false, fmt.Errorf("gcp: failed to get billing info for %s: %w", projectID, err)
	}
	return info.BillingAccountName, true, nil
}

// SetProjectBilling writes the binding; an empty billingName detaches.
func (s *Service) SetProjectBilling(ctx context.Context, projectID, billingName string) error {
	info := &cloudbilling.ProjectBillingInfo{
		BillingAccountName: billingName,
		// Detaching serializes an explicit empty billingAccountName.
		ForceSendFields: []string{"BillingAccountName"},
	}
	err := s.call(ctx, "projects.updateBillingInfo", func(ctx context.Context) error {
		_, cerr := s.billing.Projects.UpdateBillingInfo("projects/"+projectID, info).Context(ctx).Do()
		return cerr
	})
	if err != nil {
		return fmt.Errorf("gcp: failed to update billing info for %s: %w", projectID, err)
	}
	return nil
}

func resourceKind(resource string) (id string, isBilling bool, err error) {
	switch {
	case strings.HasPrefix(resource, "projects/"):
		return strings.TrimPrefix(resource, "projects/"), false, nil
	case strings.HasPrefix(resource, "billingAccounts/"):
		return resource, true, nil
	default:
		return "", false, fmt.Errorf("gcp: unsupported IAM resource %q", resource)
	}
}
