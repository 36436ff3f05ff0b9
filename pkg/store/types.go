package store

import (
	"errors"
	"time"
)

// NoneValue is the sentinel recorded when a project has no billing binding.
const NoneValue = "None"

// Operation-event types, append-only audit vocabulary.
const (
	EventUpdate                  = "update"
	EventUnbind                  = "unbind"
	EventAutoBind                = "auto_bind"
	EventRemovePermission        = "remove_permission"
	EventRemoveProjectPermission = "remove_project_permission"
	EventDeleteBilling           = "delete_billing"
	EventDeleteProject           = "delete_project"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Revoke sub-statuses, carried in an event's new_value.
const (
	ValueRemoved       = "removed"
	ValueAlreadyAbsent = "already_absent"
)

var (
	// ErrNotFound is returned when a row lookup matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrPermissionNotRemoved guards project-row deletion: admin rights
	// must have been revoked first.
	ErrPermissionNotRemoved = errors.New("store: project admin permission has not been removed")
	// ErrBillingAccountInUse guards billing-row deletion while projects
	// still reference the account.
	ErrBillingAccountInUse = errors.New("store: billing account is still referenced by projects")
)

// Identity is one service-account principal. Created on first sighting,
// never auto-deleted.
type Identity struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	CredentialsFile string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BillingAccount mirrors one provider-side billing account of an identity.
type BillingAccount struct {
	ID          int64     `json:"id"`
	IdentityID  int64     `json:"identity_id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	AccountID   string    `json:"account_id"`
	IsOpen      bool      `json:"is_open"`
	IsUsed      bool      `json:"is_used"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Project mirrors one provider-side project and its last observed billing
// binding. BillingAccountID is empty and BillingName carries NoneValue
// when the project is unbound.
type Project struct {
	ID                 int64     `json:"id"`
	IdentityID         int64     `json:"identity_id"`
	ProjectID          string    `json:"project_id"`
	BillingAccountID   string    `json:"billing_account_id"`
	BillingName        string    `json:"billing_account_name"`
	BillingDisplayName string    `json:"billing_account_display_name"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Bound reports whether the project carries a billing binding.
func (p Project) Bound() bool {
	return p.BillingAccountID != ""
}

// OperationEvent is one append-only audit record: an intended change and
// its outcome. Rows are never mutated or deleted by the daemon.
type OperationEvent struct {
	ID               int64     `json:"id"`
	Type             string    `json:"operation_type"`
	IdentityID       int64     `json:"identity_id"`
	ProjectID        string    `json:"project_id,omitempty"`
	BillingAccountID string    `json:"billing_account_id,omitempty"`
	OldValue         string    `json:"old_value,omitempty"`
	NewValue         string    `json:"new_value,omitempty"`
	Status           string    `json:"status"`
	Message          string    `json:"message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// BillingFilter narrows billing-account listings.
type BillingFilter struct {
	IdentityID int64 // 0 matches all identities
	IsOpen     *bool
}

// ProjectFilter narrows project listings.
type ProjectFilter struct {
	IdentityID       int64
	BillingAccountID string
}

// EventFilter narrows operation-log reads. Limit 0 means no limit.
type EventFilter struct {
	IdentityID int64
	Type       string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// Counts summarizes the shadow state for the status endpoint.
type Counts struct {
	Identities      int `json:"identities"`
	Projects        int `json:"projects"`
	OpenBillings    int `json:"open_billing_accounts"`
	ClosedBillings  int `json:"closed_billing_accounts"`
	OperationEvents int `json:"operation_events"`
}
