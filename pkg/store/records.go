package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ShortAccountID returns the last path segment of a full billing-account
// resource name ("billingAccounts/XXXXXX-..." -> "XXXXXX-...").
func ShortAccountID(name string) string {
	if name == "" || name == NoneValue {
		return ""
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// EnsureIdentity looks up the identity by name, creating the row on first
// sighting and refreshing email/credentials when they changed.
func (s *session) EnsureIdentity(ctx context.Context, name, email, credentialsFile string) (*Identity, error) {
	existing, err := s.GetIdentityByName(ctx, name)
	switch {
	case err == nil:
		if existing.Email != email || existing.CredentialsFile != credentialsFile {
			now := time.Now()
			_, uerr := s.q.ExecContext(ctx,
				`UPDATE identities SET email = ?, credentials_file = ?, updated_at = ? WHERE id = ?`,
				email, credentialsFile, formatTime(now), existing.ID)
			if uerr != nil {
				return nil, fmt.Errorf("store: failed to update identity %s: %w", name, uerr)
			}
			existing.Email = email
			existing.CredentialsFile = credentialsFile
			existing.UpdatedAt = now.UTC()
		}
		return existing, nil
	case errors.Is(err, ErrNotFound):
		now := formatTime(time.Now())
		res, ierr := s.q.ExecContext(ctx,
			`INSERT INTO identities (name, email, credentials_file, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			name, email, credentialsFile, now, now)
		if ierr != nil {
			return nil, fmt.Errorf("store: failed to insert identity %s: %w", name, ierr)
		}
		id, _ := res.LastInsertId()
		return &Identity{ID: id, Name: name, Email: email, CredentialsFile: credentialsFile,
			CreatedAt: parseTime(now), UpdatedAt: parseTime(now)}, nil
	default:
		return nil, err
	}
}

// GetIdentityByName returns the identity row or ErrNotFound.
func (s *session) GetIdentityByName(ctx context.Context, name string) (*Identity, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, email, credentials_file, created_at, updated_at FROM identities WHERE name = ?`, name)
	return scanIdentity(row)
}

// ListIdentities returns all identities ordered by name.
func (s *session) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, email, credentials_file, created_at, updated_at FROM identities ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Identity
	for rows.Next() {
		var (
			ident              Identity
			createdAt, updated string
		)
		if err := rows.Scan(&ident.ID, &ident.Name, &ident.Email, &ident.CredentialsFile, &createdAt, &updated); err != nil {
			return nil, err
		}
		ident.CreatedAt = parseTime(createdAt)
		ident.UpdatedAt = parseTime(updated)
		out = append(out, ident)
	}
	return out, rows.Err()
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		ident              Identity
		createdAt, updated string
	)
	err := row.Scan(&ident.ID, &ident.Name, &ident.Email, &ident.CredentialsFile, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ident.CreatedAt = parseTime(createdAt)
	ident.UpdatedAt = parseTime(updated)
	return &ident, nil
}

// UpsertBillingAccount creates or refreshes one billing-account row,
// keyed on (identity, full resource name).
func (s *session) UpsertBillingAccount(ctx context.Context, identityID int64, name, displayName string, isOpen bool) error {
	now := formatTime(time.Now())

	row := s.q.QueryRowContext(ctx,
		`SELECT id FROM billing_accounts WHERE identity_id = ? AND name = ?`, identityID, name)
	var id int64
	err := row.Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO billing_accounts (identity_id, name, display_name, account_id, is_open, is_used, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, FALSE, ?, ?)`,
			identityID, name, displayName, ShortAccountID(name), isOpen, now, now)
		if err != nil {
			return fmt.Errorf("store: failed to insert billing account %s: %w", name, err)
		}
		return nil
	case err != nil:
		return err
	default:
		_, err = s.q.ExecContext(ctx,
			`UPDATE billing_accounts SET display_name = ?, is_open = ?, updated_at = ? WHERE id = ?`,
			displayName, isOpen, now, id)
		if err != nil {
			return fmt.Errorf("store: failed to update billing account %s: %w", name, err)
		}
		return nil
	}
}

// ListBillingAccounts lists billing accounts, optionally filtered by
// identity and open state.
func (s *session) ListBillingAccounts(ctx context.Context, f BillingFilter) ([]BillingAccount, error) {
	query := `SELECT id, identity_id, name, display_name, account_id, is_open, is_used, created_at, updated_at
	          FROM billing_accounts WHERE 1=1`
	var args []any
	if f.IdentityID != 0 {
		query += ` AND identity_id = ?`
		args = append(args, f.IdentityID)
	}
	if f.IsOpen != nil {
		query += ` AND is_open = ?`
		args = append(args, *f.IsOpen)
	}
	query += ` ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list billing accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []BillingAccount
	for rows.Next() {
		var (
			b                  BillingAccount
			display            sql.NullString
			createdAt, updated string
		)
		if err := rows.Scan(&b.ID, &b.IdentityID, &b.Name, &display, &b.AccountID, &b.IsOpen, &b.IsUsed, &createdAt, &updated); err != nil {
			return nil, err
		}
		b.DisplayName = display.String
		b.CreatedAt = parseTime(createdAt)
		b.UpdatedAt = parseTime(updated)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBillingAccount returns the row for the short account id or ErrNotFound.
func (s *session) GetBillingAccount(ctx context.Context, identityID int64, accountID string) (*BillingAccount, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, identity_id, name, display_name, account_id, is_open, is_used, created_at, updated_at
		 FROM billing_accounts WHERE identity_id = ? AND account_id = ?`, identityID, accountID)

	var (
		b                  BillingAccount
		display            sql.NullString
		createdAt, updated string
	)
	err := row.Scan(&b.ID, &b.IdentityID, &b.Name, &display, &b.AccountID, &b.IsOpen, &b.IsUsed, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.DisplayName = display.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

// DeleteBillingAccount removes one billing-account row.
func (s *session) DeleteBillingAccount(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM billing_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: failed to delete billing account %d: %w", id, err)
	}
	return nil
}

// SetBillingUsage recomputes is_used for every billing account of the
// identity from the set of billing names currently bound by projects.
func (s *session) SetBillingUsage(ctx context.Context, identityID int64, usedNames []string) error {
	now := formatTime(time.Now())
	_, err := s.q.ExecContext(ctx,
		`UPDATE billing_accounts SET is_used = FALSE, updated_at = ? WHERE identity_id = ? AND is_used = TRUE`,
		now, identityID)
	if err != nil {
		return fmt.Errorf("store: failed to reset billing usage: %w", err)
	}
	if len(usedNames) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(usedNames))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{now, identityID}
	for _, n := range usedNames {
		args = append(args, n)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE billing_accounts SET is_used = TRUE, updated_at = ? WHERE identity_id = ? AND name IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("store: failed to mark billing usage: %w", err)
	}
	return nil
}

// GetProject returns the project row or ErrNotFound.
func (s *session) GetProject(ctx context.Context, identityID int64, projectID string) (*Project, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, identity_id, project_id, billing_account_id, billing_account_name, billing_account_display_name, created_at, updated_at
		 FROM projects WHERE identity_id = ? AND project_id = ?`, identityID, projectID)

	p, err := scanProjectRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListProjects lists project rows, optionally filtered by identity and
// bound billing short id.
func (s *session) ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	query := `SELECT id, identity_id, project_id, billing_account_id, billing_account_name, billing_account_display_name, created_at, updated_at
	          FROM projects WHERE 1=1`
	var args []any
	if f.IdentityID != 0 {
		query += ` AND identity_id = ?`
		args = append(args, f.IdentityID)
	}
	if f.BillingAccountID != "" {
		query += ` AND billing_account_id = ?`
		args = append(args, f.BillingAccountID)
	}
	query += ` ORDER BY project_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProjectRow(scan func(dest ...any) error) (*Project, error) {
	var (
		p                  Project
		accountID          sql.NullString
		billingName        sql.NullString
		displayName        sql.NullString
		createdAt, updated string
	)
	if err := scan(&p.ID, &p.IdentityID, &p.ProjectID, &accountID, &billingName, &displayName, &createdAt, &updated); err != nil {
		return nil, err
	}
	p.BillingAccountID = accountID.String
	p.BillingName = billingName.String
	if p.BillingName == "" {
		p.BillingName = NoneValue
	}
	p.BillingDisplayName = displayName.String
	if p.BillingDisplayName == "" {
		p.BillingDisplayName = NoneValue
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// UpsertProject creates or refreshes one project row, keyed on
// (identity, project id). An empty BillingAccountID persists as NULL.
func (s *session) UpsertProject(ctx context.Context, p *Project) error {
	now := formatTime(time.Now())

	row := s.q.QueryRowContext(ctx,
		`SELECT id FROM projects WHERE identity_id = ? AND project_id = ?`, p.IdentityID, p.ProjectID)
	var id int64
	err := row.Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.q.ExecContext(ctx,
			`INSERT INTO projects (identity_id, project_id, billing_account_id, billing_account_name, billing_account_display_name, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.IdentityID, p.ProjectID, nullable(p.BillingAccountID), p.BillingName, p.BillingDisplayName, now, now)
		if err != nil {
			return fmt.Errorf("store: failed to insert project %s: %w", p.ProjectID, err)
		}
		return nil
	case err != nil:
		return err
	default:
		_, err = s.q.ExecContext(ctx,
			`UPDATE projects SET billing_account_id = ?, billing_account_name = ?, billing_account_display_name = ?, updated_at = ?
			 WHERE id = ?`,
			nullable(p.BillingAccountID), p.BillingName, p.BillingDisplayName, now, id)
		if err != nil {
			return fmt.Errorf("store: failed to update project %s: %w", p.ProjectID, err)
		}
		return nil
	}
}

// ClearProjectBilling nulls the billing fields of one project row.
func (s *session) ClearProjectBilling(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE projects SET billing_account_id = NULL, billing_account_name = ?, billing_account_display_name = ?, updated_at = ?
		 WHERE id = ?`,
		NoneValue, NoneValue, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: failed to clear project billing: %w", err)
	}
	return nil
}

// DeleteProject removes one project row.
func (s *session) DeleteProject(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: failed to delete project %d: %w", id, err)
	}
	return nil
}

// CountProjectsUsingBilling counts the identity's project rows referencing
// the billing short id.
func (s *session) CountProjectsUsingBilling(ctx context.Context, identityID int64, accountID string) (int, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE identity_id = ? AND billing_account_id = ?`, identityID, accountID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count billing references: %w", err)
	}
	return n, nil
}

// Counts summarizes row counts for the status endpoint.
func (s *session) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	queries := []struct {
		dst   *int
		query string
	}{
		{&c.Identities, `SELECT COUNT(*) FROM identities`},
		{&c.Projects, `SELECT COUNT(*) FROM projects`},
		{&c.OpenBillings, `SELECT COUNT(*) FROM billing_accounts WHERE is_open = TRUE`},
		{&c.ClosedBillings, `SELECT COUNT(*) FROM billing_accounts WHERE is_open = FALSE`},
		{&c.OperationEvents, `SELECT COUNT(*) FROM operation_events`},
	}
	for _, q := range queries {
		if err := s.q.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("store: failed to count rows: %w", err)
		}
	}
	return &c, nil
}
