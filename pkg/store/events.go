package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendEvent writes one operation-log record. The log is append-only;
// there is no update or delete path.
func (s *session) AppendEvent(ctx context.Context, e *OperationEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO operation_events (event_type, identity_id, project_id, billing_account_id, old_value, new_value, status, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.IdentityID, nullable(e.ProjectID), nullable(e.BillingAccountID),
		nullable(e.OldValue), nullable(e.NewValue), e.Status, nullable(e.Message), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: failed to append %s event: %w", e.Type, err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents reads the operation log newest-first.
func (s *session) ListEvents(ctx context.Context, f EventFilter) ([]OperationEvent, error) {
	query := `SELECT id, event_type, identity_id, project_id, billing_account_id, old_value, new_value, status, message, created_at
	          FROM operation_events WHERE 1=1`
	var args []any
	if f.IdentityID != 0 {
		query += ` AND identity_id = ?`
		args = append(args, f.IdentityID)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, f.Type)
	}
	if !f.Start.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Start))
	}
	if !f.End.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, formatTime(f.End))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OperationEvent
	for rows.Next() {
		var (
			e                                         OperationEvent
			projectID, accountID, oldVal, newVal, msg sql.NullString
			createdAt                                 string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.IdentityID, &projectID, &accountID, &oldVal, &newVal, &e.Status, &msg, &createdAt); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.BillingAccountID = accountID.String
		e.OldValue = oldVal.String
		e.NewValue = newVal.String
		e.Message = msg.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// HasSuccessEvent reports whether a successful event of the given type
// exists for (identity, project). The project-delete safety gate reads
// through this.
func (s *session) HasSuccessEvent(ctx context.Context, identityID int64, eventType, projectID string) (bool, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operation_events
		 WHERE identity_id = ? AND event_type = ? AND project_id = ? AND status = ?`,
		identityID, eventType, projectID, StatusSuccess)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("store: failed to query events: %w", err)
	}
	return n > 0, nil
}
