package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Approval request statuses. Pending is the only non-terminal status.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// ErrNotFound is returned when a request id does not exist.
var ErrNotFound = errors.New("request not found")

// ApprovalRequest is a persisted authorization request awaiting (or past)
// its human decision.
type ApprovalRequest struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	Target       string `json:"target"`
	MetadataJSON string `json:"metadata_json"`
	Risk         string `json:"risk"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	PolicyID     string `json:"policy_id"`
	Attempts     int    `json:"attempts"`
	CreatedAt    string `json:"created_at"`
	ExpiresAt    string `json:"expires_at"`
	ApprovedAt   string `json:"approved_at,omitempty"`
}

// Expired reports whether the request's deadline has passed at the given
// instant. An unparsable expires_at is treated as expired.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	deadline, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(deadline)
}

// CreateRequest inserts a new pending approval request.
func (s *Store) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO approval_requests
			(id, action, target, metadata_json, risk, status, reason, policy_id, attempts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		req.ID, req.Action, req.Target, req.MetadataJSON, req.Risk, req.Status,
		req.Reason, req.PolicyID, req.Attempts, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest loads one request by id. Returns ErrNotFound when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT id, action, target, metadata_json, risk, status, reason, policy_id,
		       attempts, created_at, expires_at, approved_at
		FROM approval_requests WHERE id = ?
	`), id)
	return scanRequest(row)
}

// IncrementAttempts bumps the PIN attempt counter and returns the new count.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		UPDATE approval_requests SET attempts = attempts + 1 WHERE id = ? RETURNING attempts
	`), id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// SetRequestStatus transitions a request to a new status. approved_at is set
// only when the new status is approved, and cleared otherwise.
func (s *Store) SetRequestStatus(ctx context.Context, id, status string) error {
	var approvedAt any
	if status == StatusApproved {
		approvedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE approval_requests SET status = ?, approved_at = ? WHERE id = ?
	`), status, approvedAt, id)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingRequests returns up to 100 pending requests, newest first.
func (s *Store) ListPendingRequests(ctx context.Context) ([]ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, `
		SELECT id, action, target, metadata_json, risk, status, reason, policy_id,
		       attempts, created_at, expires_at, approved_at
		FROM approval_requests
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT 100
	`), StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ExpireOverdue flips every pending request whose deadline has passed to
// expired, returning how many were flipped.
func (s *Store) ExpireOverdue(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE approval_requests SET status = ? WHERE status = ? AND expires_at <= ?
	`), StatusExpired, StatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("expire overdue requests: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	var req ApprovalRequest
	var approvedAt sql.NullString
	err := row.Scan(
		&req.ID, &req.Action, &req.Target, &req.MetadataJSON, &req.Risk,
		&req.Status, &req.Reason, &req.PolicyID, &req.Attempts,
		&req.CreatedAt, &req.ExpiresAt, &approvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	if approvedAt.Valid {
		req.ApprovedAt = approvedAt.String
	}
	return &req, nil
}
