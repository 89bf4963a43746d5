package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"glove/internal/canonical"
)

// AuditEntry is one link in the hash chain. Details holds the decoded
// details_json for API responses; hashing always uses the stored raw string.
type AuditEntry struct {
	Seq       int64          `json:"seq"`
	TS        string         `json:"ts"`
	EventType string         `json:"event_type"`
	RequestID string         `json:"request_id,omitempty"`
	Action    string         `json:"action,omitempty"`
	Target    string         `json:"target,omitempty"`
	Outcome   string         `json:"outcome"`
	Details   map[string]any `json:"details"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

// ChainStatus is the result of verifying the audit log end to end.
type ChainStatus struct {
	Valid        bool   `json:"valid"`
	TotalEntries int    `json:"total_entries"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Error        string `json:"error,omitempty"`
	LastHash     string `json:"last_hash,omitempty"`
}

// ComputeEntryHash derives the chain hash for one entry. The first entry's
// prevHash is the empty string. detailsJSON must be the exact canonical
// string stored in the row; re-serializing parsed details would drift.
func ComputeEntryHash(prevHash, ts, eventType, requestID, action, target, outcome, detailsJSON string) string {
	source := strings.Join([]string{
		prevHash, ts, eventType, requestID, action, target, outcome, detailsJSON,
	}, "|")
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// AppendAudit records one event at the head of the chain. The append lock is
// held through the transaction so concurrent writers cannot fork the chain.
func (s *Store) AppendAudit(ctx context.Context, eventType, outcome string, details map[string]any, requestID, action, target string) error {
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := canonical.Marshal(details)
	if err != nil {
		return fmt.Errorf("canonicalize audit details: %w", err)
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx,
		`SELECT entry_hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load chain head: %w", err)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	entryHash := ComputeEntryHash(prevHash, ts, eventType, requestID, action, target, outcome, string(detailsJSON))

	_, err = tx.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO audit_log (ts, event_type, request_id, action, target, outcome, details_json, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ts, eventType, requestID, action, target, outcome, string(detailsJSON), prevHash, entryHash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return tx.Commit()
}

// RecentAudit returns the newest entries, clamped to 1..500.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, `
		SELECT seq, ts, event_type, request_id, action, target, outcome, details_json, prev_hash, entry_hash
		FROM audit_log ORDER BY seq DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		entry, _, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// VerifyIntegrity walks the whole chain in insertion order and recomputes
// every hash from the stored fields.
func (s *Store) VerifyIntegrity(ctx context.Context) (ChainStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, event_type, request_id, action, target, outcome, details_json, prev_hash, entry_hash
		FROM audit_log ORDER BY seq ASC
	`)
	if err != nil {
		return ChainStatus{}, fmt.Errorf("query audit log for verify: %w", err)
	}
	defer rows.Close()

	status := ChainStatus{Valid: true}
	prev := ""
	for rows.Next() {
		entry, detailsJSON, err := scanAuditEntry(rows)
		if err != nil {
			return ChainStatus{}, err
		}
		status.TotalEntries++

		if entry.PrevHash != prev {
			status.Valid = false
			status.BrokenAt = entry.Seq
			status.Error = fmt.Sprintf("entry %d prev_hash does not match prior entry", entry.Seq)
			return status, rows.Err()
		}
		want := ComputeEntryHash(entry.PrevHash, entry.TS, entry.EventType,
			entry.RequestID, entry.Action, entry.Target, entry.Outcome, detailsJSON)
		if entry.EntryHash != want {
			status.Valid = false
			status.BrokenAt = entry.Seq
			status.Error = fmt.Sprintf("entry %d hash mismatch", entry.Seq)
			return status, rows.Err()
		}
		prev = entry.EntryHash
		status.LastHash = entry.EntryHash
	}
	return status, rows.Err()
}

func scanAuditEntry(rows *sql.Rows) (AuditEntry, string, error) {
	var entry AuditEntry
	var requestID, action, target sql.NullString
	var detailsJSON string
	err := rows.Scan(&entry.Seq, &entry.TS, &entry.EventType, &requestID,
		&action, &target, &entry.Outcome, &detailsJSON, &entry.PrevHash, &entry.EntryHash)
	if err != nil {
		return AuditEntry{}, "", fmt.Errorf("scan audit entry: %w", err)
	}
	entry.RequestID = requestID.String
	entry.Action = action.String
	entry.Target = target.String
	if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
		entry.Details = map[string]any{}
	}
	return entry, detailsJSON, nil
}
