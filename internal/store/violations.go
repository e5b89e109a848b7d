// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/models"
)

// ViolationFilter narrows ListViolations.
type ViolationFilter struct {
	ServerUserID   string
	RuleType       models.RuleType
	Unacknowledged bool
	Limit          int
}

// ListViolations returns violations newest first.
func (db *DB) ListViolations(ctx context.Context, f ViolationFilter) ([]models.Violation, error) {
	query := `SELECT id, rule_id, rule_type, server_user_id, session_id,
		severity, evidence, summary, acknowledged_at, acknowledged_by, created_at
		FROM violations WHERE 1=1`
	var args []any

	if f.ServerUserID != "" {
		query += ` AND server_user_id = ?`
		args = append(args, f.ServerUserID)
	}
	if f.RuleType != "" {
		query += ` AND rule_type = ?`
		args = append(args, string(f.RuleType))
	}
	if f.Unacknowledged {
		query += ` AND acknowledged_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Violation
	for rows.Next() {
		var (
			v        models.Violation
			ruleType string
			severity string
			evidence sql.NullString
			summary  sql.NullString
			ackAt    sql.NullTime
			ackBy    sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.RuleID, &ruleType, &v.ServerUserID,
			&v.SessionID, &severity, &evidence, &summary, &ackAt, &ackBy,
			&v.CreatedAt); err != nil {
			return nil, err
		}
		v.RuleType = models.RuleType(ruleType)
		v.Severity = models.Severity(severity)
		if evidence.Valid {
			v.Evidence = json.RawMessage(evidence.String)
		}
		v.Summary = summary.String
		if ackAt.Valid {
			t := ackAt.Time
			v.AcknowledgedAt = &t
		}
		v.AcknowledgedBy = ackBy.String
		out = append(out, v)
	}
	return out, rows.Err()
}

// AcknowledgeViolation marks a violation as reviewed. Acknowledging an
// already acknowledged violation is a no-op.
func (db *DB) AcknowledgeViolation(ctx context.Context, id, by string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE violations
		SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL`,
		time.Now(), by, id)
	if err != nil {
		return fmt.Errorf("acknowledge violation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already acknowledged.
		var exists int
		if err := db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM violations WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
	}
	return nil
}
