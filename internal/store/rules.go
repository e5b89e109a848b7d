// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/models"
)

// ListActiveRules returns every active rule. Scope filtering happens at
// evaluation time so one load serves a whole poll cycle.
func (db *DB) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, rule_type, params,
		server_user_id, is_active, created_at, updated_at
		FROM rules WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetRule returns one rule by id.
func (db *DB) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, rule_type, params,
		server_user_id, is_active, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// UpsertRule inserts or replaces a rule.
func (db *DB) UpsertRule(ctx context.Context, r *models.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	raw, err := models.EncodeRuleParams(r.Params)
	if err != nil {
		return err
	}
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	_, err = db.conn.ExecContext(ctx, `INSERT INTO rules
		(id, rule_type, params, server_user_id, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			rule_type = excluded.rule_type,
			params = excluded.params,
			server_user_id = excluded.server_user_id,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		r.ID, string(r.Type), string(raw), r.ServerUserID, r.IsActive,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by id.
func (db *DB) DeleteRule(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedDefaultRules installs the global default rule set when the rules
// table is empty. Operator-edited rules are never overwritten.
func (db *DB) SeedDefaultRules(ctx context.Context, cfg config.DetectionConfig) error {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&count); err != nil {
		return fmt.Errorf("count rules: %w", err)
	}
	if count > 0 {
		return nil
	}

	defaults := []models.RuleParams{
		models.ImpossibleTravelParams{
			MaxSpeedKmh: cfg.MaxSpeedKmh,
			Severity:    models.SeverityHigh,
		},
		models.SimultaneousLocationsParams{
			MinDistanceKm: cfg.SimultaneousMinKm,
			Severity:      models.SeverityHigh,
		},
		models.DeviceVelocityParams{
			MaxIPs:            cfg.DeviceVelocityMaxIPs,
			WindowHours:       cfg.DeviceVelocityWindowH,
			ExcludePrivateIPs: true,
			Severity:          models.SeverityWarning,
		},
		models.ConcurrentStreamsParams{
			MaxStreams: cfg.MaxConcurrentStreams,
			Severity:   models.SeverityWarning,
		},
	}

	for _, params := range defaults {
		rule := &models.Rule{
			Type:     params.RuleType(),
			Params:   params,
			IsActive: true,
		}
		if err := db.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("seed %s rule: %w", params.RuleType(), err)
		}
	}
	return nil
}

func scanRule(r rowScanner) (*models.Rule, error) {
	var (
		rule      models.Rule
		ruleType  string
		rawParams string
		userID    sql.NullString
	)
	err := r.Scan(&rule.ID, &ruleType, &rawParams, &userID, &rule.IsActive,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rule.Type = models.RuleType(ruleType)
	if userID.Valid {
		v := userID.String
		rule.ServerUserID = &v
	}
	params, err := models.DecodeRuleParams(rule.Type, json.RawMessage(rawParams))
	if err != nil {
		return nil, err
	}
	rule.Params = params
	return &rule, nil
}
