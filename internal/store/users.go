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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
)

const maxTrustScore = 100

// ResolveUser returns the server user for (serverID, externalID),
// creating it with a full trust score on first sight. New accounts join
// the identity keyed by their lowercased username, which links the same
// person's accounts across servers.
func (db *DB) ResolveUser(ctx context.Context, serverID, externalID, username string) (*models.ServerUser, error) {
	u, err := db.getUserByExternal(ctx, serverID, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	u = &models.ServerUser{
		ID:         uuid.NewString(),
		ServerID:   serverID,
		IdentityID: strings.ToLower(username),
		ExternalID: externalID,
		Username:   username,
		TrustScore: maxTrustScore,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = db.conn.ExecContext(ctx, `INSERT INTO server_users
		(id, server_id, identity_id, external_id, username, trust_score,
		 session_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT DO NOTHING`,
		u.ID, u.ServerID, u.IdentityID, u.ExternalID, u.Username,
		u.TrustScore, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create server user: %w", err)
	}

	// A concurrent insert may have won; read back the committed row.
	return db.getUserByExternal(ctx, serverID, externalID)
}

// GetServerUser returns one server user by id.
func (db *DB) GetServerUser(ctx context.Context, id string) (*models.ServerUser, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, server_id, identity_id,
		external_id, username, trust_score, session_count, created_at, updated_at
		FROM server_users WHERE id = ?`, id)
	return scanUser(row)
}

func (db *DB) getUserByExternal(ctx context.Context, serverID, externalID string) (*models.ServerUser, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, server_id, identity_id,
		external_id, username, trust_score, session_count, created_at, updated_at
		FROM server_users WHERE server_id = ? AND external_id = ?`,
		serverID, externalID)
	return scanUser(row)
}

// UsersByIdentity returns all server users linked to an identity.
func (db *DB) UsersByIdentity(ctx context.Context, identityID string) ([]models.ServerUser, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, server_id, identity_id,
		external_id, username, trust_score, session_count, created_at, updated_at
		FROM server_users WHERE identity_id = ?`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query users by identity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.ServerUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// IncrementSessionCount bumps the account's completed-session counter.
func (db *DB) IncrementSessionCount(ctx context.Context, serverUserID string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE server_users
		SET session_count = session_count + 1, updated_at = ?
		WHERE id = ?`, time.Now(), serverUserID)
	if err != nil {
		return fmt.Errorf("increment session count: %w", err)
	}
	return nil
}

// IdentityTrustScore computes the aggregate trust score for an
// identity: the session-count-weighted mean of its accounts' scores.
// Accounts with no sessions weigh 1 so a fresh account still counts.
func IdentityTrustScore(users []models.ServerUser) int {
	if len(users) == 0 {
		return maxTrustScore
	}
	var weighted, total int
	for _, u := range users {
		w := u.SessionCount
		if w < 1 {
			w = 1
		}
		weighted += u.TrustScore * w
		total += w
	}
	return weighted / total
}

// RecoverTrust credits every account below the cap by points. Returns
// the number of accounts touched.
func (db *DB) RecoverTrust(ctx context.Context, points int) (int64, error) {
	if points <= 0 {
		return 0, nil
	}
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `UPDATE server_users
		SET trust_score = CASE WHEN trust_score + ? > ? THEN ? ELSE trust_score + ? END,
			updated_at = ?
		WHERE trust_score < ?`,
		points, maxTrustScore, maxTrustScore, points, time.Now(), maxTrustScore)
	metrics.ObserveDBQuery("recover_trust", start, err)
	if err != nil {
		return 0, fmt.Errorf("recover trust: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanUser(r rowScanner) (*models.ServerUser, error) {
	var u models.ServerUser
	err := r.Scan(&u.ID, &u.ServerID, &u.IdentityID, &u.ExternalID,
		&u.Username, &u.TrustScore, &u.SessionCount, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
