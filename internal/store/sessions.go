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

	"github.com/google/uuid"

	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
)

const sessionColumns = `id, server_id, session_key, rating_key, server_user_id,
	identity_id, username, started_at, stopped_at, duration_ms,
	paused_duration_ms, progress_ms, total_duration_ms, watched,
	reference_id, media_title, media_type, device_id, platform, player,
	ip_address, local, geo_city, geo_country, latitude, longitude`

// execer is satisfied by both *sql.DB and *sql.Tx so the insert
// helpers work inside and outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertSession writes an open historical row for a newly started
// session. StoppedAt stays null until CloseSession.
func (db *DB) InsertSession(ctx context.Context, s *models.Session) error {
	start := time.Now()
	err := insertSession(ctx, db.conn, s)
	metrics.ObserveDBQuery("insert_session", start, err)
	return err
}

func insertSession(ctx context.Context, ex execer, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		s.ID, s.ServerID, s.SessionKey, s.RatingKey, s.ServerUserID,
		s.IdentityID, s.Username, s.StartedAt, s.StoppedAt, s.DurationMs,
		s.PausedDurationMs, s.ProgressMs, s.TotalDurationMs, s.Watched,
		s.ReferenceID, s.MediaTitle, s.MediaType, s.DeviceID, s.Platform, s.Player,
		s.IPAddress, s.Local, s.GeoCity, s.GeoCountry, s.Latitude, s.Longitude,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CloseSession finalizes a session row with its computed outcome.
func (db *DB) CloseSession(ctx context.Context, id string, stoppedAt time.Time, durationMs, pausedMs, progressMs int64, watched bool) error {
	start := time.Now()
	res, err := db.conn.ExecContext(ctx, `UPDATE sessions
		SET stopped_at = ?, duration_ms = ?, paused_duration_ms = ?,
			progress_ms = ?, watched = ?
		WHERE id = ? AND stopped_at IS NULL`,
		stoppedAt, durationMs, pausedMs, progressMs, watched, id)
	metrics.ObserveDBQuery("close_session", start, err)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardSession deletes a session row that fell below the minimum play
// time. Its violations are kept for audit.
func (db *DB) DiscardSession(ctx context.Context, id string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	metrics.ObserveDBQuery("discard_session", start, err)
	if err != nil {
		return fmt.Errorf("discard session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// RecentSessionsByIdentity returns closed sessions for an identity that
// started after since, newest first.
func (db *DB) RecentSessionsByIdentity(ctx context.Context, identityID string, since time.Time) ([]models.Session, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions
		WHERE identity_id = ? AND started_at >= ? AND stopped_at IS NOT NULL
		ORDER BY stopped_at DESC`, identityID, since)
	metrics.ObserveDBQuery("recent_sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// LatestSessionForContent returns the most recently stopped session for
// the given identity and content, or ErrNotFound. Resume grouping reads
// this to find the chain root.
func (db *DB) LatestSessionForContent(ctx context.Context, identityID, ratingKey string) (*models.Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions
		WHERE identity_id = ? AND rating_key = ?
		ORDER BY started_at DESC
		LIMIT 1`, identityID, ratingKey)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*models.Session, error) {
	var (
		s          models.Session
		stoppedAt  sql.NullTime
		refID      sql.NullString
		ratingKey  sql.NullString
		mediaTitle sql.NullString
		mediaType  sql.NullString
		deviceID   sql.NullString
		platform   sql.NullString
		player     sql.NullString
		ipAddress  sql.NullString
		geoCity    sql.NullString
		geoCountry sql.NullString
		lat, lon   sql.NullFloat64
	)
	err := r.Scan(&s.ID, &s.ServerID, &s.SessionKey, &ratingKey, &s.ServerUserID,
		&s.IdentityID, &s.Username, &s.StartedAt, &stoppedAt, &s.DurationMs,
		&s.PausedDurationMs, &s.ProgressMs, &s.TotalDurationMs, &s.Watched,
		&refID, &mediaTitle, &mediaType, &deviceID, &platform, &player,
		&ipAddress, &s.Local, &geoCity, &geoCountry, &lat, &lon)
	if err != nil {
		return nil, err
	}

	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	if refID.Valid {
		v := refID.String
		s.ReferenceID = &v
	}
	s.RatingKey = ratingKey.String
	s.MediaTitle = mediaTitle.String
	s.MediaType = mediaType.String
	s.DeviceID = deviceID.String
	s.Platform = platform.String
	s.Player = player.String
	s.IPAddress = ipAddress.String
	s.GeoCity = geoCity.String
	s.GeoCountry = geoCountry.String
	if lat.Valid {
		v := lat.Float64
		s.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		s.Longitude = &v
	}
	return &s, nil
}

// RecordViolations writes violations for a session and debits the
// account's trust score in one transaction. The stacked penalty is
// applied as a single debit, floored at zero. Either everything
// commits or nothing does.
func (db *DB) RecordViolations(ctx context.Context, violations []models.Violation, serverUserID string, penalty int) error {
	if len(violations) == 0 && penalty == 0 {
		return nil
	}

	start := time.Now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin violation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := writeViolations(ctx, tx, violations, serverUserID, penalty); err != nil {
		return err
	}

	err = tx.Commit()
	metrics.ObserveDBQuery("record_violations", start, err)
	if err != nil {
		return fmt.Errorf("commit violation tx: %w", err)
	}
	return nil
}

// InsertSessionWithViolations writes the open session row together with
// its start-time violations and the trust debit in one transaction. A
// session never commits without its detection outcome; on error the
// caller retries the whole start on the next cycle.
func (db *DB) InsertSessionWithViolations(ctx context.Context, s *models.Session, violations []models.Violation, serverUserID string, penalty int) error {
	start := time.Now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertSession(ctx, tx, s); err != nil {
		return err
	}
	if err := writeViolations(ctx, tx, violations, serverUserID, penalty); err != nil {
		return err
	}

	err = tx.Commit()
	metrics.ObserveDBQuery("insert_session_with_violations", start, err)
	if err != nil {
		return fmt.Errorf("commit session tx: %w", err)
	}
	return nil
}

func writeViolations(ctx context.Context, ex execer, violations []models.Violation, serverUserID string, penalty int) error {
	for i := range violations {
		v := &violations[i]
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now()
		}
		if _, err := ex.ExecContext(ctx, `INSERT INTO violations
			(id, rule_id, rule_type, server_user_id, session_id, severity,
			 evidence, summary, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.RuleID, string(v.RuleType), v.ServerUserID, v.SessionID,
			string(v.Severity), string(v.Evidence), v.Summary, v.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}

	if penalty > 0 {
		if _, err := ex.ExecContext(ctx, `UPDATE server_users
			SET trust_score = CASE WHEN trust_score - ? < 0 THEN 0 ELSE trust_score - ? END,
				updated_at = ?
			WHERE id = ?`,
			penalty, penalty, time.Now(), serverUserID,
		); err != nil {
			return fmt.Errorf("debit trust score: %w", err)
		}
	}
	return nil
}
