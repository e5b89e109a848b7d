// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package store persists closed sessions, violations, server users and
// detection rules in DuckDB.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/sharewatch/sharewatch/internal/config"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at cfg.Path and initializes the schema. An
// empty path opens an in-memory database, used by tests.
func New(cfg config.DatabaseConfig) (*DB, error) {
	connStr := cfg.Path
	if connStr != "" {
		dbDir := filepath.Dir(cfg.Path)
		if dbDir != "" && dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
			}
		}

		threads := cfg.Threads
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		connStr = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) createTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Ids are TEXT, not UUID: the driver scans UUID columns as raw
	// bytes, which do not round-trip through the string ids used
	// everywhere above this layer.
	queries := []string{
		`CREATE TABLE IF NOT EXISTS server_users (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			identity_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			username TEXT NOT NULL,
			trust_score INTEGER NOT NULL DEFAULT 100,
			session_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (server_id, external_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			rating_key TEXT,
			server_user_id TEXT NOT NULL,
			identity_id TEXT NOT NULL,
			username TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			paused_duration_ms BIGINT NOT NULL DEFAULT 0,
			progress_ms BIGINT NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			watched BOOLEAN NOT NULL DEFAULT false,
			reference_id TEXT,
			media_title TEXT,
			media_type TEXT,
			device_id TEXT,
			platform TEXT,
			player TEXT,
			ip_address TEXT,
			local BOOLEAN NOT NULL DEFAULT false,
			geo_city TEXT,
			geo_country TEXT,
			latitude DOUBLE,
			longitude DOUBLE
		)`,

		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			server_user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			evidence TEXT,
			summary TEXT,
			acknowledged_at TIMESTAMP,
			acknowledged_by TEXT,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			params TEXT NOT NULL,
			server_user_id TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_identity_started
			ON sessions (identity_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_started
			ON sessions (server_user_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_user
			ON violations (server_user_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute query: %s: %w", query, err)
		}
	}

	return nil
}
