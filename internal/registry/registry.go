// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package registry is the active-session registry: the sole owner of
// "is this session currently open" truth. It is backed by BadgerDB so
// open sessions survive a process restart, and it owns the
// identity-keyed lock that serializes session creation.
//
// Three flows mutate the registry (push handler, poll cycle, stale
// sweep); all of them route writes for one identity through
// LockIdentity.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/sharewatch/sharewatch/internal/models"
)

// ErrNotFound is returned when no active session exists for a key.
var ErrNotFound = errors.New("active session not found")

// Key prefixes for BadgerDB storage.
const (
	activeKeyPrefix   = "active:"
	identityKeyPrefix = "identity:"
)

// Registry stores active sessions and serializes per-identity creation.
type Registry struct {
	db    *badger.DB
	locks *identityLocks
}

// Open opens a registry at dir. An empty dir opens an in-memory
// registry, used by tests.
func Open(dir string) (*Registry, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return &Registry{db: db, locks: newIdentityLocks()}, nil
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	return r.db.Close()
}

func activeKey(serverID, sessionKey string) []byte {
	return []byte(activeKeyPrefix + serverID + ":" + sessionKey)
}

func identityKey(identityID, serverID, sessionKey string) []byte {
	return []byte(identityKeyPrefix + identityID + ":" + serverID + ":" + sessionKey)
}

// Put upserts an active session and its identity index entry.
func (r *Registry) Put(ctx context.Context, s *models.ActiveSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(activeKey(s.ServerID, s.SessionKey), data); err != nil {
			return fmt.Errorf("set active session: %w", err)
		}
		if s.IdentityID != "" {
			key := identityKey(s.IdentityID, s.ServerID, s.SessionKey)
			if err := txn.Set(key, activeKey(s.ServerID, s.SessionKey)); err != nil {
				return fmt.Errorf("set identity index: %w", err)
			}
		}
		return nil
	})
}

// Get retrieves the open session for (serverID, sessionKey).
func (r *Registry) Get(ctx context.Context, serverID, sessionKey string) (*models.ActiveSession, error) {
	var session models.ActiveSession

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeKey(serverID, sessionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get active session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes an open session and its identity index entry. Deleting
// a session that is not present is not an error.
func (r *Registry) Delete(ctx context.Context, serverID, sessionKey string) error {
	session, err := r.Get(ctx, serverID, sessionKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(activeKey(serverID, sessionKey)); err != nil {
			return fmt.Errorf("delete active session: %w", err)
		}
		if session.IdentityID != "" {
			if err := txn.Delete(identityKey(session.IdentityID, serverID, sessionKey)); err != nil {
				return fmt.Errorf("delete identity index: %w", err)
			}
		}
		return nil
	})
}

// ListByServer returns all open sessions for one server.
func (r *Registry) ListByServer(ctx context.Context, serverID string) ([]models.ActiveSession, error) {
	return r.scan([]byte(activeKeyPrefix + serverID + ":"))
}

// ListAll returns every open session across servers.
func (r *Registry) ListAll(ctx context.Context) ([]models.ActiveSession, error) {
	return r.scan([]byte(activeKeyPrefix))
}

// ListByIdentity returns all open sessions belonging to one identity,
// across servers.
func (r *Registry) ListByIdentity(ctx context.Context, identityID string) ([]models.ActiveSession, error) {
	var refs [][]byte

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(identityKeyPrefix + identityID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ref := make([]byte, len(val))
				copy(ref, val)
				refs = append(refs, ref)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan identity index: %w", err)
	}

	sessions := make([]models.ActiveSession, 0, len(refs))
	err = r.db.View(func(txn *badger.Txn) error {
		for _, ref := range refs {
			item, err := txn.Get(ref)
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index entry outlived the session; skip it.
				continue
			}
			if err != nil {
				return err
			}
			var s models.ActiveSession
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve identity sessions: %w", err)
	}
	return sessions, nil
}

func (r *Registry) scan(prefix []byte) ([]models.ActiveSession, error) {
	var sessions []models.ActiveSession

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s models.ActiveSession
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan active sessions: %w", err)
	}
	return sessions, nil
}

// LockIdentity acquires the single-flight creation lock for an
// identity, blocking until the lock is free or the context is done.
// The returned release function must be called exactly once.
//
// A caller losing the race acquires the lock after the winner releases
// it; it must then re-read registry state and treat the session as an
// update rather than a second creation.
func (r *Registry) LockIdentity(ctx context.Context, identityID string) (func(), error) {
	return r.locks.acquire(ctx, identityID)
}
