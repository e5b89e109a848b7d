// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package registry

import (
	"context"
	"sync"
)

// identityLocks is a keyed mutex with context-aware acquisition.
// Entries are reference counted and removed when the last waiter
// leaves, so the map does not grow with the number of identities ever
// seen.
type identityLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	// ch acts as a one-slot mutex: sending acquires, receiving
	// releases.
	ch   chan struct{}
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{entries: make(map[string]*lockEntry)}
}

func (l *identityLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-entry.ch
				l.drop(key, entry)
			})
		}
		return release, nil
	case <-ctx.Done():
		l.drop(key, entry)
		return nil, ctx.Err()
	}
}

func (l *identityLocks) drop(key string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}
