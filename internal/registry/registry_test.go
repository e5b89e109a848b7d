// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharewatch/sharewatch/internal/models"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func activeSession(serverID, sessionKey, identityID string) *models.ActiveSession {
	return &models.ActiveSession{
		ID:         serverID + "-" + sessionKey,
		ServerID:   serverID,
		SessionKey: sessionKey,
		IdentityID: identityID,
		State:      models.StatePlaying,
		StartedAt:  time.Now().UTC(),
		LastSeenAt: time.Now().UTC(),
	}
}

func TestRegistry_PutGetDelete(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	s := activeSession("srv-1", "key-1", "id-1")
	if err := r.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := r.Get(ctx, "srv-1", "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != s.ID || got.IdentityID != "id-1" {
		t.Errorf("got %+v, want %+v", got, s)
	}

	if err := r.Delete(ctx, "srv-1", "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Get(ctx, "srv-1", "key-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}

	// Identity index must be gone too.
	sessions, err := r.ListByIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("list by identity: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("identity index leaked %d entries after delete", len(sessions))
	}
}

func TestRegistry_DeleteMissingIsNoop(t *testing.T) {
	r := openTestRegistry(t)
	if err := r.Delete(context.Background(), "srv-1", "nope"); err != nil {
		t.Errorf("delete missing: %v, want nil", err)
	}
}

func TestRegistry_ListByServer(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for _, s := range []*models.ActiveSession{
		activeSession("srv-1", "a", "id-1"),
		activeSession("srv-1", "b", "id-2"),
		activeSession("srv-2", "c", "id-1"),
	} {
		if err := r.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := r.ListByServer(ctx, "srv-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListByServer(srv-1) = %d sessions, want 2", len(got))
	}

	all, err := r.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll = %d sessions, want 3", len(all))
	}
}

func TestRegistry_ListByIdentityCrossesServers(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for _, s := range []*models.ActiveSession{
		activeSession("srv-1", "a", "id-1"),
		activeSession("srv-2", "b", "id-1"),
		activeSession("srv-2", "c", "id-2"),
	} {
		if err := r.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := r.ListByIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("list by identity: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListByIdentity(id-1) = %d sessions, want 2", len(got))
	}
}

func TestLockIdentity_SerializesSameIdentity(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	release1, err := r.LockIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := r.LockIdentity(ctx, "id-1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	release1()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock after release")
	}
}

func TestLockIdentity_IndependentIdentitiesDoNotBlock(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	release1, err := r.LockIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("acquire id-1: %v", err)
	}
	defer release1()

	done := make(chan struct{})
	go func() {
		release2, err := r.LockIdentity(ctx, "id-2")
		if err == nil {
			release2()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different identity blocked")
	}
}

func TestLockIdentity_ContextCancel(t *testing.T) {
	r := openTestRegistry(t)

	release1, err := r.LockIdentity(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.LockIdentity(ctx, "id-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked acquire returned %v, want deadline exceeded", err)
	}
}

func TestLockIdentity_ReleaseIdempotent(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	release, err := r.LockIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second call must be a no-op, not a deadlock or panic

	again, err := r.LockIdentity(ctx, "id-1")
	if err != nil {
		t.Fatalf("re-acquire after double release: %v", err)
	}
	again()
}

func TestLockIdentity_Stress(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.LockIdentity(ctx, "id-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			counter++ // protected by the identity lock
			release()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50 (lost update under lock)", counter)
	}
}
