// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

package notify

import (
	"sync"
	"time"
)

// Debouncer delays a per-server alert and cancels it when the server
// recovers inside the window. A flapping stream that recovers before
// the delay elapses never alerts; a server that stays down alerts
// exactly once per outage.
type Debouncer struct {
	delay time.Duration
	fire  func(serverID, serverName string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewDebouncer builds a debouncer. fire runs on the timer goroutine
// after delay with no recovery in between.
func NewDebouncer(delay time.Duration, fire func(serverID, serverName string)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

// Down arms the timer for a server. An already-armed timer keeps its
// original deadline.
func (d *Debouncer) Down(serverID, serverName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, armed := d.timers[serverID]; armed {
		return
	}
	d.timers[serverID] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		_, armed := d.timers[serverID]
		delete(d.timers, serverID)
		d.mu.Unlock()
		if armed {
			d.fire(serverID, serverName)
		}
	})
}

// Up cancels the pending alert for a server, if any.
func (d *Debouncer) Up(serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, armed := d.timers[serverID]; armed {
		t.Stop()
		delete(d.timers, serverID)
	}
}

// Stop cancels every pending alert without firing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
}
