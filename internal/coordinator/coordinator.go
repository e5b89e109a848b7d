// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package coordinator owns one logical connection per media server. A
// push-capable server runs a websocket stream with a polling safety
// net; everything else polls. A single reconciliation ticker drives a
// full poll cycle for every server regardless of its mode, bounding
// state staleness when push delivery silently drops events.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sharewatch/sharewatch/internal/adapter"
	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/metrics"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/processor"
)

// pollAll is the trigger value for a full cycle across all servers.
const pollAll = ""

// Coordinator runs the ingestion side: per-server push streams and the
// global reconciliation poll. It implements suture.Service.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	proc      *processor.Processor
	publisher bus.Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	conns   map[string]*serverConn
	runCtx  context.Context
	trigger chan string
}

type serverConn struct {
	server   models.Server
	client   adapter.Client
	streamer adapter.EventStreamer

	mu    sync.Mutex
	state models.ConnectionState

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a coordinator with no servers attached. publisher may be
// nil.
func New(cfg config.CoordinatorConfig, proc *processor.Processor, publisher bus.Publisher, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		proc:      proc,
		publisher: publisher,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		conns:     make(map[string]*serverConn),
		trigger:   make(chan string, 16),
	}
}

// AddServer attaches a server. Push-capable servers with realtime
// enabled enter the connecting state and start their stream once the
// coordinator runs; everything else lives permanently in fallback,
// which is its normal mode and emits no event.
func (c *Coordinator) AddServer(server models.Server, client adapter.Client, realtime bool) error {
	conn := &serverConn{
		server: server,
		client: client,
		state:  models.ConnDisconnected,
		done:   make(chan struct{}),
	}
	if s, ok := adapter.Streamer(client); ok && realtime {
		conn.streamer = s
	}
	if conn.streamer == nil {
		conn.state = models.ConnFallback
		close(conn.done)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.conns[server.ID]; exists {
		return fmt.Errorf("server %s already attached", server.ID)
	}
	c.conns[server.ID] = conn
	metrics.ServerConnectionState.WithLabelValues(server.ID).Set(stateGauge(conn.state))

	if c.runCtx != nil {
		c.startStream(c.runCtx, conn)
	}
	c.logger.Info().
		Str("server_id", server.ID).
		Str("server_name", server.Name).
		Bool("push", conn.streamer != nil).
		Msg("server attached")
	return nil
}

// RemoveServer detaches a server, stopping its stream. Other servers
// are not disturbed.
func (c *Coordinator) RemoveServer(serverID string) {
	c.mu.Lock()
	conn, ok := c.conns[serverID]
	if ok {
		delete(c.conns, serverID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	// A stream that never started has no goroutine to wait for.
	if conn.cancel != nil {
		conn.cancel()
		<-conn.done
	}
	c.logger.Info().Str("server_id", serverID).Msg("server detached")
}

// TriggerPoll requests an out-of-band reconciliation cycle for all
// servers. Non-blocking; a full trigger queue means a cycle is already
// pending.
func (c *Coordinator) TriggerPoll() {
	c.requestPoll(pollAll)
}

// States snapshots the connection state of every attached server.
func (c *Coordinator) States() map[string]models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.ConnectionState, len(c.conns))
	for id, conn := range c.conns {
		out[id] = conn.State()
	}
	return out
}

// Serve runs the reconciliation loop until the context ends.
func (c *Coordinator) Serve(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.logger.Warn().Msg("poller disabled, ingestion is push-only")
	}

	c.mu.Lock()
	c.runCtx = ctx
	for _, conn := range c.conns {
		c.startStream(ctx, conn)
	}
	c.mu.Unlock()

	if c.cfg.Enabled {
		c.pollCycle(ctx, pollAll)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if !c.cfg.Enabled {
				continue
			}
			c.pollCycle(ctx, pollAll)
			if err := c.proc.SweepStale(ctx, time.Now().UTC()); err != nil {
				c.logger.Error().Err(err).Msg("stale sweep failed")
			}
		case serverID := <-c.trigger:
			c.pollCycle(ctx, serverID)
		}
	}
}

func (c *Coordinator) String() string { return "coordinator" }

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	conns := make([]*serverConn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.runCtx = nil
	c.mu.Unlock()

	for _, conn := range conns {
		if conn.cancel != nil {
			conn.cancel()
			<-conn.done
		}
	}
}

// pollCycle polls one server, or all of them through a bounded worker
// pool. Per-server failures are isolated.
func (c *Coordinator) pollCycle(ctx context.Context, serverID string) {
	c.mu.Lock()
	var targets []*serverConn
	if serverID == pollAll {
		targets = make([]*serverConn, 0, len(c.conns))
		for _, conn := range c.conns {
			targets = append(targets, conn)
		}
	} else if conn, ok := c.conns[serverID]; ok {
		targets = []*serverConn{conn}
	}
	c.mu.Unlock()

	workers := c.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(conn *serverConn) {
			defer wg.Done()
			defer func() { <-sem }()
			c.pollServer(ctx, conn)
		}(conn)
	}
	wg.Wait()
}

func (c *Coordinator) pollServer(ctx context.Context, conn *serverConn) {
	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	raw, err := conn.client.FetchSessions(fetchCtx)
	cancel()
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues(conn.server.ID, "error").Inc()
		c.logger.Warn().Err(err).
			Str("server_id", conn.server.ID).
			Msg("session fetch failed")
		return
	}

	if err := c.proc.ProcessPoll(ctx, conn.server, raw, time.Now().UTC()); err != nil {
		metrics.PollCyclesTotal.WithLabelValues(conn.server.ID, "error").Inc()
		c.logger.Error().Err(err).
			Str("server_id", conn.server.ID).
			Msg("poll cycle had errors")
		return
	}

	metrics.PollCyclesTotal.WithLabelValues(conn.server.ID, "ok").Inc()
	metrics.PollCycleDuration.WithLabelValues(conn.server.ID).Observe(time.Since(start).Seconds())
}

// startStream launches the push loop for a connection. Callers hold
// c.mu.
func (c *Coordinator) startStream(ctx context.Context, conn *serverConn) {
	if conn.streamer == nil || conn.cancel != nil {
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	conn.cancel = cancel
	go c.runStream(streamCtx, conn)
}

// runStream keeps one push stream alive. Stream loss drops the server
// into fallback, where polling carries it, and reconnects with capped
// exponential backoff. This is the only retried operation in the core.
func (c *Coordinator) runStream(ctx context.Context, conn *serverConn) {
	defer close(conn.done)

	backoff := c.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		// Retries during an outage stay in fallback. The state only
		// leaves fallback on a successful handshake, so recovery is a
		// single fallback to connected transition and repeated failed
		// dials never re-announce the outage.
		if conn.State() != models.ConnFallback {
			c.setState(conn, models.ConnConnecting)
		}
		err := conn.streamer.StreamEvents(ctx, func() {
			c.setState(conn, models.ConnConnected)
			c.requestPoll(conn.server.ID)
		})
		if ctx.Err() != nil {
			return
		}

		wasConnected := conn.State() == models.ConnConnected
		c.setState(conn, models.ConnFallback)
		c.logger.Warn().Err(err).
			Str("server_id", conn.server.ID).
			Dur("backoff", backoff).
			Msg("push stream down, polling carries the server")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if wasConnected {
			backoff = c.cfg.BackoffInitial
		} else {
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}
	}
}

func (c *Coordinator) requestPoll(serverID string) {
	select {
	case c.trigger <- serverID:
	default:
	}
}

// setState applies a connection state transition and emits the
// fallback events. Exactly one activated event per transition into
// fallback, one deactivated per transition back to connected.
func (c *Coordinator) setState(conn *serverConn, next models.ConnectionState) {
	conn.mu.Lock()
	prev := conn.state
	if prev == next {
		conn.mu.Unlock()
		return
	}
	conn.state = next
	conn.mu.Unlock()

	metrics.ServerConnectionState.WithLabelValues(conn.server.ID).Set(stateGauge(next))
	c.logger.Debug().
		Str("server_id", conn.server.ID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("connection state changed")

	switch {
	case next == models.ConnFallback:
		c.publishFallback(models.EventFallbackActivated, conn.server)
	case prev == models.ConnFallback && next == models.ConnConnected:
		c.publishFallback(models.EventFallbackDeactivated, conn.server)
	}
}

func (c *Coordinator) publishFallback(eventType string, server models.Server) {
	if c.publisher == nil {
		return
	}
	payload := models.FallbackEvent{ServerID: server.ID, ServerName: server.Name}
	if err := bus.Publish(context.Background(), c.publisher, eventType, payload); err != nil {
		metrics.EventPublishErrors.Inc()
		c.logger.Error().Err(err).Str("event_type", eventType).
			Msg("failed to publish event")
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

func (s *serverConn) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func stateGauge(state models.ConnectionState) float64 {
	switch state {
	case models.ConnDisconnected:
		return 0
	case models.ConnConnecting:
		return 1
	case models.ConnConnected:
		return 2
	case models.ConnFallback:
		return 3
	}
	return 0
}
