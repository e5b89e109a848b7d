// ShareWatch - Media Server Account-Sharing Detection
// Copyright 2026 ShareWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sharewatch/sharewatch

// Package main is the entry point for the ShareWatch server.
//
// ShareWatch watches active playback on self-hosted Plex, Jellyfin and
// Emby servers and flags likely account sharing. Ingestion merges a
// push feed (Plex websocket) with a polling fallback, a tracking layer
// reconstructs watch durations through pauses, resumes and quality
// changes, and a rule engine scores sessions for impossible travel,
// simultaneous locations, device velocity, concurrent streams and geo
// restrictions, debiting per-account trust scores.
//
// Startup order: configuration (koanf, env > file > defaults), DuckDB
// historical store, Badger active-session registry, event bus (embedded
// NATS JetStream or in-process channels), ingestion coordinator, and
// the HTTP status API. Long-running components run under a suture
// supervision tree and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sharewatch/sharewatch/internal/adapter"
	"github.com/sharewatch/sharewatch/internal/api"
	"github.com/sharewatch/sharewatch/internal/bus"
	"github.com/sharewatch/sharewatch/internal/config"
	"github.com/sharewatch/sharewatch/internal/coordinator"
	"github.com/sharewatch/sharewatch/internal/geo"
	"github.com/sharewatch/sharewatch/internal/logging"
	"github.com/sharewatch/sharewatch/internal/models"
	"github.com/sharewatch/sharewatch/internal/notify"
	"github.com/sharewatch/sharewatch/internal/processor"
	"github.com/sharewatch/sharewatch/internal/registry"
	"github.com/sharewatch/sharewatch/internal/store"
	"github.com/sharewatch/sharewatch/internal/supervisor"
	"github.com/sharewatch/sharewatch/internal/trust"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logger := logging.Logger()

	logging.Info().
		Int("servers", len(cfg.Servers)).
		Str("db_path", cfg.Database.Path).
		Bool("nats", cfg.NATS.Enabled).
		Msg("starting sharewatch")

	db, err := store.New(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open historical store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing historical store")
		}
	}()

	if cfg.Detection.SeedDefaultRules {
		if err := db.SeedDefaultRules(context.Background(), cfg.Detection); err != nil {
			logging.Fatal().Err(err).Msg("failed to seed default rules")
		}
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open session registry")
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing session registry")
		}
	}()

	// Event bus: embedded JetStream by default, plain channels when NATS
	// is disabled.
	var (
		publisher  bus.Publisher
		subscriber bus.Subscriber
		embedded   *bus.EmbeddedServer
	)
	if cfg.NATS.Enabled {
		natsURL := cfg.NATS.URL
		if cfg.NATS.EmbeddedServer {
			embedded, err = bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
				Host:              cfg.NATS.Host,
				Port:              cfg.NATS.Port,
				StoreDir:          cfg.NATS.StoreDir,
				JetStreamMaxMem:   cfg.NATS.MaxMemory,
				JetStreamMaxStore: cfg.NATS.MaxStore,
			})
			if err != nil {
				logging.Fatal().Err(err).Msg("failed to start embedded nats server")
			}
			natsURL = embedded.ClientURL()
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = embedded.Shutdown(ctx)
			}()
		}

		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = natsURL
		natsCfg.DurableName = cfg.NATS.DurableName
		natsCfg.QueueGroup = cfg.NATS.QueueGroup
		natsCfg.AckWaitTimeout = cfg.NATS.AckWait

		nb, err := bus.NewNATSBus(natsCfg, bus.NewLoggerAdapter(logger))
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to connect event bus")
		}
		publisher, subscriber = nb, nb
		defer func() { _ = nb.Close() }()
	} else {
		gb := bus.NewGoChannelBus(bus.NewLoggerAdapter(logger))
		publisher, subscriber = gb, gb
		defer func() { _ = gb.Close() }()
	}

	resolver := buildResolver(cfg.Detection)
	applier := trust.NewApplier(db, publisher, logger)

	proc := processor.New(db, reg, publisher, resolver, applier, processor.Config{
		StaleTimeout:      cfg.Detection.StaleTimeout,
		MinPlayTimeMs:     cfg.Detection.MinPlayTimeMs,
		WatchThreshold:    cfg.Detection.WatchThreshold,
		ResumeThresholdMs: cfg.Detection.ResumeThresholdMs,
		RecentWindow:      cfg.Detection.RecentWindow,
	}, logger)

	coord := coordinator.New(cfg.Coordinator, proc, publisher, logger)
	for _, sc := range cfg.Servers {
		server := models.Server{
			ID:    sc.ID,
			Name:  sc.Name,
			Type:  models.ServerType(sc.Type),
			URL:   sc.URL,
			Token: sc.Token,
		}
		if server.ID == "" {
			server.ID = sc.Name
		}

		client, err := adapter.New(server, cfg.Coordinator.RequestTimeout)
		if err != nil {
			logging.Fatal().Err(err).Str("server", sc.Name).Msg("failed to build media adapter")
		}
		client = adapter.WithResilience(client, adapter.ResilienceConfig{
			RateLimitPerSec:   cfg.Coordinator.RateLimitPerSec,
			BreakerMaxFails:   cfg.Coordinator.BreakerMaxFails,
			BreakerOpenPeriod: cfg.Coordinator.BreakerOpenPeriod,
		})
		if err := coord.AddServer(server, client, sc.Realtime); err != nil {
			logging.Fatal().Err(err).Str("server", sc.Name).Msg("failed to attach server")
		}
	}

	webhook := notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout)
	dispatcher := notify.NewDispatcher(subscriber, webhook, cfg.Notify, logger)

	apiServer := api.New(cfg.API, db, reg, coord, logger)

	tree := supervisor.NewTree(
		slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		supervisor.DefaultTreeConfig(),
	)
	tree.AddIngestService(coord)
	tree.AddProcessingService(dispatcher)
	if cfg.Trust.RecoveryEnabled {
		tree.AddProcessingService(trust.NewRecoveryJob(db,
			cfg.Trust.RecoveryInterval, cfg.Trust.RecoveryPoints, logger))
	}
	tree.AddAPIService(apiServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervision tree failed")
	}
	logging.Info().Msg("sharewatch stopped")
}

// buildResolver picks the GeoIP source: a static table when configured,
// otherwise the free ip-api.com service. Both sit behind a lookup
// cache.
func buildResolver(cfg config.DetectionConfig) geo.Resolver {
	if cfg.GeoDatabasePath != "" {
		fr, err := geo.NewFileResolver(cfg.GeoDatabasePath)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.GeoDatabasePath).Msg("failed to load geo table")
		}
		return geo.NewCachedResolver(fr, time.Hour)
	}
	return geo.NewCachedResolver(geo.NewIPAPIResolver(), time.Hour)
}
