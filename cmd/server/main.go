package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/safetrail/backend/internal/api"
	"github.com/safetrail/backend/internal/auth"
	"github.com/safetrail/backend/internal/circuitbreaker"
	"github.com/safetrail/backend/internal/config"
	"github.com/safetrail/backend/internal/consent"
	"github.com/safetrail/backend/internal/core"
	"github.com/safetrail/backend/internal/engine"
	"github.com/safetrail/backend/internal/events"
	"github.com/safetrail/backend/internal/hub"
	"github.com/safetrail/backend/internal/infra"
	"github.com/safetrail/backend/internal/metrics"
	"github.com/safetrail/backend/internal/storage"
	"github.com/safetrail/backend/internal/zones"
)

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			cfgPath = "config.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Redis backs the hot cache and the zone snapshot. Optional unless
	// required in config.
	var (
		cacheHash storage.Hash
		zoneStore zones.SnapshotStore
	)
	redisAdapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Redis.Required {
			log.Fatalf("redis required but unavailable: %v", err)
		}
		log.Printf("redis unavailable, running memory-only: %v", err)
	} else {
		defer redisAdapter.Close()
		cacheHash = redisAdapter
		zoneStore = zones.NewKVSnapshotStore(redisAdapter, "")
	}

	// Postgres backs the location trail and analytics.
	var history storage.HistoryStore
	var compactor *storage.Compactor
	if cfg.Postgres.DSN != "" {
		pg, err := storage.NewPostgresHistory(cfg.Postgres.DSN)
		if err != nil {
			if cfg.Postgres.Required {
				log.Fatalf("postgres required but unavailable: %v", err)
			}
			log.Printf("postgres unavailable, analytics disabled: %v", err)
		} else {
			defer pg.Close()
			history = storage.NewGuardedHistory(pg, circuitbreaker.DefaultConfig("history"))
			compactor, err = storage.NewCompactor(history, cfg.Retention.PurgeSchedule)
			if err != nil {
				log.Fatalf("compactor schedule: %v", err)
			}
			compactor.Start()
			defer compactor.Stop()
		}
	} else if cfg.Postgres.Required {
		log.Fatal("postgres required but no DSN configured")
	}

	consents := consent.NewMemoryStore()

	m := metrics.NewMetrics(nil)
	eng := engine.New(
		engine.Options{
			AlertRingCapacity:  cfg.Alerts.RingCapacity,
			ConsentTimeout:     cfg.Consent.LookupTimeout,
			MaxClockSkew:       cfg.Ingest.MaxClockSkew,
			QueueDepth:         cfg.Ingest.QueueDepth,
			AnonymizeSalt:      cfg.Ingest.AnonymizeSalt,
			AllowImpersonation: cfg.Ingest.AllowImpersonation,
		},
		engine.Deps{
			Resolver:  consents,
			ZoneStore: zoneStore,
			CacheHash: cacheHash,
			History:   history,
		},
		m,
	)
	defer eng.Close()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	eng.WarmUp(warmCtx)
	warmCancel()

	registry := auth.NewRegistry()
	for _, tok := range cfg.Tokens {
		err := registry.Register(auth.Credential{
			KeyID:          tok.KeyID,
			SecretHash:     tok.SecretHash,
			PrincipalID:    tok.PrincipalID,
			PrincipalName:  tok.PrincipalName,
			Role:           core.Role(tok.Role),
			CanImpersonate: tok.CanImpersonate,
			Active:         true,
		})
		if err != nil {
			log.Fatalf("token %s: %v", tok.KeyID, err)
		}
	}

	h := hub.NewHub(registry, eng, eng.States, eng.Bus, m)
	defer h.Close()

	// Durable alert export rides the same bus as the hub.
	if cfg.PubSub.ProjectID != "" {
		exporter, err := events.NewPubSubExporter(eng.Bus, cfg.PubSub.ProjectID, cfg.PubSub.AlertsTopic)
		if err != nil {
			log.Printf("pubsub exporter disabled: %v", err)
		} else {
			defer exporter.Close()
		}
	}

	server := api.NewServer(eng, registry, h)
	server.SetConsentStore(consents)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		log.Fatalf("server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
