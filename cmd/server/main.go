package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/haul-dispatch/internal/config"
	"github.com/example/haul-dispatch/internal/dispatch"
	"github.com/example/haul-dispatch/internal/eta"
	"github.com/example/haul-dispatch/internal/geo"
	httpapi "github.com/example/haul-dispatch/internal/http"
	"github.com/example/haul-dispatch/internal/ingest"
	"github.com/example/haul-dispatch/internal/ledger"
	"github.com/example/haul-dispatch/internal/logging"
	"github.com/example/haul-dispatch/internal/notify"
	"github.com/example/haul-dispatch/internal/payments"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("dispatch-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(cfg.PGDSN, logger)
	}

	var led ledger.Ledger
	if cfg.PGDSN != "" {
		pl, err := ledger.NewPostgresLedger(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		led = pl
	} else {
		logger.Warn("no PG_DSN set, using in-memory ledger")
		led = ledger.NewMemoryLedger()
	}

	var gidx geo.Geo
	var gwriter geo.Upserter
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		gidx, gwriter = rg, rg
	} else {
		logger.Warn("no REDIS_ADDR set, using in-memory geo index")
		idx := geo.NewIndex()
		gidx, gwriter = idx, idx
	}

	var kp *ingest.KafkaProducer
	var events *notify.KafkaEvents
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		events = notify.NewKafkaEvents(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer func() {
			_ = kp.Close()
			_ = events.Close()
		}()
	}

	wsreg := notify.NewWSRegistry()
	var push *notify.PushClient
	if cfg.PushEndpoint != "" {
		push = notify.NewPushClient(cfg.PushEndpoint, os.Getenv("PUSH_KEY"))
	}
	fanout := notify.NewFanout(wsreg, push, events, logger)

	coord := dispatch.NewCoordinator(gidx, led, fanout, dispatch.Config{
		OfferTTL:         cfg.OfferTTL,
		MaxCandidates:    cfg.MaxCandidates,
		MaxDistanceKm:    cfg.MaxDistanceKm,
		MaxLocationAge:   cfg.MaxLocationAge,
		GeoRetryAttempts: cfg.GeoRetryAttempts,
		GeoRetryBackoff:  cfg.GeoRetryBackoff,
	}, logger)

	est := &eta.Estimator{Cache: eta.NewCache(time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	coord.SetETA(est)

	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		coord.SetPayments(payments.NewStripeClient(key))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := dispatch.NewSweeper(led, coord, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, led, gwriter, kp, wsreg, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("haul-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer func() { _ = db.Close() }()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_dispatch.sql")
}
