package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/doorlock-system/logstore/internal/config"
	"github.com/doorlock-system/logstore/internal/db"
	"github.com/doorlock-system/logstore/internal/httpapi"
	"github.com/doorlock-system/logstore/internal/logstore/service"
	"github.com/doorlock-system/logstore/internal/logstore/store/memory"
	"github.com/doorlock-system/logstore/internal/logstore/store/sqlite"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "logstore-server").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer conn.Close()

	if cfg.Env == "dev" && len(cfg.SeedDevices) > 0 {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{Devices: cfg.SeedDevices}); err != nil {
			logger.Fatal().Err(err).Msg("seed dev devices")
		}
	}

	writer := db.NewWorker(conn)
	defer writer.Close()

	// Stores
	catalog := sqlite.NewPartitionCatalog(conn, writer, cfg.HashBuckets)
	logStore := sqlite.NewLogStore(conn, writer)
	statusStore := sqlite.NewStatusStore(conn, writer)
	deviceStore := sqlite.NewDeviceStore(conn, writer)
	mlog := sqlite.NewMaintenanceLog(conn, writer)
	cache := memory.NewCache()

	// Services
	registry := service.NewDeviceRegistry(deviceStore)
	ingest := service.NewIngestRouter(catalog, logStore, statusStore, registry, logger)
	query := service.NewQueryService(catalog, logStore)

	thresholds := service.DefaultThresholds()
	thresholds.OnlineWithin = time.Duration(cfg.OnlineWithinMinutes) * time.Minute
	thresholds.WarningWithin = time.Duration(cfg.WarningWithinMinutes) * time.Minute
	thresholds.OfflineAlertAfter = thresholds.WarningWithin
	thresholds.LowBatteryPct = cfg.LowBatteryPct
	engine := service.NewAggregationEngine(catalog, logStore, statusStore, deviceStore, thresholds)

	mirror := service.NewCacheMirror(engine, cache, service.CacheTTLs{
		Dashboard:    time.Duration(cfg.DashboardTTLSeconds) * time.Second,
		DeviceStatus: time.Duration(cfg.DeviceStatusTTLSeconds) * time.Second,
	}, time.Duration(cfg.CacheWarmSeconds)*time.Second, logger)

	maintenance := service.NewMaintenanceScheduler(
		catalog, mlog,
		service.RetentionPolicy{RetentionMonths: cfg.RetentionMonths, LookaheadMonths: cfg.LookaheadMonths},
		cfg.HashBuckets,
		time.Duration(cfg.MaintenanceIntervalH)*time.Hour,
		logger,
	)

	maintenance.Start(ctx)
	defer maintenance.Stop()
	mirror.Start(ctx)
	defer mirror.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger,
		Addr:        cfg.HTTPAddr,
		Ingest:      ingest,
		Query:       query,
		Mirror:      mirror,
		Maintenance: maintenance,
		Registry:    registry,
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
