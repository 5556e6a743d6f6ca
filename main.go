package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/whatsfleet/whatsfleet/internal/app"
	"github.com/whatsfleet/whatsfleet/internal/config"
	"github.com/whatsfleet/whatsfleet/internal/device"
	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/server"
	"github.com/whatsfleet/whatsfleet/internal/store"
	"github.com/whatsfleet/whatsfleet/internal/stream"
	"github.com/whatsfleet/whatsfleet/internal/traffic"
	"github.com/whatsfleet/whatsfleet/internal/waclient"
	"github.com/whatsfleet/whatsfleet/pkg/logger"
)

func main() {
	cfg := config.NewConfig()

	appLogger, err := logger.SetupLogging(cfg.LogDir)
	if err != nil {
		appLogger = logger.SetupFallbackLogger()
		appLogger.Printf("Falling back to stdout logging: %v", err)
	}
	defer logger.CloseLogger()

	if err := cfg.EnsureDataDir(); err != nil {
		appLogger.Fatalf("Failed to create data directory: %v", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		appLogger.Fatalf("Failed to open session store: %v", err)
	}
	defer st.Close()

	hub := stream.NewHub(appLogger)
	tracker := traffic.NewTracker(cfg.WarmupWindow)
	cache := msgcache.New(cfg.CacheCapacity)
	factory := waclient.Factory(cfg, appLogger)
	orch := device.NewOrchestrator(st, cache, hub, tracker, factory, appLogger)

	application := app.New(cfg, appLogger, st, cache, hub, tracker, orch)

	// Bring every persisted device back up before accepting traffic
	orch.RestoreAll()

	// Periodically release handles that have sat disconnected too long
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+cfg.StaleSweepInterval.String(), func() {
		orch.SweepStale(cfg.StaleIdleWindow)
	}); err != nil {
		appLogger.Fatalf("Failed to schedule stale sweep: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(application, cfg)
	srv.SetupRoutes()
	if err := srv.Start(); err != nil {
		appLogger.Fatalf("Failed to start server: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Printf("Shutdown error: %v", err)
	}
}
