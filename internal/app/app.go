package app

import (
	"log"
	"time"

	"github.com/whatsfleet/whatsfleet/internal/config"
	"github.com/whatsfleet/whatsfleet/internal/device"
	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/store"
	"github.com/whatsfleet/whatsfleet/internal/stream"
	"github.com/whatsfleet/whatsfleet/internal/traffic"
)

// App holds shared application state and resources. Everything is wired
// explicitly at startup; nothing reaches for process-global state.
type App struct {
	Config       *config.Config
	Logger       *log.Logger
	Store        *store.Store
	Cache        *msgcache.Cache
	Hub          *stream.Hub
	Tracker      *traffic.Tracker
	Orchestrator *device.Orchestrator
	StartTime    time.Time // Track startup time for health checks
}

// New assembles the application container from its already-built parts.
func New(cfg *config.Config, logger *log.Logger, st *store.Store, cache *msgcache.Cache, hub *stream.Hub, tracker *traffic.Tracker, orch *device.Orchestrator) *App {
	return &App{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Cache:        cache,
		Hub:          hub,
		Tracker:      tracker,
		Orchestrator: orch,
		StartTime:    time.Now(),
	}
}
