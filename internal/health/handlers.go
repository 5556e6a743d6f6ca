package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/whatsfleet/whatsfleet/internal/app"
)

// Handlers contains HTTP handlers for health checks
type Handlers struct {
	app *app.App
}

// NewHandlers creates a new health handlers instance
func NewHandlers(app *app.App) *Handlers {
	return &Handlers{app: app}
}

// RootHandler handles the root endpoint for Docker health checks
func (h *Handlers) RootHandler(c *gin.Context) {
	uptime := time.Since(h.app.StartTime).String()

	_, live := h.app.Orchestrator.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       uptime,
		"device_count": live,
		"version":      "1.0.0",
	})
}

// HealthCheckHandler handles the health check endpoint
func (h *Handlers) HealthCheckHandler(c *gin.Context) {
	uptime := time.Since(h.app.StartTime).String()

	// Collect counts with a timeout so a wedged store never turns the
	// health endpoint into a hang
	type snapshot struct {
		byStatus map[string]int
		live     int
		warming  int
	}
	snapChan := make(chan snapshot, 1)

	go func() {
		var snap snapshot
		counts, live := h.app.Orchestrator.Counts()
		snap.byStatus = make(map[string]int, len(counts))
		for status, n := range counts {
			snap.byStatus[string(status)] = n
		}
		snap.live = live
		for _, stats := range h.app.Tracker.AllStats() {
			if stats.WarmingUp {
				snap.warming++
			}
		}
		snapChan <- snap
	}()

	var snap snapshot
	select {
	case snap = <-snapChan:
	case <-time.After(500 * time.Millisecond):
		h.app.Logger.Printf("Health check timed out collecting device counts")
	}

	// Always return 200 OK status
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"uptime":          uptime,
		"devices":         snap.byStatus,
		"live_handles":    snap.live,
		"warming_devices": snap.warming,
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}

// HealthCheckHandlerWithSlash handles the health check endpoint with trailing slash
func (h *Handlers) HealthCheckHandlerWithSlash(c *gin.Context) {
	h.HealthCheckHandler(c)
}
