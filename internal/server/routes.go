package server

import (
	"github.com/whatsfleet/whatsfleet/internal/device"
	"github.com/whatsfleet/whatsfleet/internal/health"
	"github.com/whatsfleet/whatsfleet/internal/stream"
)

// SetupRoutes configures all the routes for the application
func (s *Server) SetupRoutes() {
	// Register health check handlers
	healthHandlers := health.NewHandlers(s.app)
	s.router.GET("/", healthHandlers.RootHandler)
	s.router.GET("/health", healthHandlers.HealthCheckHandler)
	s.router.GET("/health/", healthHandlers.HealthCheckHandlerWithSlash)

	// Register device handlers
	deviceHandlers := device.NewHandlers(s.app.Orchestrator, s.app.Cache, s.app.Tracker, s.app.Logger)
	s.router.POST("/devices", deviceHandlers.CreateDeviceHandler)
	s.router.GET("/devices", deviceHandlers.ListDevicesHandler)
	s.router.DELETE("/devices", deviceHandlers.DeleteAllDevicesHandler)
	s.router.GET("/devices/:id", deviceHandlers.GetDeviceHandler)
	s.router.DELETE("/devices/:id", deviceHandlers.DeleteDeviceHandler)
	s.router.POST("/devices/:id/restart", deviceHandlers.RestartDeviceHandler)
	s.router.GET("/devices/:id/qr", deviceHandlers.QRHandler)
	s.router.GET("/devices/:id/qr.png", deviceHandlers.QRImageHandler)
	s.router.GET("/devices/:id/chats", deviceHandlers.ChatsHandler)
	s.router.GET("/devices/:id/chats/:chatID/messages", deviceHandlers.MessagesHandler)
	s.router.GET("/devices/:id/stats", deviceHandlers.StatsHandler)

	// Register the websocket event stream
	streamHandlers := stream.NewHandlers(s.app.Hub, s.app.Config.StreamSecret, s.app.Logger)
	s.router.GET("/stream/:id", streamHandlers.SubscribeHandler)
}
