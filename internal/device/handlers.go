package device

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/traffic"
)

// Handlers contains HTTP handlers for the device API
type Handlers struct {
	orch    *Orchestrator
	cache   *msgcache.Cache
	tracker *traffic.Tracker
	logger  *log.Logger
}

// NewHandlers creates a new device handlers instance
func NewHandlers(orch *Orchestrator, cache *msgcache.Cache, tracker *traffic.Tracker, logger *log.Logger) *Handlers {
	return &Handlers{
		orch:    orch,
		cache:   cache,
		tracker: tracker,
		logger:  logger,
	}
}

// CreateDeviceHandler handles creating a new device
func (h *Handlers) CreateDeviceHandler(c *gin.Context) {
	rec, err := h.orch.CreateDevice()
	if err != nil {
		h.logger.Printf("Device creation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create device"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"device": rec})
}

// ListDevicesHandler returns every known device
func (h *Handlers) ListDevicesHandler(c *gin.Context) {
	devices, err := h.orch.ListDevices()
	if err != nil {
		h.logger.Printf("Device listing failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// GetDeviceHandler returns one device record
func (h *Handlers) GetDeviceHandler(c *gin.Context) {
	rec, err := h.orch.GetDevice(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": rec})
}

// QRHandler returns the current pairing token rendered as a base64 PNG
func (h *Handlers) QRHandler(c *gin.Context) {
	png, err := h.qrPNG(c)
	if err != nil {
		return // response already written
	}
	c.JSON(http.StatusOK, gin.H{"qrcode": "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)})
}

// QRImageHandler returns the current pairing token as a raw PNG image
func (h *Handlers) QRImageHandler(c *gin.Context) {
	png, err := h.qrPNG(c)
	if err != nil {
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// qrPNG resolves the device's pairing token and renders it. Writes the
// error response itself so both QR handlers share the status mapping.
func (h *Handlers) qrPNG(c *gin.Context) ([]byte, error) {
	rec, err := h.orch.GetDevice(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read device"})
		}
		return nil, err
	}

	if rec.Status != StatusQR || rec.QRCode == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Device has no pairing code to show",
			"status": rec.Status,
		})
		return nil, ErrDeviceNotReady
	}

	qr, err := qrcode.New(rec.QRCode, qrcode.Medium)
	if err != nil {
		h.logger.Printf("Failed to build QR code for device %s: %v", rec.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate QR code"})
		return nil, err
	}
	png, err := qr.PNG(256)
	if err != nil {
		h.logger.Printf("Failed to render QR PNG for device %s: %v", rec.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate PNG"})
		return nil, err
	}
	return png, nil
}

// RestartDeviceHandler tears down and relaunches one device
func (h *Handlers) RestartDeviceHandler(c *gin.Context) {
	rec, err := h.orch.RestartDevice(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
			return
		}
		h.logger.Printf("Device restart failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to restart device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "Device restarting", "device": rec})
}

// DeleteDeviceHandler removes one device and all its persisted state
func (h *Handlers) DeleteDeviceHandler(c *gin.Context) {
	if err := h.orch.DeleteDevice(c.Param("id")); err != nil {
		h.logger.Printf("Device deletion failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "Device deleted"})
}

// DeleteAllDevicesHandler removes every device
func (h *Handlers) DeleteAllDevicesHandler(c *gin.Context) {
	if err := h.orch.DeleteAllDevices(); err != nil {
		h.logger.Printf("Bulk device deletion failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete devices"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"msg": "All devices deleted"})
}

// ChatsHandler lists the chats with cached messages for a device
func (h *Handlers) ChatsHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.orch.GetDevice(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	chats := h.cache.Chats(id)
	c.JSON(http.StatusOK, gin.H{"chats": chats, "count": len(chats)})
}

// MessagesHandler returns the cached recent messages for one chat
func (h *Handlers) MessagesHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.orch.GetDevice(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	messages := h.cache.Recent(id, c.Param("chatID"), limit)
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

// StatsHandler returns the device's traffic counters
func (h *Handlers) StatsHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.orch.GetDevice(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": h.tracker.Stats(id)})
}
