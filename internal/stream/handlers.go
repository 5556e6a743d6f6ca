package stream

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Handlers exposes the websocket subscription endpoint.
type Handlers struct {
	hub    *Hub
	secret string
	logger *log.Logger

	upgrader websocket.Upgrader
}

// NewHandlers creates the stream handlers. The shared secret authenticates
// subscribers independently of any end-user session.
func NewHandlers(hub *Hub, secret string, logger *log.Logger) *Handlers {
	return &Handlers{
		hub:    hub,
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Cross-origin subscribers are expected; the shared secret is
			// the access control, not the origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SubscribeHandler upgrades the connection and streams the device's events
// until the subscriber disconnects. Authentication happens once, before the
// upgrade; a bad token never sees a single event.
func (h *Handlers) SubscribeHandler(c *gin.Context) {
	deviceID := c.Param("id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing device id"})
		return
	}

	if !h.authorize(c.Request) {
		h.logger.Printf("Rejected stream subscriber for device %s: bad credentials", deviceID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid stream credentials"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("Websocket upgrade failed for device %s: %v", deviceID, err)
		return
	}

	sub := h.hub.Subscribe(deviceID)
	h.logger.Printf("Stream subscriber attached for device %s", deviceID)

	go h.writePump(conn, sub, deviceID)
	go h.readPump(conn, sub, deviceID)
}

// authorize compares the presented token against the shared secret. An
// unset secret disables the stream entirely rather than leaving it open.
func (h *Handlers) authorize(r *http.Request) bool {
	if h.secret == "" {
		return false
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

// writePump forwards hub events to the socket in order.
func (h *Handlers) writePump(conn *websocket.Conn, sub *Subscriber, deviceID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				h.logger.Printf("Stream write failed for device %s: %v", deviceID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and tears the subscriber down when the
// peer goes away.
func (h *Handlers) readPump(conn *websocket.Conn, sub *Subscriber, deviceID string) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.logger.Printf("Stream subscriber detached for device %s", deviceID)
			return
		}
	}
}
