package device

import (
	"context"
	"errors"
	"time"

	"github.com/whatsfleet/whatsfleet/internal/client"
	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/stream"
)

// Warm-population bounds: how many chats and messages per chat to seed
// from the client's own history after ready, and how long to try.
const (
	warmChatLimit    = 10
	warmPerChatLimit = 25
	warmTimeout      = 30 * time.Second
)

// transition returns the next status for a client event. The controller
// accepts forward and lateral transitions alike: the external client is
// the authority on what its session just did, so no strict DAG is
// asserted (ready can fall back to qr after a logout, disconnected can
// come back to ready on auto-reconnect).
func transition(cur Status, kind client.EventKind) Status {
	switch kind {
	case client.EventQR:
		return StatusQR
	case client.EventReady:
		return StatusReady
	case client.EventDisconnected:
		return StatusDisconnected
	default:
		// authenticated / message / state_changed leave the status alone
		return cur
	}
}

// controller owns one device's state machine. It is the only writer of
// status, qrCode and lastSeen; callbacks arrive one at a time per device,
// so no transition races with another for the same device.
type controller struct {
	orch *Orchestrator
	h    *handle
}

func newController(orch *Orchestrator, h *handle) *controller {
	return &controller{orch: orch, h: h}
}

// handleEvent is the client callback. Events for a deleted device are
// no-ops: liveness is checked before anything else.
func (c *controller) handleEvent(evt client.Event) {
	if !c.h.alive.Load() {
		return
	}

	switch evt.Kind {
	case client.EventQR:
		c.onQR(evt.QRCode)
	case client.EventReady:
		c.onReady()
	case client.EventAuthenticated:
		c.onAuthenticated()
	case client.EventMessage, client.EventMessageSent:
		c.onMessage(evt.Message)
	case client.EventDisconnected:
		c.onDisconnected(evt.Reason)
	case client.EventStateChange:
		c.onStateChange(evt.State)
	}
}

func (c *controller) onQR(code string) {
	rec := c.h.update(func(d *Device) {
		d.Status = transition(d.Status, client.EventQR)
		d.QRCode = code
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	c.orch.hub.Publish(stream.Event{
		Event:    stream.EventDeviceQR,
		DeviceID: c.h.id,
		QR:       code,
	})
}

func (c *controller) onReady() {
	profile, _ := c.clientProfile()
	rec := c.h.update(func(d *Device) {
		d.Status = transition(d.Status, client.EventReady)
		d.QRCode = ""
		if profile.PhoneNumber != "" {
			d.PhoneNumber = profile.PhoneNumber
		}
		if profile.DisplayName != "" {
			d.DisplayName = profile.DisplayName
		}
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	c.orch.tracker.MarkReady(c.h.id)
	c.orch.hub.Publish(stream.Event{
		Event:       stream.EventDeviceReady,
		DeviceID:    c.h.id,
		PhoneNumber: rec.PhoneNumber,
	})

	go c.warmPopulate()
}

func (c *controller) onAuthenticated() {
	// The profile lookup is best-effort and must never block the event
	profile, _ := c.clientProfile()
	rec := c.h.update(func(d *Device) {
		if profile.PhoneNumber != "" {
			d.PhoneNumber = profile.PhoneNumber
		}
		if profile.DisplayName != "" {
			d.DisplayName = profile.DisplayName
		}
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	c.orch.hub.Publish(stream.Event{
		Event:       stream.EventDeviceAuthenticated,
		DeviceID:    c.h.id,
		PhoneNumber: rec.PhoneNumber,
		ClientName:  rec.DisplayName,
	})
}

func (c *controller) onMessage(msg client.Message) {
	rec := c.h.update(func(d *Device) {
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)

	if msg.FromMe {
		c.orch.tracker.RecordOutbound(c.h.id)
	} else {
		c.orch.tracker.RecordInbound(c.h.id)
		c.orch.hub.Publish(stream.Event{
			Event:    stream.EventMessageReceived,
			DeviceID: c.h.id,
			Message:  c.cacheEntry(msg),
		})
	}

	if qualifies(msg) {
		c.orch.cache.Append(c.cacheEntry(msg))
	}
}

func (c *controller) onDisconnected(reason string) {
	rec := c.h.update(func(d *Device) {
		d.Status = transition(d.Status, client.EventDisconnected)
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	c.orch.hub.Publish(stream.Event{
		Event:    stream.EventDeviceDisconnected,
		DeviceID: c.h.id,
		Reason:   reason,
	})
}

func (c *controller) onStateChange(raw string) {
	rec := c.h.update(func(d *Device) {
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	// Raw protocol state passes through untouched
	c.orch.hub.Publish(stream.Event{
		Event:    stream.EventDeviceState,
		DeviceID: c.h.id,
		Status:   raw,
	})
}

// markError routes a startup failure into the error state. Called from the
// async start path, never from a client callback.
func (c *controller) markError(cause error) {
	if !c.h.alive.Load() {
		return
	}
	c.orch.logger.Printf("Device %s failed to start: %v", c.h.id, cause)
	rec := c.h.update(func(d *Device) {
		d.Status = StatusError
		d.LastSeen = time.Now()
	})
	c.persist(rec, false)
	c.orch.hub.Publish(stream.Event{
		Event:    stream.EventDeviceState,
		DeviceID: c.h.id,
		Status:   string(StatusError),
	})
}

// persist writes the record back to the store. Identity writes fail loudly
// through the creation/deletion paths; everything the controller does is
// status/lastSeen bookkeeping, which degrades to log-and-continue so a
// store hiccup never stalls lifecycle processing.
func (c *controller) persist(rec Device, critical bool) {
	if err := c.orch.putRecord(rec); err != nil {
		if critical {
			c.orch.logger.Printf("CRITICAL: failed to persist record for device %s: %v", c.h.id, err)
		} else {
			c.orch.logger.Printf("Failed to persist record for device %s (continuing): %v", c.h.id, err)
		}
	}
}

func (c *controller) clientProfile() (client.Profile, bool) {
	c.h.mu.Lock()
	cli := c.h.client
	c.h.mu.Unlock()
	if cli == nil {
		return client.Profile{}, false
	}
	return cli.Profile()
}

// warmPopulate seeds the message cache from the client's own history right
// after ready. Strictly best-effort: failures are logged and forgotten.
func (c *controller) warmPopulate() {
	c.h.mu.Lock()
	cli := c.h.client
	c.h.mu.Unlock()
	if cli == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()

	msgs, err := cli.RecentMessages(ctx, warmChatLimit, warmPerChatLimit)
	if err != nil {
		if !errors.Is(err, client.ErrHistoryUnavailable) {
			c.orch.logger.Printf("Warm-population failed for device %s: %v", c.h.id, err)
		}
		return
	}
	if !c.h.alive.Load() {
		return
	}
	for _, msg := range msgs {
		if qualifies(msg) {
			c.orch.cache.Append(c.cacheEntry(msg))
		}
	}
	if len(msgs) > 0 {
		c.orch.logger.Printf("Warm-populated %d history messages for device %s", len(msgs), c.h.id)
	}
}

// qualifies filters out protocol housekeeping: notifications with no body
// and no media are transient noise, everything else is cached.
func qualifies(msg client.Message) bool {
	if msg.System && !msg.HasContent() {
		return false
	}
	return true
}

func (c *controller) cacheEntry(msg client.Message) msgcache.Entry {
	direction := msgcache.DirectionInbound
	// The message's own from-me flag decides direction, not our bookkeeping
	if msg.FromMe {
		direction = msgcache.DirectionOutbound
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return msgcache.Entry{
		MessageID: msg.ID,
		DeviceID:  c.h.id,
		ChatID:    msg.ChatID,
		Timestamp: ts,
		Direction: direction,
		Type:      msg.Kind,
		Body:      msg.Body,
		MediaPath: msg.MediaPath,
	}
}
