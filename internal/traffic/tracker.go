package traffic

import (
	"sync"
	"time"
)

// DeviceStats is a snapshot of one device's traffic counters.
type DeviceStats struct {
	DeviceID     string    `json:"deviceId"`
	Inbound      int64     `json:"inbound"`
	Outbound     int64     `json:"outbound"`
	LastActivity time.Time `json:"lastActivity"`
	ReadySince   time.Time `json:"readySince,omitempty"`
	WarmingUp    bool      `json:"warmingUp"`
}

type deviceCounters struct {
	inbound      int64
	outbound     int64
	lastActivity time.Time
	readySince   time.Time
}

// Tracker accumulates per-device message counters and tracks the warm-up
// window after a device becomes ready.
type Tracker struct {
	mu           sync.RWMutex
	devices      map[string]*deviceCounters
	warmupWindow time.Duration
}

// NewTracker creates a tracker with the given warm-up window.
func NewTracker(warmupWindow time.Duration) *Tracker {
	return &Tracker{
		devices:      make(map[string]*deviceCounters),
		warmupWindow: warmupWindow,
	}
}

func (t *Tracker) counters(deviceID string) *deviceCounters {
	c, ok := t.devices[deviceID]
	if !ok {
		c = &deviceCounters{}
		t.devices[deviceID] = c
	}
	return c
}

// RecordInbound counts one received message.
func (t *Tracker) RecordInbound(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(deviceID)
	c.inbound++
	c.lastActivity = time.Now()
}

// RecordOutbound counts one sent message.
func (t *Tracker) RecordOutbound(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(deviceID)
	c.outbound++
	c.lastActivity = time.Now()
}

// MarkReady starts warm-up tracking for the device.
func (t *Tracker) MarkReady(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.counters(deviceID)
	c.readySince = time.Now()
	c.lastActivity = c.readySince
}

// Forget discards the device's counters. Called on deletion.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
}

// Stats returns a snapshot for one device. Unknown devices report zeroes.
func (t *Tracker) Stats(deviceID string) DeviceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := DeviceStats{DeviceID: deviceID}
	c, ok := t.devices[deviceID]
	if !ok {
		return stats
	}
	stats.Inbound = c.inbound
	stats.Outbound = c.outbound
	stats.LastActivity = c.lastActivity
	stats.ReadySince = c.readySince
	stats.WarmingUp = !c.readySince.IsZero() && time.Since(c.readySince) < t.warmupWindow
	return stats
}

// AllStats returns snapshots for every tracked device.
func (t *Tracker) AllStats() []DeviceStats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	stats := make([]DeviceStats, 0, len(ids))
	for _, id := range ids {
		stats = append(stats, t.Stats(id))
	}
	return stats
}
