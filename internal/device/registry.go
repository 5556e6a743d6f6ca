package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/whatsfleet/whatsfleet/internal/client"
)

// handle binds a device id to its live client instance for the process
// lifetime. One handle per device id, enforced by the registry map.
type handle struct {
	id    string
	alive atomic.Bool

	mu     sync.Mutex
	rec    Device
	client client.Client
}

func newHandle(rec Device) *handle {
	h := &handle{id: rec.ID, rec: rec}
	h.alive.Store(true)
	return h
}

// snapshot returns a copy of the in-memory record.
func (h *handle) snapshot() Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

// update mutates the in-memory record under the handle lock and returns
// the resulting copy.
func (h *handle) update(fn func(*Device)) Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.rec)
	return h.rec
}

// setClient attaches the constructed client. It reports false when the
// handle was killed while the client was being built, in which case the
// caller owns the client's teardown.
func (h *handle) setClient(c client.Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive.Load() {
		return false
	}
	h.client = c
	return true
}

// kill marks the handle dead and destroys its client if one is attached.
// Safe to call while the client is still starting up, and safe to call
// twice.
func (h *handle) kill() {
	if !h.alive.CompareAndSwap(true, false) {
		return
	}
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c != nil {
		c.Destroy()
	}
}

// registry is the in-memory map of live device handles: the single source
// of truth for which devices this process currently runs. All mutation is
// by-key insert/remove, never read-modify-write of the whole map.
type registry struct {
	mu      sync.RWMutex
	handles map[string]*handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[string]*handle)}
}

// add inserts the handle unless the id is already live.
func (r *registry) add(h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.id]; exists {
		return false
	}
	r.handles[h.id] = h
	return true
}

func (r *registry) get(id string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// remove detaches and returns the handle, if live.
func (r *registry) remove(id string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return h, ok
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// staleDisconnected returns handles that have sat in disconnected longer
// than the idle window. Handles still initializing, pairing or ready are
// never considered stale.
func (r *registry) staleDisconnected(idleWindow time.Duration) []*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*handle
	now := time.Now()
	for _, h := range r.handles {
		rec := h.snapshot()
		if rec.Status == StatusDisconnected && now.Sub(rec.LastSeen) > idleWindow {
			stale = append(stale, h)
		}
	}
	return stale
}
