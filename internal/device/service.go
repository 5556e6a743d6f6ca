package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/whatsfleet/whatsfleet/internal/client"
	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/store"
	"github.com/whatsfleet/whatsfleet/internal/stream"
	"github.com/whatsfleet/whatsfleet/internal/traffic"
)

// Orchestrator creates, restores, supervises and tears down per-device
// client instances. Devices are fully independent units of failure: one
// device's misbehavior never blocks another's processing.
type Orchestrator struct {
	store    *store.Store
	cache    *msgcache.Cache
	hub      *stream.Hub
	tracker  *traffic.Tracker
	factory  client.Factory
	logger   *log.Logger
	registry *registry
}

// NewOrchestrator wires the orchestrator to its collaborators. The caller
// owns the store's lifetime.
func NewOrchestrator(st *store.Store, cache *msgcache.Cache, hub *stream.Hub, tracker *traffic.Tracker, factory client.Factory, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		cache:    cache,
		hub:      hub,
		tracker:  tracker,
		factory:  factory,
		logger:   logger,
		registry: newRegistry(),
	}
}

func (o *Orchestrator) putRecord(rec Device) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return o.store.PutRecord(rec.ID, data)
}

func (o *Orchestrator) getRecord(id string) (Device, error) {
	data, err := o.store.GetRecord(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, err
	}
	var rec Device
	if err := json.Unmarshal(data, &rec); err != nil || rec.ID == "" {
		return Device{}, fmt.Errorf("%w: device %s: %v", ErrCorruptRecord, id, err)
	}
	return rec, nil
}

// CreateDevice allocates a fresh device id, persists the initial record and
// starts the client asynchronously. The returned record is always in
// initializing; a client that fails to start a moment later surfaces as an
// error transition, never as a CreateDevice failure.
func (o *Orchestrator) CreateDevice() (Device, error) {
	id := uuid.NewString()
	now := time.Now()
	rec := Device{
		ID:        id,
		Status:    StatusInitializing,
		CreatedAt: now,
		LastSeen:  now,
	}

	// Identity writes fail loudly: a device that is not in the id set
	// does not exist.
	if err := o.store.AddToSet(id); err != nil {
		return Device{}, fmt.Errorf("failed to register device id: %w", err)
	}
	if err := o.putRecord(rec); err != nil {
		// Roll the set membership back so the invariant holds
		if rmErr := o.store.RemoveFromSet(id); rmErr != nil {
			o.logger.Printf("Failed to roll back id set entry for %s: %v", id, rmErr)
		}
		return Device{}, fmt.Errorf("failed to persist device record: %w", err)
	}

	o.launch(rec)
	o.logger.Printf("Created device %s", id)
	return rec, nil
}

// launch builds the handle, registers it and starts the client in the
// background. Construction or startup failure is routed through the error
// transition.
func (o *Orchestrator) launch(rec Device) {
	h := newHandle(rec)
	if !o.registry.add(h) {
		// A live handle already exists for this id; leave it alone
		o.logger.Printf("Device %s already has a live handle, skipping launch", rec.ID)
		return
	}
	ctrl := newController(o, h)

	go func() {
		cli, err := o.factory(rec.ID, authAdapter{deviceID: rec.ID, store: o.store, h: h})
		if err != nil {
			ctrl.markError(err)
			return
		}
		if !h.setClient(cli) {
			// Deleted while the client was being built
			cli.Destroy()
			return
		}
		cli.Subscribe(ctrl.handleEvent)
		if err := cli.Start(context.Background()); err != nil {
			ctrl.markError(err)
		}
	}()
}

// GetDevice returns the persisted record for one device.
func (o *Orchestrator) GetDevice(id string) (Device, error) {
	rec, err := o.getRecord(id)
	if err != nil {
		if errors.Is(err, ErrCorruptRecord) {
			o.logger.Printf("Treating corrupt record as missing: %v", err)
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, err
	}
	return rec, nil
}

// ListDevices reads from the persisted store, not the in-memory map, so it
// reflects devices this process has not finished restoring yet. Malformed
// records are skipped and logged.
func (o *Orchestrator) ListDevices() ([]Device, error) {
	ids, err := o.store.ListSet()
	if err != nil {
		return nil, fmt.Errorf("failed to list device ids: %w", err)
	}

	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		rec, err := o.getRecord(id)
		if err != nil {
			o.logger.Printf("Skipping device %s in listing: %v", id, err)
			continue
		}
		devices = append(devices, rec)
	}
	return devices, nil
}

// DeleteDevice tears down the live handle if present and removes every
// persisted trace of the device. Deleting a device twice, or one that never
// finished initializing, is success, not an error.
func (o *Orchestrator) DeleteDevice(id string) error {
	if err := o.deleteOne(id); err != nil {
		return err
	}
	if err := o.store.RemoveFromSet(id); err != nil {
		return fmt.Errorf("failed to remove device id from set: %w", err)
	}
	return nil
}

// deleteOne runs the per-device part of deletion, leaving id-set removal
// to the caller so bulk deletion can clear the set once.
func (o *Orchestrator) deleteOne(id string) error {
	if h, ok := o.registry.remove(id); ok {
		h.kill()
	}

	// Identity deletions fail loudly; residual keys would resurrect the
	// device on the next recovery pass.
	if err := o.store.DeleteRecord(id); err != nil {
		return fmt.Errorf("failed to delete device record: %w", err)
	}
	if err := o.store.DeleteBlob(id); err != nil {
		return fmt.Errorf("failed to delete auth blob: %w", err)
	}

	o.cache.DropDevice(id)
	o.tracker.Forget(id)

	o.hub.Publish(stream.Event{
		Event:    stream.EventDeviceDisconnected,
		DeviceID: id,
		Reason:   "deleted",
	})
	o.logger.Printf("Deleted device %s", id)
	return nil
}

// DeleteAllDevices deletes every known device concurrently, then clears
// the persisted id set once. A failure on one device is logged and does
// not abort the others.
func (o *Orchestrator) DeleteAllDevices() error {
	ids, err := o.store.ListSet()
	if err != nil {
		return fmt.Errorf("failed to list device ids: %w", err)
	}
	// Include live handles the set may not know about (defensive against
	// a partially failed earlier create)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range o.registry.ids() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := o.deleteOne(id); err != nil {
				o.logger.Printf("Failed to delete device %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := o.store.ClearSet(); err != nil {
		return fmt.Errorf("failed to clear device id set: %w", err)
	}
	o.logger.Printf("Deleted all devices (%d)", len(ids))
	return nil
}

// RestoreAll recreates a client handle for every persisted device.
// Recovery is not transactional: a corrupt record or failed branch is
// logged and skipped, the rest of the fleet comes up regardless.
func (o *Orchestrator) RestoreAll() {
	ids, err := o.store.ListSet()
	if err != nil {
		o.logger.Printf("Recovery aborted, cannot read device id set: %v", err)
		return
	}
	if len(ids) == 0 {
		o.logger.Printf("Recovery: no devices to restore")
		return
	}

	var g errgroup.Group
	var restored atomic.Int64
	for _, id := range ids {
		g.Go(func() error {
			if err := o.restoreOne(id); err != nil {
				o.logger.Printf("Recovery: skipping device %s: %v", id, err)
				return nil
			}
			restored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	o.logger.Printf("Recovery: restored %d of %d devices", restored.Load(), len(ids))
}

func (o *Orchestrator) restoreOne(id string) error {
	rec, err := o.getRecord(id)
	if err != nil {
		return err
	}

	// Persisted status may be stale from the previous process lifetime;
	// the client tells us the real state once it starts.
	rec.Status = StatusInitializing
	rec.QRCode = ""
	rec.LastSeen = time.Now()
	if err := o.putRecord(rec); err != nil {
		return fmt.Errorf("failed to reset record: %w", err)
	}

	o.launch(rec)
	return nil
}

// RestartDevice tears down the device's live handle, if any, and builds a
// fresh one from the persisted record. This is the explicit re-create path
// for devices stuck in error.
func (o *Orchestrator) RestartDevice(id string) (Device, error) {
	rec, err := o.getRecord(id)
	if err != nil {
		if errors.Is(err, ErrCorruptRecord) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, err
	}

	if h, ok := o.registry.remove(id); ok {
		h.kill()
	}

	rec.Status = StatusInitializing
	rec.QRCode = ""
	rec.LastSeen = time.Now()
	if err := o.putRecord(rec); err != nil {
		return Device{}, fmt.Errorf("failed to persist restarted record: %w", err)
	}

	o.launch(rec)
	o.logger.Printf("Restarted device %s", id)
	return rec, nil
}

// SweepStale releases handles that have sat in disconnected beyond the
// idle window. The persisted record survives; only process-local
// resources are freed. Run periodically by the scheduler.
func (o *Orchestrator) SweepStale(idleWindow time.Duration) {
	for _, h := range o.registry.staleDisconnected(idleWindow) {
		if got, ok := o.registry.remove(h.id); ok {
			got.kill()
			o.logger.Printf("Released stale disconnected handle for device %s", h.id)
		}
	}
}

// Counts reports how many persisted devices exist per status, plus the
// number of live handles.
func (o *Orchestrator) Counts() (map[Status]int, int) {
	counts := make(map[Status]int)
	devices, err := o.ListDevices()
	if err != nil {
		o.logger.Printf("Failed to count devices: %v", err)
		return counts, o.registry.len()
	}
	for _, rec := range devices {
		counts[rec.Status]++
	}
	return counts, o.registry.len()
}
