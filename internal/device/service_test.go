package device

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/whatsfleet/whatsfleet/internal/client"
	"github.com/whatsfleet/whatsfleet/internal/client/clienttest"
	"github.com/whatsfleet/whatsfleet/internal/msgcache"
	"github.com/whatsfleet/whatsfleet/internal/store"
	"github.com/whatsfleet/whatsfleet/internal/stream"
	"github.com/whatsfleet/whatsfleet/internal/traffic"
)

// fakeFleet is a client.Factory producing one clienttest.Fake per device.
// prepare, when set, scripts the fake before it is handed out.
type fakeFleet struct {
	mu      sync.Mutex
	byID    map[string]*clienttest.Fake
	prepare func(deviceID string, f *clienttest.Fake)
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{byID: make(map[string]*clienttest.Fake)}
}

func (ff *fakeFleet) factory(deviceID string, _ client.AuthStore) (client.Client, error) {
	f := clienttest.New()
	ff.mu.Lock()
	if ff.prepare != nil {
		ff.prepare(deviceID, f)
	}
	ff.byID[deviceID] = f
	ff.mu.Unlock()
	return f, nil
}

func (ff *fakeFleet) get(deviceID string) *clienttest.Fake {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.byID[deviceID]
}

type testEnv struct {
	orch    *Orchestrator
	store   *store.Store
	cache   *msgcache.Cache
	hub     *stream.Hub
	tracker *traffic.Tracker
}

func newTestEnv(t *testing.T, factory client.Factory) *testEnv {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := log.New(io.Discard, "", 0)
	cache := msgcache.New(100)
	hub := stream.NewHub(logger)
	tracker := traffic.NewTracker(time.Minute)
	return &testEnv{
		orch:    NewOrchestrator(st, cache, hub, tracker, factory, logger),
		store:   st,
		cache:   cache,
		hub:     hub,
		tracker: tracker,
	}
}

// waitFor polls cond until it holds or the deadline passes. Client startup
// runs on its own goroutine, so tests observe effects, not call ordering.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateDeviceStartsInitializing(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	if rec.Status != StatusInitializing {
		t.Fatalf("expected initializing, got %s", rec.Status)
	}
	if rec.ID == "" {
		t.Fatal("expected a device id")
	}

	ids, err := env.store.ListSet()
	if err != nil {
		t.Fatalf("ListSet failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != rec.ID {
		t.Fatalf("expected id set [%s], got %v", rec.ID, ids)
	}

	waitFor(t, "client to start", func() bool {
		f := ff.get(rec.ID)
		return f != nil && f.Started()
	})
}

func TestCreateDeviceStartFailureSurfacesAsErrorState(t *testing.T) {
	startErr := errors.New("transport refused")
	ff := newFakeFleet()
	ff.prepare = func(_ string, f *clienttest.Fake) { f.StartErr = startErr }
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice must not fail on async startup errors: %v", err)
	}
	if rec.Status != StatusInitializing {
		t.Fatalf("expected initializing at creation, got %s", rec.Status)
	}

	waitFor(t, "error state", func() bool {
		got, err := env.orch.GetDevice(rec.ID)
		return err == nil && got.Status == StatusError
	})

	// The device still exists and is still listed
	ids, _ := env.store.ListSet()
	if len(ids) != 1 {
		t.Fatalf("device should survive a startup failure, set = %v", ids)
	}
}

func TestDeleteDeviceRemovesAllKeysAndIsIdempotent(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	waitFor(t, "client to start", func() bool {
		f := ff.get(rec.ID)
		return f != nil && f.Started()
	})
	if err := env.store.SaveBlob(rec.ID, []byte("credentials")); err != nil {
		t.Fatalf("SaveBlob failed: %v", err)
	}

	if err := env.orch.DeleteDevice(rec.ID); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}
	if !ff.get(rec.ID).Destroyed() {
		t.Fatal("client should be destroyed on deletion")
	}

	if _, err := env.orch.GetDevice(rec.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if exists, _ := env.store.BlobExists(rec.ID); exists {
		t.Fatal("auth blob should be gone")
	}
	if ids, _ := env.store.ListSet(); len(ids) != 0 {
		t.Fatalf("id set should be empty, got %v", ids)
	}

	// Second deletion of the same id is success, not an error
	if err := env.orch.DeleteDevice(rec.ID); err != nil {
		t.Fatalf("repeated DeleteDevice failed: %v", err)
	}
}

func TestDeleteDuringClientConstructionLeavesNoKeys(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var built *clienttest.Fake

	factory := func(deviceID string, _ client.AuthStore) (client.Client, error) {
		<-gate
		f := clienttest.New()
		mu.Lock()
		built = f
		mu.Unlock()
		return f, nil
	}
	env := newTestEnv(t, factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}

	// Delete while the factory is still blocked building the client
	if err := env.orch.DeleteDevice(rec.ID); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}
	close(gate)

	waitFor(t, "late-built client to be destroyed", func() bool {
		mu.Lock()
		f := built
		mu.Unlock()
		return f != nil && f.Destroyed()
	})

	if _, err := env.orch.GetDevice(rec.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if ids, _ := env.store.ListSet(); len(ids) != 0 {
		t.Fatalf("id set should be empty, got %v", ids)
	}
}

func TestDeviceFailuresAreIndependent(t *testing.T) {
	ff := newFakeFleet()
	failNext := true
	var mu sync.Mutex
	ff.prepare = func(_ string, f *clienttest.Fake) {
		mu.Lock()
		if failNext {
			f.StartErr = errors.New("no route to service")
			failNext = false
		}
		mu.Unlock()
	}
	env := newTestEnv(t, ff.factory)

	broken, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice (broken) failed: %v", err)
	}
	waitFor(t, "broken device to reach error", func() bool {
		got, err := env.orch.GetDevice(broken.ID)
		return err == nil && got.Status == StatusError
	})

	healthy, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice (healthy) failed: %v", err)
	}
	waitFor(t, "healthy client to start", func() bool {
		f := ff.get(healthy.ID)
		return f != nil && f.Started()
	})

	ff.get(healthy.ID).Emit(client.Event{Kind: client.EventQR, QRCode: "ABC123"})
	ff.get(healthy.ID).Emit(client.Event{Kind: client.EventReady})

	got, err := env.orch.GetDevice(healthy.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Status != StatusReady {
		t.Fatalf("healthy device should be ready, got %s", got.Status)
	}

	gotBroken, err := env.orch.GetDevice(broken.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if gotBroken.Status != StatusError {
		t.Fatalf("broken device should stay in error, got %s", gotBroken.Status)
	}
}

func TestListDevicesReflectsReadyStatus(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	waitFor(t, "client to start", func() bool {
		f := ff.get(rec.ID)
		return f != nil && f.Started()
	})

	ff.get(rec.ID).Emit(client.Event{Kind: client.EventReady})

	devices, err := env.orch.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].Status != StatusReady {
		t.Fatalf("listing should show ready, got %s", devices[0].Status)
	}
}

func TestRecoveryRestoresValidAndSkipsCorrupt(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	// Two well-formed devices persisted by an earlier process lifetime
	valid := []string{"dev-a", "dev-b"}
	for _, id := range valid {
		rec := Device{ID: id, Status: StatusReady, CreatedAt: time.Now(), LastSeen: time.Now()}
		data, _ := json.Marshal(rec)
		if err := env.store.AddToSet(id); err != nil {
			t.Fatalf("AddToSet failed: %v", err)
		}
		if err := env.store.PutRecord(id, data); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}
	// One record that no longer decodes
	if err := env.store.AddToSet("dev-corrupt"); err != nil {
		t.Fatalf("AddToSet failed: %v", err)
	}
	if err := env.store.PutRecord("dev-corrupt", []byte("{truncated")); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	env.orch.RestoreAll()

	for _, id := range valid {
		waitFor(t, "restored client "+id, func() bool {
			f := ff.get(id)
			return f != nil && f.Started()
		})
		rec, err := env.orch.GetDevice(id)
		if err != nil {
			t.Fatalf("GetDevice(%s) failed: %v", id, err)
		}
		if rec.Status != StatusInitializing {
			t.Fatalf("restored device %s should reset to initializing, got %s", id, rec.Status)
		}
		if rec.QRCode != "" {
			t.Fatalf("restored device %s should have no stale QR", id)
		}
	}

	// The corrupt device got no client and reads as missing
	if ff.get("dev-corrupt") != nil {
		t.Fatal("corrupt device must not be restored")
	}
	if _, err := env.orch.GetDevice("dev-corrupt"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound for corrupt record, got %v", err)
	}

	devices, err := env.orch.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("listing should skip the corrupt record, got %d devices", len(devices))
	}
}

func TestRestartDeviceReplacesClient(t *testing.T) {
	ff := newFakeFleet()
	failFirst := true
	var mu sync.Mutex
	ff.prepare = func(_ string, f *clienttest.Fake) {
		mu.Lock()
		if failFirst {
			f.StartErr = errors.New("session expired")
			failFirst = false
		}
		mu.Unlock()
	}
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	waitFor(t, "error state", func() bool {
		got, err := env.orch.GetDevice(rec.ID)
		return err == nil && got.Status == StatusError
	})
	first := ff.get(rec.ID)

	restarted, err := env.orch.RestartDevice(rec.ID)
	if err != nil {
		t.Fatalf("RestartDevice failed: %v", err)
	}
	if restarted.Status != StatusInitializing {
		t.Fatalf("restart should reset to initializing, got %s", restarted.Status)
	}

	waitFor(t, "replacement client to start", func() bool {
		f := ff.get(rec.ID)
		return f != nil && f != first && f.Started()
	})
	if !first.Destroyed() {
		t.Fatal("old client should be destroyed on restart")
	}
}

func TestRestartUnknownDevice(t *testing.T) {
	env := newTestEnv(t, newFakeFleet().factory)
	if _, err := env.orch.RestartDevice("no-such-device"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeleteAllDevices(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := env.orch.CreateDevice()
		if err != nil {
			t.Fatalf("CreateDevice failed: %v", err)
		}
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		waitFor(t, "client to start", func() bool {
			f := ff.get(id)
			return f != nil && f.Started()
		})
	}

	if err := env.orch.DeleteAllDevices(); err != nil {
		t.Fatalf("DeleteAllDevices failed: %v", err)
	}

	if got, _ := env.store.ListSet(); len(got) != 0 {
		t.Fatalf("id set should be empty, got %v", got)
	}
	for _, id := range ids {
		if !ff.get(id).Destroyed() {
			t.Fatalf("client %s should be destroyed", id)
		}
		if _, err := env.orch.GetDevice(id); !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("device %s should be gone, got %v", id, err)
		}
	}
	_, live := env.orch.Counts()
	if live != 0 {
		t.Fatalf("expected no live handles, got %d", live)
	}
}

func TestAuthAdapterDropsWritesAfterKill(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := newHandle(Device{ID: "dev-1"})
	adapter := authAdapter{deviceID: "dev-1", store: st, h: h}

	if err := adapter.Save([]byte("live")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if exists, _ := st.BlobExists("dev-1"); !exists {
		t.Fatal("blob should exist while the handle is live")
	}

	h.kill()
	if err := adapter.Delete(); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The straggler write after teardown must not resurrect the key
	if err := adapter.Save([]byte("late")); err != nil {
		t.Fatalf("late Save should be a silent no-op: %v", err)
	}
	if exists, _ := st.BlobExists("dev-1"); exists {
		t.Fatal("blob must stay deleted after the handle is killed")
	}
}

func TestSweepStaleReleasesOnlyIdleDisconnected(t *testing.T) {
	ff := newFakeFleet()
	env := newTestEnv(t, ff.factory)

	idle, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	active, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	for _, id := range []string{idle.ID, active.ID} {
		waitFor(t, "client to start", func() bool {
			f := ff.get(id)
			return f != nil && f.Started()
		})
	}

	ff.get(idle.ID).Emit(client.Event{Kind: client.EventDisconnected, Reason: "network"})
	ff.get(active.ID).Emit(client.Event{Kind: client.EventReady})

	time.Sleep(20 * time.Millisecond)
	env.orch.SweepStale(time.Millisecond)

	_, live := env.orch.Counts()
	if live != 1 {
		t.Fatalf("expected 1 live handle after sweep, got %d", live)
	}
	if !ff.get(idle.ID).Destroyed() {
		t.Fatal("idle disconnected client should be released")
	}
	if ff.get(active.ID).Destroyed() {
		t.Fatal("ready client must not be swept")
	}

	// The persisted record survives the sweep
	rec, err := env.orch.GetDevice(idle.ID)
	if err != nil {
		t.Fatalf("swept device record should persist: %v", err)
	}
	if rec.Status != StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", rec.Status)
	}
}
