package device

import (
	"errors"
	"testing"
	"time"

	"github.com/whatsfleet/whatsfleet/internal/client"
	"github.com/whatsfleet/whatsfleet/internal/client/clienttest"
	"github.com/whatsfleet/whatsfleet/internal/stream"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		cur  Status
		kind client.EventKind
		want Status
	}{
		{StatusInitializing, client.EventQR, StatusQR},
		{StatusQR, client.EventReady, StatusReady},
		{StatusReady, client.EventDisconnected, StatusDisconnected},
		// lateral moves the external client is allowed to make
		{StatusReady, client.EventQR, StatusQR},
		{StatusDisconnected, client.EventReady, StatusReady},
		{StatusError, client.EventQR, StatusQR},
		// events that never move the status
		{StatusQR, client.EventAuthenticated, StatusQR},
		{StatusReady, client.EventMessage, StatusReady},
		{StatusReady, client.EventStateChange, StatusReady},
	}
	for _, tc := range cases {
		if got := transition(tc.cur, tc.kind); got != tc.want {
			t.Errorf("transition(%s, %s) = %s, want %s", tc.cur, tc.kind, got, tc.want)
		}
	}
}

func TestQualifies(t *testing.T) {
	if qualifies(client.Message{System: true}) {
		t.Error("system notification without content should not qualify")
	}
	if !qualifies(client.Message{System: true, Body: "group subject changed"}) {
		t.Error("system notification with a body should qualify")
	}
	if !qualifies(client.Message{Body: "hello"}) {
		t.Error("plain text message should qualify")
	}
	if !qualifies(client.Message{MediaPath: "/media/x.jpg"}) {
		t.Error("media message should qualify")
	}
}

func TestPairingToReadyFlow(t *testing.T) {
	ff := newFakeFleet()
	ff.prepare = func(_ string, f *clienttest.Fake) {
		f.ProfileValue = client.Profile{PhoneNumber: "15551234567", DisplayName: "Fleet Phone"}
		f.ProfileOK = true
		f.HistoryErr = client.ErrHistoryUnavailable
	}
	env := newTestEnv(t, ff.factory)

	rec, err := env.orch.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice failed: %v", err)
	}
	sub := env.hub.Subscribe(rec.ID)
	defer sub.Close()

	waitFor(t, "client to start", func() bool {
		f := ff.get(rec.ID)
		return f != nil && f.Started()
	})
	fake := ff.get(rec.ID)

	fake.Emit(client.Event{Kind: client.EventQR, QRCode: "ABC123"})

	got, err := env.orch.GetDevice(rec.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Status != StatusQR {
		t.Fatalf("expected qr status, got %s", got.Status)
	}
	if got.QRCode != "ABC123" {
		t.Fatalf("expected pairing code persisted, got %q", got.QRCode)
	}

	select {
	case evt := <-sub.Events():
		if evt.Event != stream.EventDeviceQR || evt.QR != "ABC123" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for qr event")
	}

	fake.Emit(client.Event{Kind: client.EventReady})

	got, err = env.orch.GetDevice(rec.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.Status != StatusReady {
		t.Fatalf("expected ready status, got %s", got.Status)
	}
	if got.QRCode != "" {
		t.Fatal("pairing code should be cleared once ready")
	}
	if got.PhoneNumber != "15551234567" {
		t.Fatalf("expected profile phone number, got %q", got.PhoneNumber)
	}
	if got.DisplayName != "Fleet Phone" {
		t.Fatalf("expected profile display name, got %q", got.DisplayName)
	}

	select {
	case evt := <-sub.Events():
		if evt.Event != stream.EventDeviceReady || evt.PhoneNumber != "15551234567" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready event")
	}

	stats := env.tracker.Stats(rec.ID)
	if stats.ReadySince.IsZero() {
		t.Fatal("tracker should record ready time")
	}
}

func TestMessageEventsCacheAndCount(t *testing.T) {
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
	sub := env.hub.Subscribe(rec.ID)
	defer sub.Close()
	fake := ff.get(rec.ID)

	fake.Emit(client.Event{Kind: client.EventMessage, Message: client.Message{
		ID:     "m1",
		ChatID: "chat-1",
		Kind:   "text",
		Body:   "hello",
	}})
	fake.Emit(client.Event{Kind: client.EventMessageSent, Message: client.Message{
		ID:     "m2",
		ChatID: "chat-1",
		FromMe: true,
		Kind:   "text",
		Body:   "hi back",
	}})
	// housekeeping notification, no body or media: counted but never cached
	fake.Emit(client.Event{Kind: client.EventMessage, Message: client.Message{
		ID:     "m3",
		ChatID: "chat-1",
		Kind:   "protocol",
		System: true,
	}})

	entries := env.cache.Recent(rec.ID, "chat-1", 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 cached entries, got %d", len(entries))
	}
	if entries[0].MessageID != "m1" || entries[1].MessageID != "m2" {
		t.Fatalf("unexpected cache order: %s, %s", entries[0].MessageID, entries[1].MessageID)
	}
	if entries[0].Direction != "inbound" || entries[1].Direction != "outbound" {
		t.Fatalf("unexpected directions: %s, %s", entries[0].Direction, entries[1].Direction)
	}

	stats := env.tracker.Stats(rec.ID)
	if stats.Inbound != 2 {
		t.Fatalf("expected 2 inbound, got %d", stats.Inbound)
	}
	if stats.Outbound != 1 {
		t.Fatalf("expected 1 outbound, got %d", stats.Outbound)
	}

	// Only inbound chat messages are broadcast
	received := 0
	for done := false; !done; {
		select {
		case evt := <-sub.Events():
			if evt.Event == stream.EventMessageReceived {
				received++
			}
		case <-time.After(200 * time.Millisecond):
			done = true
		}
	}
	if received != 2 {
		t.Fatalf("expected 2 message_received events, got %d", received)
	}
}

func TestEventsAfterDeletionAreIgnored(t *testing.T) {
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
	fake := ff.get(rec.ID)

	if err := env.orch.DeleteDevice(rec.ID); err != nil {
		t.Fatalf("DeleteDevice failed: %v", err)
	}

	// A straggler callback from the dying client must not resurrect state
	fake.Emit(client.Event{Kind: client.EventReady})
	fake.Emit(client.Event{Kind: client.EventMessage, Message: client.Message{
		ID: "late", ChatID: "chat-1", Body: "too late",
	}})

	if _, err := env.orch.GetDevice(rec.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("deleted device must stay deleted, got %v", err)
	}
	if entries := env.cache.Recent(rec.ID, "chat-1", 0); len(entries) != 0 {
		t.Fatalf("deleted device must not cache messages, got %d", len(entries))
	}
}

func TestWarmPopulateSeedsCache(t *testing.T) {
	ff := newFakeFleet()
	ff.prepare = func(_ string, f *clienttest.Fake) {
		f.History = []client.Message{
			{ID: "h1", ChatID: "chat-9", Kind: "text", Body: "earlier", Timestamp: time.Now().Add(-time.Hour)},
			{ID: "h2", ChatID: "chat-9", Kind: "text", Body: "later", FromMe: true, Timestamp: time.Now().Add(-time.Minute)},
			{ID: "h3", ChatID: "chat-9", Kind: "protocol", System: true},
		}
	}
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

	waitFor(t, "history to populate the cache", func() bool {
		return len(env.cache.Recent(rec.ID, "chat-9", 0)) == 2
	})
	entries := env.cache.Recent(rec.ID, "chat-9", 0)
	if entries[0].MessageID != "h1" || entries[1].MessageID != "h2" {
		t.Fatalf("unexpected warm order: %s, %s", entries[0].MessageID, entries[1].MessageID)
	}
}
