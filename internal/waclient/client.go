// Package waclient adapts whatsmeow to the orchestrator's client contract.
// Each device gets its own sqlite-backed credential container, so devices
// can be created and destroyed independently.
package waclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/whatsfleet/whatsfleet/internal/client"
	"github.com/whatsfleet/whatsfleet/internal/config"
)

const connectRetries = 3

// Factory returns a client.Factory that builds whatsmeow-backed clients
// storing their credentials under <dataDir>/sessions/<deviceID>.db.
func Factory(cfg *config.Config, logger *log.Logger) client.Factory {
	return func(deviceID string, auth client.AuthStore) (client.Client, error) {
		return newWAClient(deviceID, auth, cfg.DataDir, logger)
	}
}

// waClient wraps one whatsmeow client plus its credential container.
type waClient struct {
	deviceID string
	auth     client.AuthStore
	logger   *log.Logger

	cli       *whatsmeow.Client
	container *sqlstore.Container

	mu sync.Mutex
	fn func(client.Event)

	// emitMu serializes callback delivery: subscribers rely on events for
	// one device arriving one at a time.
	emitMu sync.Mutex
}

func newWAClient(deviceID string, auth client.AuthStore, dataDir string, logger *log.Logger) (*waClient, error) {
	sessionDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %v", err)
	}
	dbPath := filepath.Join(sessionDir, deviceID+".db")

	ctx := context.Background()
	dbLogger := waLog.Stdout("Database-"+deviceID, "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+dbPath+"?_foreign_keys=on", dbLogger)
	if err != nil {
		return nil, fmt.Errorf("database error: %v", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("device error: %v", err)
	}

	wastore.SetOSInfo("Linux", wastore.GetWAVersion())
	wastore.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()

	clientLogger := waLog.Stdout("WhatsApp-"+deviceID, "INFO", true)
	w := &waClient{
		deviceID:  deviceID,
		auth:      auth,
		logger:    logger,
		container: container,
		cli:       whatsmeow.NewClient(deviceStore, clientLogger),
	}
	w.cli.AddEventHandler(w.handleWAEvent)
	return w, nil
}

// Subscribe implements client.Client.
func (w *waClient) Subscribe(fn func(client.Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fn = fn
}

// Start implements client.Client. A registered device reconnects with its
// stored credentials; an unregistered one opens the QR pairing channel
// before connecting, as whatsmeow requires.
func (w *waClient) Start(ctx context.Context) error {
	if w.cli.Store.ID != nil {
		w.logger.Printf("Device %s is registered, connecting with stored credentials", w.deviceID)
		return w.connectWithRetry()
	}

	w.logger.Printf("Device %s not yet registered, starting QR pairing", w.deviceID)
	qrChan, err := w.cli.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %v", err)
	}
	if err := w.connectWithRetry(); err != nil {
		return err
	}

	go w.pumpQR(qrChan)
	return nil
}

// connectWithRetry retries transient connect failures, in particular the
// "websocket is already connected" race whatsmeow can report after a
// quick disconnect/reconnect cycle.
func (w *waClient) connectWithRetry() error {
	var err error
	for i := 0; i < connectRetries; i++ {
		if w.cli.IsConnected() {
			w.cli.Disconnect()
			time.Sleep(500 * time.Millisecond)
		}
		err = w.cli.Connect()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "websocket is already connected") {
			return fmt.Errorf("failed to connect client: %v", err)
		}
		w.logger.Printf("Device %s got 'already connected', retrying (%d/%d)", w.deviceID, i+1, connectRetries)
		w.cli.Disconnect()
		time.Sleep(time.Second)
	}
	return fmt.Errorf("failed to connect client after %d retries: %v", connectRetries, err)
}

func (w *waClient) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			w.emit(client.Event{Kind: client.EventQR, QRCode: item.Code})
		case "success":
			w.logger.Printf("Device %s paired successfully", w.deviceID)
		case "timeout":
			w.emit(client.Event{Kind: client.EventDisconnected, Reason: "pairing timed out"})
		}
	}
}

// handleWAEvent translates whatsmeow events into the orchestrator's
// event vocabulary.
func (w *waClient) handleWAEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		w.snapshotCredentials()
		w.emit(client.Event{Kind: client.EventAuthenticated})
	case *events.Connected:
		w.snapshotCredentials()
		w.emit(client.Event{Kind: client.EventReady})
	case *events.Message:
		msg := translateMessage(e)
		kind := client.EventMessage
		if msg.FromMe {
			kind = client.EventMessageSent
		}
		w.emit(client.Event{Kind: kind, Message: msg})
	case *events.Disconnected:
		w.emit(client.Event{Kind: client.EventDisconnected, Reason: "connection closed"})
	case *events.StreamReplaced:
		w.emit(client.Event{Kind: client.EventDisconnected, Reason: "stream replaced by another session"})
	case *events.LoggedOut:
		// Stored credentials are dead; drop our snapshot so the next
		// start goes back through pairing.
		if err := w.auth.Delete(); err != nil {
			w.logger.Printf("Device %s failed to drop credential snapshot: %v", w.deviceID, err)
		}
		w.emit(client.Event{Kind: client.EventDisconnected, Reason: "logged out: " + e.Reason.String()})
	case *events.ConnectFailure:
		w.emit(client.Event{Kind: client.EventStateChange, State: "connect_failure"})
	case *events.StreamError:
		w.emit(client.Event{Kind: client.EventStateChange, State: "stream_error"})
	case *events.PushName:
		w.emit(client.Event{Kind: client.EventStateChange, State: "push_name_updated"})
	}
}

// snapshotCredentials persists an opaque marker of the paired identity.
// The real cryptographic state lives in the sqlite container; the blob
// lets the orchestrator's store know a registration exists without
// understanding its contents.
func (w *waClient) snapshotCredentials() {
	jid := w.cli.Store.ID
	if jid == nil {
		return
	}
	blob, err := json.Marshal(map[string]string{
		"jid":      jid.String(),
		"pushName": w.cli.Store.PushName,
	})
	if err != nil {
		return
	}
	if err := w.auth.Save(blob); err != nil {
		w.logger.Printf("Device %s failed to save credential snapshot: %v", w.deviceID, err)
	}
}

// Profile implements client.Client.
func (w *waClient) Profile() (client.Profile, bool) {
	jid := w.cli.Store.ID
	if jid == nil {
		return client.Profile{}, false
	}
	return client.Profile{
		PhoneNumber: jid.User,
		DisplayName: w.cli.Store.PushName,
	}, true
}

// RecentMessages implements client.Client. WhatsApp offers no on-demand
// history query over the multi-device protocol, so warm population is
// unavailable for real devices.
func (w *waClient) RecentMessages(ctx context.Context, chatLimit, perChat int) ([]client.Message, error) {
	return nil, client.ErrHistoryUnavailable
}

// Destroy implements client.Client.
func (w *waClient) Destroy() {
	w.cli.Disconnect()
	if err := w.container.Close(); err != nil {
		w.logger.Printf("Device %s failed to close credential container: %v", w.deviceID, err)
	}
}

func (w *waClient) emit(evt client.Event) {
	w.mu.Lock()
	fn := w.fn
	w.mu.Unlock()
	if fn == nil {
		return
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	fn(evt)
}
