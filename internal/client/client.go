package client

import (
	"context"
	"errors"
)

// ErrHistoryUnavailable is returned by RecentMessages when the underlying
// protocol client cannot produce retroactive history. Warm-population is
// best-effort, so callers treat this as "nothing to seed".
var ErrHistoryUnavailable = errors.New("client: message history unavailable")

// Client is the chat-protocol client consumed by the orchestrator. One
// instance drives one device session end to end: it performs the wire
// protocol, emits lifecycle and traffic events, and persists its own
// credential material through the AuthStore it was constructed with.
//
// Callbacks for a single client are delivered one at a time; clients for
// different devices run fully independently.
type Client interface {
	// Subscribe registers the event callback. It must be called before
	// Start so no event is lost.
	Subscribe(fn func(Event))

	// Start begins the session asynchronously on the wire; it returns once
	// startup has been initiated or rejects with the startup error. Events
	// arrive on the subscribed callback after Start.
	Start(ctx context.Context) error

	// Destroy tears the session down and releases resources. Safe to call
	// at any point, including while Start is still in flight.
	Destroy()

	// Profile returns the session's phone number and display name when the
	// protocol has revealed them. The boolean reports availability; both
	// fields may legitimately be absent before authentication completes.
	Profile() (Profile, bool)

	// RecentMessages queries the client's own history for warm-population:
	// up to perChat messages for each of up to chatLimit recent chats.
	// Implementations may return ErrHistoryUnavailable.
	RecentMessages(ctx context.Context, chatLimit, perChat int) ([]Message, error)
}

// AuthStore is the credential persistence interface the orchestrator hands
// to each client. Blobs are opaque: only the client knows their contents.
type AuthStore interface {
	Exists() (bool, error)
	Save(blob []byte) error
	Load() ([]byte, error)
	Delete() error
}

// Factory constructs a client for a device, bound to that device's
// AuthStore.
type Factory func(deviceID string, auth AuthStore) (Client, error)

// Profile carries the identity fields a session learns about itself after
// pairing. Either field may be empty.
type Profile struct {
	PhoneNumber string
	DisplayName string
}
