// Package clienttest provides a scripted in-memory chat client for tests.
package clienttest

import (
	"context"
	"sync"

	"github.com/whatsfleet/whatsfleet/internal/client"
)

// Fake implements client.Client with test-controlled behavior. Tests drive
// callbacks through Emit and inspect teardown through Destroyed.
type Fake struct {
	mu        sync.Mutex
	fn        func(client.Event)
	destroyed bool
	started   bool

	// StartErr, when set, is returned by Start.
	StartErr error

	// ProfileValue is returned by Profile when ProfileOK is true.
	ProfileValue client.Profile
	ProfileOK    bool

	// History is returned by RecentMessages; HistoryErr takes precedence.
	History    []client.Message
	HistoryErr error
}

// New returns a Fake with no scripted failures.
func New() *Fake {
	return &Fake{}
}

// Subscribe implements client.Client.
func (f *Fake) Subscribe(fn func(client.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

// Start implements client.Client.
func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started = true
	return nil
}

// Destroy implements client.Client.
func (f *Fake) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

// Profile implements client.Client.
func (f *Fake) Profile() (client.Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProfileValue, f.ProfileOK
}

// RecentMessages implements client.Client.
func (f *Fake) RecentMessages(ctx context.Context, chatLimit, perChat int) ([]client.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	return f.History, nil
}

// Emit delivers an event to the subscribed callback, mirroring the
// one-at-a-time delivery contract of real clients.
func (f *Fake) Emit(evt client.Event) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Started reports whether Start completed without a scripted error.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}
