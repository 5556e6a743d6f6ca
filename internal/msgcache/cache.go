package msgcache

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

// Direction distinguishes inbound from outbound entries.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Entry is a lightweight projection of one message: metadata and minimal
// body/media pointers, never the full payload. Entries are immutable once
// appended.
type Entry struct {
	MessageID string    `json:"messageId"`
	DeviceID  string    `json:"deviceId"`
	ChatID    string    `json:"chatId"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Type      string    `json:"type"`
	Body      string    `json:"body,omitempty"`
	MediaPath string    `json:"mediaPath,omitempty"`
}

type chatKey struct {
	deviceID string
	chatID   string
}

// Cache keeps the most recent message entries per (device, chat) pair,
// capped at a fixed capacity with oldest-first eviction.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	chats    map[chatKey]*orderedmap.OrderedMap[string, Entry]
}

// New creates a cache holding up to capacity entries per chat.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{
		capacity: capacity,
		chats:    make(map[chatKey]*orderedmap.OrderedMap[string, Entry]),
	}
}

// Append records one entry in arrival order, evicting the oldest entry of
// the same chat once the chat is at capacity.
func (c *Cache) Append(e Entry) {
	key := chatKey{deviceID: e.DeviceID, chatID: e.ChatID}

	c.mu.Lock()
	defer c.mu.Unlock()

	chat, ok := c.chats[key]
	if !ok {
		chat = orderedmap.NewOrderedMap[string, Entry]()
		c.chats[key] = chat
	}

	// Re-appending an already-seen message id must not reorder it
	if _, seen := chat.Get(e.MessageID); seen {
		return
	}

	chat.Set(e.MessageID, e)
	for chat.Len() > c.capacity {
		front := chat.Front()
		chat.Delete(front.Key)
	}
}

// Recent returns up to n entries for the chat, oldest first, most recent
// last. n <= 0 returns everything cached for the chat.
func (c *Cache) Recent(deviceID, chatID string, n int) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chat, ok := c.chats[chatKey{deviceID: deviceID, chatID: chatID}]
	if !ok {
		return nil
	}

	entries := make([]Entry, 0, chat.Len())
	for el := chat.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Chats lists the chat ids the cache currently holds for a device.
func (c *Cache) Chats(deviceID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for key := range c.chats {
		if key.deviceID == deviceID {
			ids = append(ids, key.chatID)
		}
	}
	return ids
}

// Size returns the number of entries cached for the chat.
func (c *Cache) Size(deviceID, chatID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chat, ok := c.chats[chatKey{deviceID: deviceID, chatID: chatID}]
	if !ok {
		return 0
	}
	return chat.Len()
}

// DropDevice discards every cached chat for a device. Called when the
// device is deleted.
func (c *Cache) DropDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.chats {
		if key.deviceID == deviceID {
			delete(c.chats, key)
		}
	}
}
