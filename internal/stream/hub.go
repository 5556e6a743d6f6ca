package stream

import (
	"log"
	"sync"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before deliveries to it are dropped. Delivery is at-most-once.
const subscriberBuffer = 64

// Subscriber receives events for exactly one device.
type Subscriber struct {
	deviceID string
	events   chan Event
	hub      *Hub
	once     sync.Once
}

// Events returns the subscriber's ordered event channel. The channel is
// closed when the subscriber is removed.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Close detaches the subscriber from the hub and closes its channel.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans lifecycle and traffic events out to per-device subscribers.
// Events for a device are delivered to each subscriber in publish order;
// if nobody is subscribed, the event is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	logger *log.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe attaches a new subscriber for the device.
func (h *Hub) Subscribe(deviceID string) *Subscriber {
	sub := &Subscriber{
		deviceID: deviceID,
		events:   make(chan Event, subscriberBuffer),
		hub:      h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[deviceID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[deviceID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	set, ok := h.subs[sub.deviceID]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.deviceID)
		}
	}
	h.mu.Unlock()

	sub.once.Do(func() { close(sub.events) })
}

// Publish delivers an event to every subscriber of its device. Publish
// never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(evt Event) {
	evt = evt.Stamp()

	h.mu.RLock()
	defer h.mu.RUnlock()

	set, ok := h.subs[evt.DeviceID]
	if !ok || len(set) == 0 {
		return
	}
	for sub := range set {
		select {
		case sub.events <- evt:
		default:
			h.logger.Printf("Dropping %s event for device %s: subscriber too slow", evt.Event, evt.DeviceID)
		}
	}
}

// SubscriberCount reports how many subscribers a device currently has.
func (h *Hub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[deviceID])
}
