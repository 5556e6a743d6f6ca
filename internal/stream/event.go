package stream

import "time"

// Event types delivered on device subscription channels.
const (
	EventDeviceQR            = "device_qr"
	EventDeviceReady         = "device_ready"
	EventDeviceAuthenticated = "device_authenticated"
	EventMessageReceived     = "message_received"
	EventDeviceState         = "device_state"
	EventDeviceDisconnected  = "device_disconnected"
)

// Event is the wire envelope published to subscribers. Only the fields
// relevant to the event type are populated; field names are part of the
// subscription contract.
type Event struct {
	Event       string      `json:"event"`
	DeviceID    string      `json:"deviceId"`
	QR          string      `json:"qr,omitempty"`
	PhoneNumber string      `json:"phoneNumber,omitempty"`
	ClientName  string      `json:"clientName,omitempty"`
	Status      string      `json:"status,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Message     interface{} `json:"message,omitempty"`
	Timestamp   int64       `json:"timestamp"`
}

// Stamp fills the timestamp if the caller has not.
func (e Event) Stamp() Event {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}
