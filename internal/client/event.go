package client

import "time"

// EventKind enumerates the callbacks a chat-protocol client can emit.
type EventKind int

const (
	// EventQR carries a fresh pairing token in QRCode.
	EventQR EventKind = iota
	// EventReady fires once the session is fully usable.
	EventReady
	// EventAuthenticated fires when credentials have been accepted.
	EventAuthenticated
	// EventMessage carries an inbound message in Message.
	EventMessage
	// EventMessageSent carries an outbound message in Message.
	EventMessageSent
	// EventDisconnected carries the disconnect reason in Reason.
	EventDisconnected
	// EventStateChange carries a raw protocol state string in State.
	EventStateChange
)

// String returns a string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventReady:
		return "ready"
	case EventAuthenticated:
		return "authenticated"
	case EventMessage:
		return "message"
	case EventMessageSent:
		return "message_sent"
	case EventDisconnected:
		return "disconnected"
	case EventStateChange:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Event is one callback from a client. Only the payload fields relevant to
// the Kind are populated.
type Event struct {
	Kind    EventKind
	QRCode  string
	Message Message
	Reason  string
	State   string
}

// Message is the client's projection of one message. FromMe is the
// protocol's own directionality flag and is authoritative over any
// bookkeeping the orchestrator does.
type Message struct {
	ID        string
	ChatID    string
	Timestamp time.Time
	FromMe    bool
	Kind      string
	Body      string
	MediaPath string

	// System marks protocol housekeeping notifications that carry no
	// user-visible content.
	System bool
}

// HasContent reports whether the message carries a body or media pointer.
func (m Message) HasContent() bool {
	return m.Body != "" || m.MediaPath != ""
}
