package device

import (
	"errors"
	"time"
)

// Status is a device's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQR           Status = "qr"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Errors surfaced to external callers. Everything else is absorbed
// internally and reflected through state transitions.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceNotReady = errors.New("device not in a state that accepts this operation")
)

// ErrCorruptRecord marks a persisted record that cannot be decoded.
// Recovery skips such devices and keeps going.
var ErrCorruptRecord = errors.New("corrupt device record")

// Device is the persisted device record. Field names are part of the
// storage contract: recovery reads records written by earlier process
// versions.
type Device struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	QRCode      string    `json:"qrCode,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
}
