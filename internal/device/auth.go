package device

import "github.com/whatsfleet/whatsfleet/internal/store"

// authAdapter bridges a client's credential persistence to the session
// store, scoped to one device id. The blob is opaque here; only the client
// knows what is inside it.
//
// Writes check handle liveness first: a straggler save from a client being
// torn down must not resurrect keys the deletion already removed.
type authAdapter struct {
	deviceID string
	store    *store.Store
	h        *handle
}

func (a authAdapter) Exists() (bool, error) {
	return a.store.BlobExists(a.deviceID)
}

func (a authAdapter) Save(blob []byte) error {
	if a.h != nil && !a.h.alive.Load() {
		return nil
	}
	return a.store.SaveBlob(a.deviceID, blob)
}

func (a authAdapter) Load() ([]byte, error) {
	return a.store.LoadBlob(a.deviceID)
}

func (a authAdapter) Delete() error {
	return a.store.DeleteBlob(a.deviceID)
}
