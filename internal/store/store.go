package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket layout. The key shapes are load-bearing: recovery reads records
// written by earlier process versions, so names must stay stable.
var (
	bucketDeviceIDs     = []byte("device_ids")
	bucketDeviceRecords = []byte("device_records")
	bucketAuthBlobs     = []byte("auth_blobs")
)

// ErrNotFound is returned by reads when the key is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the durable session store: the persisted device id set,
// per-device record documents and per-device opaque auth blobs.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the store database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	path := filepath.Join(dataDir, "whatsfleet.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDeviceIDs, bucketDeviceRecords, bucketAuthBlobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store buckets: %v", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddToSet adds a device id to the persisted id set.
func (s *Store) AddToSet(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceIDs).Put([]byte(id), []byte{1})
	})
}

// RemoveFromSet removes a device id from the persisted id set. Removing an
// absent id is a no-op.
func (s *Store) RemoveFromSet(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceIDs).Delete([]byte(id))
	})
}

// ListSet returns every device id in the persisted id set.
func (s *Store) ListSet() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceIDs).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClearSet removes every id from the persisted id set in one transaction.
func (s *Store) ClearSet() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDeviceIDs); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketDeviceIDs)
		return err
	})
}

// PutRecord writes the serialized device record, overwriting any previous
// version (last writer wins).
func (s *Store) PutRecord(id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceRecords).Put([]byte(id), data)
	})
}

// GetRecord reads the serialized device record, or ErrNotFound.
func (s *Store) GetRecord(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeviceRecords).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteRecord removes the device record. Deleting an absent record is a
// no-op.
func (s *Store) DeleteRecord(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceRecords).Delete([]byte(id))
	})
}

// SaveBlob stores the opaque auth blob for a device, overwriting
// unconditionally.
func (s *Store) SaveBlob(id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthBlobs).Put([]byte(id), blob)
	})
}

// LoadBlob returns the auth blob for a device, or nil if none was saved.
func (s *Store) LoadBlob(id string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAuthBlobs).Get([]byte(id))
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// BlobExists reports whether an auth blob is stored for the device.
func (s *Store) BlobExists(id string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketAuthBlobs).Get([]byte(id)) != nil
		return nil
	})
	return exists, err
}

// DeleteBlob removes the auth blob for a device. Deleting an absent blob is
// a no-op.
func (s *Store) DeleteBlob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuthBlobs).Delete([]byte(id))
	})
}
