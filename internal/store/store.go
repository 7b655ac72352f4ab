// Package store persists named CPU holds in a bolt database so that a
// restarted daemon can re-apply outstanding halts. Kernel-side clients
// of CPU pause live exactly as long as the kernel; userspace holders do
// not, and their holds must survive a daemon restart without the ref
// counts drifting from the number of outstanding requests.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"

	"github.com/spin-stack/quiesce/internal/cpuset"
)

var bucketHolds = []byte("holds")

// Hold is one holder's persisted halt request.
type Hold struct {
	Holder    string    `json:"holder"`
	Cpus      string    `json:"cpus"` // cpulist format
	UpdatedAt time.Time `json:"updated_at"`
}

// Set parses the hold's CPU list.
func (h *Hold) Set() (cpuset.Set, error) {
	return cpuset.Parse(h.Cpus)
}

// Store is a bolt-backed hold database. Safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the hold database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:        30 * time.Second,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("open hold db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHolds)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create holds bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put records holder's hold over cpus, replacing any previous record.
// An empty set deletes the record.
func (s *Store) Put(holder string, cpus cpuset.Set) error {
	if holder == "" {
		return fmt.Errorf("empty holder name: %w", errdefs.ErrInvalidArgument)
	}
	if cpus.Empty() {
		return s.Delete(holder)
	}
	data, err := json.Marshal(&Hold{
		Holder:    holder,
		Cpus:      cpus.String(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHolds).Put([]byte(holder), data)
	})
}

// Get returns holder's recorded hold.
func (s *Store) Get(holder string) (cpuset.Set, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketHolds).Get([]byte(holder)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return cpuset.Set{}, err
	}
	if data == nil {
		return cpuset.Set{}, fmt.Errorf("holder %q: %w", holder, errdefs.ErrNotFound)
	}
	var h Hold
	if err := json.Unmarshal(data, &h); err != nil {
		return cpuset.Set{}, fmt.Errorf("decode hold %q: %w", holder, err)
	}
	return h.Set()
}

// Delete removes holder's record. Deleting an absent record is a no-op.
func (s *Store) Delete(holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHolds).Delete([]byte(holder))
	})
}

// List invokes fn for every recorded hold, in holder order. Returning
// an error from fn stops the scan.
func (s *Store) List(fn func(h Hold) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHolds).ForEach(func(k, v []byte) error {
			var h Hold
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("decode hold %q: %w", string(k), err)
			}
			return fn(h)
		})
	})
}
