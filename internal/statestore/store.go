// Package statestore implements the State Store (C5): a small, durable
// key/value store persisting current_mode, last_applied_version[section],
// rollback_snapshot[section], device_id, api_key_hash, and bound_owner
// (spec §4.5). Writes are fsync'd before acknowledgement; reads are cached
// in memory after first load.
//
// Grounded on the teacher pack's embedded-KV usage in
// marmos91-dittofs/pkg/metadata/store/badger (transaction wrapper,
// healthcheck pattern), adapted from a filesystem metadata store to a
// small fixed set of agent state keys. badger.Open returns a durable,
// crash-safe LSM store with no external database process — the right
// replacement for the teacher's networked config_db (see DESIGN.md for why
// go-redis was dropped).
package statestore

import (
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/meshguard/routerd/internal/agenterr"
)

const (
	keyMode       = "current_mode"
	keyDeviceID   = "device_id"
	keyAPIKeyHash = "api_key_hash"
	keyBoundOwner = "bound_owner"
	prefixVersion = "last_applied_version/"
	prefixSnap    = "rollback_snapshot/"
)

// Store is the durable agent state store, backed by an embedded badger
// database at a single directory path.
type Store struct {
	db *badger.DB

	mu                 sync.RWMutex
	mode               string
	deviceID           string
	apiKeyHash         string
	boundOwner         string
	lastAppliedVersion map[string]int64
	rollbackSnapshots  map[string][]byte
}

// Open opens (creating if absent) the badger database at dir and loads its
// contents into the in-memory cache (spec §4.5 "Reads are
// in-memory-cached after first load").
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil).WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("statestore: open: %w", err)
	}
	s := &Store{
		db:                 db,
		lastAppliedVersion: make(map[string]int64),
		rollbackSnapshots:  make(map[string][]byte),
		mode:               "observe",
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", agenterr.ErrStateCorrupt, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadAll() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			switch {
			case key == keyMode:
				s.mode = string(val)
			case key == keyDeviceID:
				s.deviceID = string(val)
			case key == keyAPIKeyHash:
				s.apiKeyHash = string(val)
			case key == keyBoundOwner:
				s.boundOwner = string(val)
			case hasPrefix(key, prefixVersion):
				var v int64
				if err := json.Unmarshal(val, &v); err != nil {
					return err
				}
				s.lastAppliedVersion[key[len(prefixVersion):]] = v
			case hasPrefix(key, prefixSnap):
				s.rollbackSnapshots[key[len(prefixSnap):]] = append([]byte(nil), val...)
			}
		}
		return nil
	})
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// writeSync performs a single atomic, fsync'd write (spec §4.5
// "Atomicity: mode change and config-version update each require a single
// atomic write").
func (s *Store) writeSync(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Mode returns the cached current operating mode.
func (s *Store) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode persists a mode transition atomically before returning, then
// updates the cache (spec §3 "Transitions are atomic and durable before
// acknowledgement").
func (s *Store) SetMode(mode string) error {
	if err := s.writeSync(keyMode, []byte(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return nil
}

// DeviceIdentity returns the persisted device id and api key hash.
func (s *Store) DeviceIdentity() (deviceID, apiKeyHash string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, s.apiKeyHash
}

// SetDeviceIdentity persists the device id and a hash of the api key (spec
// §4.5); the key itself lives only in the protected config file. Only the
// hash is recorded: nothing in the agent compares it against the
// configured key.
func (s *Store) SetDeviceIdentity(deviceID, apiKeyHash string) error {
	if err := s.writeSync(keyDeviceID, []byte(deviceID)); err != nil {
		return err
	}
	if err := s.writeSync(keyAPIKeyHash, []byte(apiKeyHash)); err != nil {
		return err
	}
	s.mu.Lock()
	s.deviceID, s.apiKeyHash = deviceID, apiKeyHash
	s.mu.Unlock()
	return nil
}

// BoundOwner returns the caller identity UPDATE_MODE requests are checked
// against, or "" if none has been bound yet.
func (s *Store) BoundOwner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundOwner
}

// SetBoundOwner persists the owner identity mode transitions must match
// (spec §3 "whose caller-identity equals the bound owner"). Bound once, at
// provisioning time, the same way device identity is bound.
func (s *Store) SetBoundOwner(owner string) error {
	if err := s.writeSync(keyBoundOwner, []byte(owner)); err != nil {
		return err
	}
	s.mu.Lock()
	s.boundOwner = owner
	s.mu.Unlock()
	return nil
}

// LastAppliedVersion returns the last successfully applied version for a
// section, or 0 if none has ever been applied.
func (s *Store) LastAppliedVersion(section string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppliedVersion[section]
}

// AllLastAppliedVersions returns a snapshot of every section's last applied
// version, used to populate the first STATUS frame after restart.
func (s *Store) AllLastAppliedVersions() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.lastAppliedVersion))
	for k, v := range s.lastAppliedVersion {
		out[k] = v
	}
	return out
}

// SetLastAppliedVersion persists the new version for a section atomically.
func (s *Store) SetLastAppliedVersion(section string, version int64) error {
	data, err := json.Marshal(version)
	if err != nil {
		return err
	}
	if err := s.writeSync(prefixVersion+section, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastAppliedVersion[section] = version
	s.mu.Unlock()
	return nil
}

// RollbackSnapshot returns the persisted pre-apply blob for a section, and
// whether one is retained.
func (s *Store) RollbackSnapshot(section string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.rollbackSnapshots[section]
	return b, ok
}

// SaveRollbackSnapshot persists a new pre-apply snapshot, overwriting any
// prior one for this section (spec §3 "at most one snapshot retained per
// adapter").
func (s *Store) SaveRollbackSnapshot(section string, blob []byte) error {
	if err := s.writeSync(prefixSnap+section, blob); err != nil {
		return err
	}
	s.mu.Lock()
	s.rollbackSnapshots[section] = append([]byte(nil), blob...)
	s.mu.Unlock()
	return nil
}

// DiscardRollbackSnapshot removes a retained snapshot, used when the
// control plane confirms a version is good (spec §3).
func (s *Store) DiscardRollbackSnapshot(section string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixSnap + section))
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.rollbackSnapshots, section)
	s.mu.Unlock()
	return nil
}

// Healthcheck verifies the store is still serving requests, grounded on
// the teacher pack's badger Healthcheck pattern.
func (s *Store) Healthcheck() error {
	return s.db.View(func(txn *badger.Txn) error {
		return nil
	})
}
