package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tolelom/proofmarket/core"
	"github.com/tolelom/proofmarket/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it.  All prefix constants must be declared
// via this function; manually editing statePrefixes is not required.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated automatically by registerPrefix() below.
// ComputeRoot() iterates these prefixes to build the full world-state view.
var statePrefixes []string

var (
	prefixAccount    = registerPrefix("acct:")
	prefixReputation = registerPrefix("rep:")
	prefixChallenge  = registerPrefix("chal:")
	prefixInstance   = registerPrefix("inst:")
	prefixMeta       = registerPrefix("meta:")
)

const (
	keyReputationMeta = "meta:reputation"
	keyRegistry       = "meta:registry"
)

func challengeKey(instance string, id uint64) string {
	return fmt.Sprintf("%s%s:%020d", prefixChallenge, instance, id)
}

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
//
// The internal mutex makes individual reads and writes safe under the
// entity-class locks the components hold. Snapshots revert LIFO: an
// operation that snapshots, calls into another component (which snapshots
// and commits inside), and then fails reverts cleanly, but two unrelated
// in-flight mutating operations on one StateDB must not interleave;
// components guarantee that by serializing their own mutations.
type StateDB struct {
	mu        sync.Mutex
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(key, data)
	return nil
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(prefixAccount + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.setJSON(prefixAccount+acc.Address, acc)
}

// ---- Reputation ----

func (s *StateDB) GetReputation(address string) (*core.ReputationRecord, error) {
	data, err := s.get(prefixReputation + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.ReputationRecord{Address: address}, nil // never scored
	}
	if err != nil {
		return nil, err
	}
	var rec core.ReputationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *StateDB) SetReputation(rec *core.ReputationRecord) error {
	return s.setJSON(prefixReputation+rec.Address, rec)
}

func (s *StateDB) GetReputationMeta() (*core.ReputationMeta, error) {
	data, err := s.get(keyReputationMeta)
	if errors.Is(err, core.ErrNotFound) {
		return &core.ReputationMeta{Distribution: make(map[uint64]uint64)}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta core.ReputationMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	if meta.Distribution == nil {
		meta.Distribution = make(map[uint64]uint64)
	}
	return &meta, nil
}

func (s *StateDB) SetReputationMeta(meta *core.ReputationMeta) error {
	return s.setJSON(keyReputationMeta, meta)
}

// ---- Challenge ----

func (s *StateDB) GetChallenge(instance string, id uint64) (*core.Challenge, error) {
	data, err := s.get(challengeKey(instance, id))
	if err != nil {
		return nil, err
	}
	var c core.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Approvals == nil {
		c.Approvals = make(map[uint64]uint8)
	}
	return &c, nil
}

func (s *StateDB) SetChallenge(instance string, c *core.Challenge) error {
	return s.setJSON(challengeKey(instance, c.ID), c)
}

// ---- Instance ----

func (s *StateDB) GetInstance(handle string) (*core.InstanceRecord, error) {
	data, err := s.get(prefixInstance + handle)
	if err != nil {
		return nil, err
	}
	var rec core.InstanceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *StateDB) SetInstance(rec *core.InstanceRecord) error {
	return s.setJSON(prefixInstance+rec.Handle, rec)
}

// ---- Registry ----

func (s *StateDB) GetRegistry() (*core.RegistryRecord, error) {
	data, err := s.get(keyRegistry)
	if errors.Is(err, core.ErrNotFound) {
		return &core.RegistryRecord{
			Deployers: make(map[string]string),
			ByCreator: make(map[string][]string),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec core.RegistryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Deployers == nil {
		rec.Deployers = make(map[string]string)
	}
	if rec.ByCreator == nil {
		rec.ByCreator = make(map[string][]string)
	}
	return &rec, nil
}

func (s *StateDB) SetRegistry(rec *core.RegistryRecord) error {
	return s.setJSON(keyRegistry, rec)
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state.
// It merges all persisted state entries (scanned from DB by the known state
// prefixes) with the current write buffer, then hashes the sorted key-value
// pairs using length-prefix encoding.  It does NOT flush or modify state.
func (s *StateDB) ComputeRoot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Step 1: collect all persisted state entries from DB.
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
	}

	// Step 2: apply in-memory write buffer (uncommitted changes).
	for k, v := range s.dirty {
		merged[k] = v
	}

	// Step 3: exclude deleted keys.
	for k := range s.deleted {
		delete(merged, k)
	}

	// Step 4: sort keys for determinism.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Step 5: length-prefix encode each key-value pair and hash.
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// WriteBatch and then clears it.
func (s *StateDB) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
