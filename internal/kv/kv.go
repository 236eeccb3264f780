// Package kv implements the KV Store Adapter (§4.2): per-project
// namespaced key/value storage with byte-quota accounting, grounded on
// system/runtime/runtime.go's packageStorage (an in-memory, quota-enforced
// per-package map), generalized from one package's quota to one project's
// quota and extended with list/export/import.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/r3e-network/serverless-gateway/internal/apierrors"
)

// ImportStrategy selects how Import reconciles a blob with existing data.
type ImportStrategy string

const (
	ImportMerge   ImportStrategy = "merge"
	ImportReplace ImportStrategy = "replace"
)

// ExportItem is one entry of the KV export document (§6).
type ExportItem struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ExportDocument is the KV export wire format (§6).
type ExportDocument struct {
	Version int          `json:"version"`
	Items   []ExportItem `json:"items"`
}

// Usage reports a project's current KV consumption.
type Usage struct {
	Bytes   int64
	Limit   int64
	Percent float64
}

type projectStore struct {
	mu        sync.RWMutex
	items     map[string][]byte
	usedBytes int64
	limit     int64

	// keyLocks serializes concurrent writers to the same key. Every write
	// also holds mu exclusively, so writes to different keys are still
	// serialized with each other and with reads.
	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex
}

func newProjectStore(limit int64) *projectStore {
	return &projectStore{
		items:    make(map[string][]byte),
		limit:    limit,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (s *projectStore) lockFor(key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// Store is the KV Store Adapter: an in-memory, per-project, quota-enforced
// key/value store. It implements the full §4.2 contract.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*projectStore

	// limitForProject supplies each project's configured kv-limit-bytes;
	// the store itself holds no project metadata.
	limitForProject func(projectID string) int64
}

// New creates a Store. limitForProject resolves a project's configured
// byte quota (§3 Project.kv-limit-bytes); it is called lazily, once per
// project, the first time that project is touched.
func New(limitForProject func(projectID string) int64) *Store {
	return &Store{
		projects:        make(map[string]*projectStore),
		limitForProject: limitForProject,
	}
}

func (s *Store) storeFor(projectID string) *projectStore {
	s.mu.RLock()
	ps, ok := s.projects[projectID]
	s.mu.RUnlock()
	if ok {
		return ps
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok = s.projects[projectID]; ok {
		return ps
	}
	ps = newProjectStore(s.limitForProject(projectID))
	s.projects[projectID] = ps
	return ps
}

// Get returns the value for key, or (nil, false) if absent.
func (s *Store) Get(_ context.Context, projectID, key string) ([]byte, bool) {
	ps := s.storeFor(projectID)
	lock := ps.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	v, ok := ps.items[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set stores value under key. If the resulting project total would exceed
// the project's quota, the store is left byte-identical to its pre-call
// state and apierrors.QuotaExceeded is returned.
func (s *Store) Set(_ context.Context, projectID, key string, value []byte) error {
	ps := s.storeFor(projectID)
	lock := ps.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	existing, existed := ps.items[key]
	delta := int64(len(value))
	if existed {
		delta -= int64(len(existing))
	}

	newTotal := ps.usedBytes + delta
	if ps.limit > 0 && newTotal > ps.limit {
		return apierrors.QuotaExceeded(ps.limit, ps.usedBytes)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	ps.items[key] = stored
	ps.usedBytes = newTotal
	return nil
}

// Delete removes key, a no-op if it doesn't exist.
func (s *Store) Delete(_ context.Context, projectID, key string) error {
	ps := s.storeFor(projectID)
	lock := ps.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if v, ok := ps.items[key]; ok {
		ps.usedBytes -= int64(len(v))
		delete(ps.items, key)
	}
	return nil
}

// List returns a page of items with keys having the given prefix, ordered
// stably by key, along with the total matching count and their combined
// byte size.
func (s *Store) List(_ context.Context, projectID, prefix string, page, limit int) (items []KVEntry, total int, sizeTotal int64) {
	ps := s.storeFor(projectID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var matched []KVEntry
	for k, v := range ps.items {
		if len(prefix) > 0 && (len(k) < len(prefix) || k[:len(prefix)] != prefix) {
			continue
		}
		matched = append(matched, KVEntry{Key: k, Value: append([]byte(nil), v...)})
		sizeTotal += int64(len(v))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	total = len(matched)
	if limit <= 0 {
		return matched, total, sizeTotal
	}
	start := page * limit
	if start >= total {
		return nil, total, sizeTotal
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, sizeTotal
}

// KVEntry is one item returned by List.
type KVEntry struct {
	Key   string
	Value []byte
}

// Usage reports the project's current byte consumption against its quota.
func (s *Store) Usage(_ context.Context, projectID string) Usage {
	ps := s.storeFor(projectID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var pct float64
	if ps.limit > 0 {
		pct = float64(ps.usedBytes) / float64(ps.limit) * 100
	}
	return Usage{Bytes: ps.usedBytes, Limit: ps.limit, Percent: pct}
}

// Export serializes every item of projectID into the §6 KV export document.
func (s *Store) Export(_ context.Context, projectID string) (*ExportDocument, error) {
	ps := s.storeFor(projectID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	doc := &ExportDocument{Version: 1}
	keys := make([]string, 0, len(ps.items))
	for k := range ps.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := toRawValue(ps.items[k])
		if err != nil {
			return nil, fmt.Errorf("kv: export key %q: %w", k, err)
		}
		doc.Items = append(doc.Items, ExportItem{Key: k, Value: raw})
	}
	return doc, nil
}

// Import applies doc to projectID per strategy.
//
// "replace" is staged off to the side and quota-validated before the live
// map is swapped, so a failure (quota exceeded, bad item) leaves the store
// completely unchanged rather than partially applied.
//
// "merge" upserts each item in place; unknown JSON fields inside each
// item's value are preserved as-is since values are opaque to this layer.
func (s *Store) Import(_ context.Context, projectID string, doc *ExportDocument, strategy ImportStrategy) (imported, updated int, err error) {
	ps := s.storeFor(projectID)

	staged := make(map[string][]byte, len(doc.Items))
	var stagedTotal int64
	for _, item := range doc.Items {
		v, verr := fromRawValue(item.Value)
		if verr != nil {
			return 0, 0, fmt.Errorf("kv: import key %q: %w", item.Key, verr)
		}
		if _, dup := staged[item.Key]; !dup {
			stagedTotal += int64(len(v))
		}
		staged[item.Key] = v
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch strategy {
	case ImportReplace:
		if ps.limit > 0 && stagedTotal > ps.limit {
			return 0, 0, apierrors.QuotaExceeded(ps.limit, ps.usedBytes)
		}
		ps.items = staged
		ps.usedBytes = stagedTotal
		return len(staged), 0, nil

	case ImportMerge:
		newTotal := ps.usedBytes
		for k, v := range staged {
			if existing, ok := ps.items[k]; ok {
				newTotal += int64(len(v)) - int64(len(existing))
			} else {
				newTotal += int64(len(v))
			}
		}
		if ps.limit > 0 && newTotal > ps.limit {
			return 0, 0, apierrors.QuotaExceeded(ps.limit, ps.usedBytes)
		}
		for k, v := range staged {
			if _, ok := ps.items[k]; ok {
				updated++
			} else {
				imported++
			}
			ps.items[k] = v
		}
		ps.usedBytes = newTotal
		return imported, updated, nil

	default:
		return 0, 0, fmt.Errorf("kv: unknown import strategy %q", strategy)
	}
}

// toRawValue wraps an opaque byte value as JSON for the export document. If
// the bytes are already valid JSON they are embedded as-is; otherwise they
// are base64-encoded via json.Marshal's []byte handling.
func toRawValue(v []byte) (json.RawMessage, error) {
	if json.Valid(v) {
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// fromRawValue reverses toRawValue: if the raw JSON is a base64-encoded
// string (per encoding/json's []byte convention) it decodes to the
// original bytes, otherwise the raw JSON is kept verbatim so structured
// values round-trip unchanged.
func fromRawValue(raw json.RawMessage) ([]byte, error) {
	var asBytes []byte
	if err := json.Unmarshal(raw, &asBytes); err == nil {
		return asBytes, nil
	}
	return []byte(raw), nil
}
