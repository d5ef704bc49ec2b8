package cache

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// RefetchFunc is invoked when a family must be refetched. Implementations
// typically schedule the corresponding resource read; errors are theirs to
// handle.
type RefetchFunc func(family Family)

// MemoryOption configures the in-memory cache.
type MemoryOption func(*Memory)

// WithRefetchFunc installs the refetch hook.
func WithRefetchFunc(fn RefetchFunc) MemoryOption {
	return func(m *Memory) {
		if m == nil || fn == nil {
			return
		}
		m.refetch = fn
	}
}

// WithSnapshotPath enables the persisted snapshot at path.
func WithSnapshotPath(path string) MemoryOption {
	return func(m *Memory) {
		if m == nil {
			return
		}
		m.snapshotPath = path
	}
}

// Memory is the reference Cache implementation. Entries hold serialized
// values; staleness is tracked per family so reads can trigger lazy
// refetches.
type Memory struct {
	mu      sync.Mutex
	entries map[Family]*memEntry

	refetch      RefetchFunc
	snapshotPath string
}

type memEntry struct {
	value []byte
	stale bool
}

// NewMemory constructs an in-memory cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[Family]*memEntry),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m
}

var _ Cache = (*Memory)(nil)

// Put stores a fresh value for a family.
func (m *Memory) Put(f Family, value []byte) {
	if f == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[f] = &memEntry{value: value}
}

// Get returns the cached value. A stale or absent family reports ok=false
// and schedules a refetch, so the caller always ends up with fresh data on
// the follow-up read.
func (m *Memory) Get(f Family) ([]byte, bool) {
	m.mu.Lock()
	e, found := m.entries[f]
	stale := found && e.stale
	var value []byte
	if found && !e.stale {
		value = e.value
	}
	fn := m.refetch
	m.mu.Unlock()

	if (!found || stale) && fn != nil {
		fn(f)
	}
	if !found || stale {
		return nil, false
	}
	return value, true
}

// Invalidate marks a family stale. The entry stays resident until the next
// read decides what to do with it.
func (m *Memory) Invalidate(f Family) {
	if f == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[f]; ok {
		e.stale = true
		return
	}
	m.entries[f] = &memEntry{stale: true}
}

// ForceRefetch drops the family and triggers the refetch hook immediately.
func (m *Memory) ForceRefetch(f Family) {
	if f == "" {
		return
	}
	m.mu.Lock()
	delete(m.entries, f)
	fn := m.refetch
	m.mu.Unlock()

	if fn != nil {
		fn(f)
	}
}

// EvictProject removes every family scoped to projectID.
func (m *Memory) EvictProject(projectID string) {
	if projectID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := range m.entries {
		if BelongsToProject(f, projectID) {
			delete(m.entries, f)
		}
	}
}

// PurgeAll drops every entry and removes the persisted snapshot, if any.
func (m *Memory) PurgeAll() error {
	m.mu.Lock()
	m.entries = make(map[Family]*memEntry)
	path := m.snapshotPath
	m.mu.Unlock()

	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Len reports the number of resident families (stale included).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type snapshotFile struct {
	Version int               `json:"version"`
	Entries map[Family][]byte `json:"entries"`
}

// WriteSnapshot persists the fresh entries. Stale families are omitted so a
// restart never resurrects data a server event already invalidated.
func (m *Memory) WriteSnapshot() error {
	m.mu.Lock()
	path := m.snapshotPath
	out := snapshotFile{Version: FamiliesVersion, Entries: make(map[Family][]byte, len(m.entries))}
	for f, e := range m.entries {
		if e.stale {
			continue
		}
		out.Entries[f] = e.value
	}
	m.mu.Unlock()

	if path == "" {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadSnapshot restores entries from the snapshot file. A missing file or a
// snapshot written under a different family layout is not an error; it just
// loads nothing.
func (m *Memory) LoadSnapshot() error {
	m.mu.Lock()
	path := m.snapshotPath
	m.mu.Unlock()

	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var in snapshotFile
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Version != FamiliesVersion {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for f, v := range in.Entries {
		if f == "" {
			continue
		}
		m.entries[f] = &memEntry{value: v}
	}
	return nil
}
