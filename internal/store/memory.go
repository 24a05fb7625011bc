package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]device.Record
	legacy     []device.LegacyEntry
	session    *cloud.Session
	advisories map[string]Advisory
	version    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]device.Record),
		advisories: make(map[string]Advisory),
	}
}

func ensureEntryID(e device.LegacyEntry) device.LegacyEntry {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	return e
}

func (m *MemoryStore) ReadRecord(_ context.Context, deviceID string) (device.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[deviceID]
	if !ok {
		return device.Record{}, fmt.Errorf("record %s: %w", deviceID, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) WriteRecord(_ context.Context, r device.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.DeviceID] = r
	return nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, deviceID)
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context) ([]device.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]device.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) ReadLegacyEntries(_ context.Context) ([]device.LegacyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]device.LegacyEntry(nil), m.legacy...), nil
}

func (m *MemoryStore) WriteLegacyEntry(_ context.Context, e device.LegacyEntry) error {
	e = ensureEntryID(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.legacy {
		if m.legacy[i].EntryID == e.EntryID {
			m.legacy[i] = e
			return nil
		}
	}
	m.legacy = append(m.legacy, e)
	return nil
}

func (m *MemoryStore) DeleteLegacyEntry(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.legacy {
		if m.legacy[i].EntryID == entryID {
			m.legacy = append(m.legacy[:i], m.legacy[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) SchemaVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *MemoryStore) SetSchemaVersion(_ context.Context, v int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = v
	return nil
}

func (m *MemoryStore) ReadSession(_ context.Context) (cloud.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return cloud.Session{}, fmt.Errorf("session: %w", ErrNotFound)
	}
	return *m.session, nil
}

func (m *MemoryStore) WriteSession(_ context.Context, s cloud.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = &s
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

func (m *MemoryStore) ReadAdvisory(_ context.Context, issueID string) (Advisory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.advisories[issueID]
	if !ok {
		return Advisory{}, fmt.Errorf("advisory %s: %w", issueID, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) WriteAdvisory(_ context.Context, a Advisory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advisories[a.IssueID] = a
	return nil
}

func (m *MemoryStore) DeleteAdvisory(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.advisories, issueID)
	return nil
}

func (m *MemoryStore) ListAdvisories(_ context.Context) ([]Advisory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Advisory, 0, len(m.advisories))
	for _, a := range m.advisories {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
