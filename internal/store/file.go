package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
	"gopkg.in/yaml.v3"
)

// settingsDoc is the on-disk layout of a FileStore. Unified records live
// under "cameras" keyed by serial, as in the account options written by
// earlier releases.
type settingsDoc struct {
	SchemaVersion int                  `yaml:"schema_version"`
	Cameras       map[string]recordDoc `yaml:"cameras,omitempty"`
	Legacy        []legacyDoc          `yaml:"legacy_entries,omitempty"`
	Session       *cloud.Session       `yaml:"session,omitempty"`
	Advisories    map[string]Advisory  `yaml:"advisories,omitempty"`
}

// FileStore keeps the settings of one account in a YAML file. Every
// operation reads the file and every mutation rewrites it atomically.
type FileStore struct {
	path string
	mu   sync.RWMutex
}

// NewFileStore creates a store backed by path. The file is created on the
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the settings file location.
func (fs *FileStore) Path() string {
	return fs.path
}

func (fs *FileStore) load() (*settingsDoc, error) {
	doc := &settingsDoc{}
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", fs.path, err)
	}
	return doc, nil
}

func (fs *FileStore) save(doc *settingsDoc) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}

func (fs *FileStore) read(fn func(doc *settingsDoc) error) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	doc, err := fs.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

func (fs *FileStore) update(fn func(doc *settingsDoc) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	doc, err := fs.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return fs.save(doc)
}

func (fs *FileStore) ReadRecord(_ context.Context, deviceID string) (device.Record, error) {
	var r device.Record
	err := fs.read(func(doc *settingsDoc) error {
		d, ok := doc.Cameras[deviceID]
		if !ok {
			return fmt.Errorf("record %s: %w", deviceID, ErrNotFound)
		}
		r = d.toRecord(deviceID)
		return nil
	})
	return r, err
}

func (fs *FileStore) WriteRecord(_ context.Context, r device.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return fs.update(func(doc *settingsDoc) error {
		if doc.Cameras == nil {
			doc.Cameras = make(map[string]recordDoc)
		}
		doc.Cameras[r.DeviceID] = toDoc(r)
		return nil
	})
}

func (fs *FileStore) DeleteRecord(_ context.Context, deviceID string) error {
	return fs.update(func(doc *settingsDoc) error {
		delete(doc.Cameras, deviceID)
		return nil
	})
}

func (fs *FileStore) ListRecords(_ context.Context) ([]device.Record, error) {
	var out []device.Record
	err := fs.read(func(doc *settingsDoc) error {
		for id, d := range doc.Cameras {
			out = append(out, d.toRecord(id))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, err
}

func (fs *FileStore) ReadLegacyEntries(_ context.Context) ([]device.LegacyEntry, error) {
	var out []device.LegacyEntry
	err := fs.read(func(doc *settingsDoc) error {
		for _, d := range doc.Legacy {
			out = append(out, d.toEntry())
		}
		return nil
	})
	return out, err
}

func (fs *FileStore) WriteLegacyEntry(_ context.Context, e device.LegacyEntry) error {
	e = ensureEntryID(e)
	return fs.update(func(doc *settingsDoc) error {
		for i := range doc.Legacy {
			if doc.Legacy[i].EntryID == e.EntryID {
				doc.Legacy[i] = toLegacyDoc(e)
				return nil
			}
		}
		doc.Legacy = append(doc.Legacy, toLegacyDoc(e))
		return nil
	})
}

func (fs *FileStore) DeleteLegacyEntry(_ context.Context, entryID string) error {
	return fs.update(func(doc *settingsDoc) error {
		kept := doc.Legacy[:0]
		for _, d := range doc.Legacy {
			if d.EntryID != entryID {
				kept = append(kept, d)
			}
		}
		doc.Legacy = kept
		return nil
	})
}

func (fs *FileStore) SchemaVersion(_ context.Context) (int, error) {
	var v int
	err := fs.read(func(doc *settingsDoc) error {
		v = doc.SchemaVersion
		return nil
	})
	return v, err
}

func (fs *FileStore) SetSchemaVersion(_ context.Context, v int) error {
	return fs.update(func(doc *settingsDoc) error {
		doc.SchemaVersion = v
		return nil
	})
}

func (fs *FileStore) ReadSession(_ context.Context) (cloud.Session, error) {
	var s cloud.Session
	err := fs.read(func(doc *settingsDoc) error {
		if doc.Session == nil {
			return fmt.Errorf("session: %w", ErrNotFound)
		}
		s = *doc.Session
		return nil
	})
	return s, err
}

func (fs *FileStore) WriteSession(_ context.Context, s cloud.Session) error {
	return fs.update(func(doc *settingsDoc) error {
		doc.Session = &s
		return nil
	})
}

func (fs *FileStore) DeleteSession(_ context.Context) error {
	return fs.update(func(doc *settingsDoc) error {
		doc.Session = nil
		return nil
	})
}

func (fs *FileStore) ReadAdvisory(_ context.Context, issueID string) (Advisory, error) {
	var a Advisory
	err := fs.read(func(doc *settingsDoc) error {
		found, ok := doc.Advisories[issueID]
		if !ok {
			return fmt.Errorf("advisory %s: %w", issueID, ErrNotFound)
		}
		a = found
		return nil
	})
	return a, err
}

func (fs *FileStore) WriteAdvisory(_ context.Context, a Advisory) error {
	return fs.update(func(doc *settingsDoc) error {
		if doc.Advisories == nil {
			doc.Advisories = make(map[string]Advisory)
		}
		doc.Advisories[a.IssueID] = a
		return nil
	})
}

func (fs *FileStore) DeleteAdvisory(_ context.Context, issueID string) error {
	return fs.update(func(doc *settingsDoc) error {
		delete(doc.Advisories, issueID)
		return nil
	})
}

func (fs *FileStore) ListAdvisories(_ context.Context) ([]Advisory, error) {
	var out []Advisory
	err := fs.read(func(doc *settingsDoc) error {
		for _, a := range doc.Advisories {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out, err
}

func (fs *FileStore) Close() error { return nil }
