// Package store persists per-account camera settings: unified device
// records, legacy per-device entries awaiting migration, the account
// session, repair advisories and the settings schema version.
//
// Store is an abstraction over an existing key-value engine. Adapters are
// provided for process memory, a YAML settings file, SQL databases
// (PostgreSQL, MySQL) and Redis; NewSealedStore moves secret values out of
// any of them into a vault.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

// ErrNotFound is returned when a record, session or advisory is absent.
var ErrNotFound = errors.New("not found")

// RecordStore holds unified device records keyed by device identifier.
type RecordStore interface {
	ReadRecord(ctx context.Context, deviceID string) (device.Record, error)
	WriteRecord(ctx context.Context, r device.Record) error
	DeleteRecord(ctx context.Context, deviceID string) error
	// ListRecords returns every record ordered by device identifier.
	ListRecords(ctx context.Context) ([]device.Record, error)
}

// LegacyStore holds entries written by older releases.
type LegacyStore interface {
	// ReadLegacyEntries returns entries in the order they were written.
	ReadLegacyEntries(ctx context.Context) ([]device.LegacyEntry, error)
	WriteLegacyEntry(ctx context.Context, e device.LegacyEntry) error
	DeleteLegacyEntry(ctx context.Context, entryID string) error
	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error
}

// SessionStore persists the account session.
type SessionStore interface {
	ReadSession(ctx context.Context) (cloud.Session, error)
	WriteSession(ctx context.Context, s cloud.Session) error
	DeleteSession(ctx context.Context) error
}

// AdvisoryStore persists repair advisories keyed by issue id.
type AdvisoryStore interface {
	ReadAdvisory(ctx context.Context, issueID string) (Advisory, error)
	WriteAdvisory(ctx context.Context, a Advisory) error
	DeleteAdvisory(ctx context.Context, issueID string) error
	// ListAdvisories returns advisories ordered by issue id.
	ListAdvisories(ctx context.Context) ([]Advisory, error)
}

// Store is the full settings store for one cloud account.
type Store interface {
	RecordStore
	LegacyStore
	SessionStore
	AdvisoryStore
	Close() error
}

// Advisory is a user-visible repair issue.
type Advisory struct {
	IssueID      string            `yaml:"issue_id" json:"issue_id"`
	Operation    string            `yaml:"operation,omitempty" json:"operation,omitempty"`
	Kind         string            `yaml:"kind" json:"kind"`
	Severity     string            `yaml:"severity" json:"severity"`
	CreatedAt    time.Time         `yaml:"created_at" json:"created_at"`
	Placeholders map[string]string `yaml:"placeholders,omitempty" json:"placeholders,omitempty"`
}

// recordDoc is the persisted form of a record shared by the file, SQL
// payload and Redis adapters. Field names follow the settings layout
// written by earlier releases.
type recordDoc struct {
	Username         string `yaml:"username" json:"username"`
	Password         string `yaml:"password" json:"password"`
	EncKey           string `yaml:"enc_key" json:"enc_key"`
	UsesVerification bool   `yaml:"rtsp_uses_verification_code" json:"rtsp_uses_verification_code"`
	RTSPPath         string `yaml:"ffmpeg_arguments" json:"ffmpeg_arguments"`
	Validated        bool   `yaml:"validated,omitempty" json:"validated,omitempty"`
}

func toDoc(r device.Record) recordDoc {
	return recordDoc{
		Username:         r.Username,
		Password:         r.Secrets.VerificationCode,
		EncKey:           r.Secrets.EncryptionKey,
		UsesVerification: r.Kind == device.VerificationCode,
		RTSPPath:         r.RTSPPath,
		Validated:        r.Validated,
	}
}

func (d recordDoc) toRecord(deviceID string) device.Record {
	kind := device.EncryptionKey
	if d.UsesVerification {
		kind = device.VerificationCode
	}
	r := device.Record{
		DeviceID:  deviceID,
		Username:  d.Username,
		Kind:      kind,
		Secrets:   device.Secrets{VerificationCode: d.Password, EncryptionKey: d.EncKey},
		RTSPPath:  d.RTSPPath,
		Validated: d.Validated,
	}
	return r.Normalize()
}

// legacyDoc is the persisted form of a legacy entry.
type legacyDoc struct {
	EntryID       string `yaml:"entry_id" json:"entry_id"`
	Serial        string `yaml:"serial" json:"serial"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	EncKey        string `yaml:"enc_key,omitempty" json:"enc_key,omitempty"`
	RTSPPath      string `yaml:"ffmpeg_arguments,omitempty" json:"ffmpeg_arguments,omitempty"`
	SchemaVersion int    `yaml:"version" json:"version"`
}

func toLegacyDoc(e device.LegacyEntry) legacyDoc {
	return legacyDoc{
		EntryID:       e.EntryID,
		Serial:        e.DeviceID,
		Username:      e.Username,
		Password:      e.Password,
		EncKey:        e.EncryptionKey,
		RTSPPath:      e.RTSPPath,
		SchemaVersion: e.SchemaVersion,
	}
}

func (d legacyDoc) toEntry() device.LegacyEntry {
	return device.LegacyEntry{
		EntryID:       d.EntryID,
		DeviceID:      d.Serial,
		Username:      d.Username,
		Password:      d.Password,
		EncryptionKey: d.EncKey,
		RTSPPath:      d.RTSPPath,
		SchemaVersion: d.SchemaVersion,
	}
}
