// Package migrate consolidates legacy per-device entries into unified
// device records.
//
// A pass reads every legacy entry, writes one record per device that has
// none yet, and only then deletes the entries it consumed. Records that
// already exist are never overwritten, so a pass interrupted before the
// deletes can simply be run again.
package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/camcreds/internal/logging"
	"github.com/systmms/camcreds/internal/metrics"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/device"
)

// Store is what a migration pass reads and writes.
type Store interface {
	store.RecordStore
	store.LegacyStore
}

// IssueRegistry receives review issues raised by unique id migration.
type IssueRegistry interface {
	Raise(ctx context.Context, a store.Advisory) error
	Clear(ctx context.Context, issueID string) error
}

// Report summarizes a migration pass.
type Report struct {
	// Examined counts every legacy entry read.
	Examined int
	// Created counts records written by the pass.
	Created int
	// Kept counts devices whose existing record was left as is.
	Kept int
	// Duplicates counts entries discarded in favour of another entry for
	// the same device.
	Duplicates int
	// Deleted counts legacy entries removed.
	Deleted int
	// Skipped counts entries left in place: already current, or without a
	// device identifier.
	Skipped int
}

// Noop reports whether the pass changed nothing.
func (r Report) Noop() bool {
	return r.Created == 0 && r.Deleted == 0
}

// Engine runs migration passes. Passes on one engine are serialized.
type Engine struct {
	store  Store
	issues IssueRegistry
	logger *logging.Logger

	mu chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIssues sets where unique id migration raises review issues.
func WithIssues(r IssueRegistry) Option {
	return func(e *Engine) { e.issues = r }
}

// NewEngine creates an engine over s.
func NewEngine(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: logging.Nop(),
		mu:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lock waits for the engine or for ctx to end.
func (e *Engine) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case e.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unlock() { <-e.mu }

// Migrate runs one pass. When it returns an error no legacy entry has been
// deleted unless every record was written.
func (e *Engine) Migrate(ctx context.Context) (Report, error) {
	if err := e.lock(ctx); err != nil {
		return Report{}, err
	}
	defer e.unlock()

	var rep Report
	entries, err := e.store.ReadLegacyEntries(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to read legacy entries: %w", err)
	}
	rep.Examined = len(entries)

	chosen := make(map[string]device.LegacyEntry)
	var order []string
	var consumed []device.LegacyEntry
	for _, entry := range entries {
		if entry.DeviceID == "" || !entry.NeedsMigration() {
			rep.Skipped++
			continue
		}
		consumed = append(consumed, entry)
		prev, seen := chosen[entry.DeviceID]
		if !seen {
			chosen[entry.DeviceID] = entry
			order = append(order, entry.DeviceID)
			continue
		}
		rep.Duplicates++
		if prev.Completeness() > entry.Completeness() {
			e.logger.Debug("Keeping earlier entry %s for %s: more complete than %s", prev.EntryID, entry.DeviceID, entry.EntryID)
			continue
		}
		chosen[entry.DeviceID] = entry
	}

	for _, id := range order {
		_, err := e.store.ReadRecord(ctx, id)
		if err == nil {
			rep.Kept++
			e.logger.Debug("Record for %s already exists, leaving it unchanged", id)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return rep, fmt.Errorf("failed to read record %s: %w", id, err)
		}
		if err := e.store.WriteRecord(ctx, chosen[id].ToRecord()); err != nil {
			return rep, fmt.Errorf("failed to write record %s: %w", id, err)
		}
		rep.Created++
	}

	for _, entry := range consumed {
		if err := e.store.DeleteLegacyEntry(ctx, entry.EntryID); err != nil {
			return rep, fmt.Errorf("failed to delete legacy entry %s: %w", entry.EntryID, err)
		}
		rep.Deleted++
	}

	version, err := e.store.SchemaVersion(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version < device.CurrentSchemaVersion {
		if err := e.store.SetSchemaVersion(ctx, device.CurrentSchemaVersion); err != nil {
			return rep, fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	metrics.RecordMigration("created", rep.Created)
	metrics.RecordMigration("kept", rep.Kept)
	metrics.RecordMigration("duplicate", rep.Duplicates)
	metrics.RecordMigration("deleted", rep.Deleted)
	if rep.Noop() {
		e.logger.Debug("Migration found nothing to do (%d entries examined)", rep.Examined)
	} else {
		e.logger.Info("Migrated %d legacy entries: %d created, %d kept, %d duplicates",
			rep.Deleted, rep.Created, rep.Kept, rep.Duplicates)
	}
	return rep, nil
}
