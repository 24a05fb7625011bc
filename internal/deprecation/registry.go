// Package deprecation surfaces one repair advisory per deprecated
// operation and per review issue raised by migrations.
package deprecation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/systmms/camcreds/internal/logging"
	"github.com/systmms/camcreds/internal/metrics"
	"github.com/systmms/camcreds/internal/store"
)

// Advisory kinds.
const (
	KindDeprecation = "deprecation"
	KindReview      = "review"
)

// Severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ErrUnknownOperation is returned for operations with no advisory.
var ErrUnknownOperation = errors.New("unknown deprecated operation")

// Operation identifiers of the legacy service calls.
const (
	OpSetAlarmSoundLevel           = "set_alarm_sound_level"
	OpSetAlarmDetectionSensibility = "set_alarm_detection_sensibility"
	OpPTZ                          = "ptz"
	OpSoundAlarm                   = "sound_alarm"
)

// issueIDs maps each deprecated operation to its fixed advisory id.
var issueIDs = map[string]string{
	OpSetAlarmSoundLevel:           "service_deprecation_alarm_sound_level",
	OpSetAlarmDetectionSensibility: "service_depreciation_detection_sensibility",
	OpPTZ:                          "service_depreciation_ptz",
	OpSoundAlarm:                   "service_depreciation_sound_alarm",
}

// Operations returns the known deprecated operations, sorted.
func Operations() []string {
	ops := make([]string, 0, len(issueIDs))
	for op := range issueIDs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// IssueID returns the advisory id for operation.
func IssueID(operation string) (string, error) {
	id, ok := issueIDs[operation]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	return id, nil
}

// Registry records deprecated operation use in an advisory store.
type Registry struct {
	advisories store.AdvisoryStore
	logger     *logging.Logger
	now        func() time.Time

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now for advisory timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry over advisories.
func NewRegistry(advisories store.AdvisoryStore, opts ...Option) *Registry {
	r := &Registry{
		advisories: advisories,
		logger:     logging.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordUse ensures an advisory exists for operation. Repeated calls leave
// the existing advisory untouched.
func (r *Registry) RecordUse(ctx context.Context, operation string) error {
	id, err := IssueID(operation)
	if err != nil {
		return err
	}
	created, err := r.ensure(ctx, store.Advisory{
		IssueID:   id,
		Operation: operation,
		Kind:      KindDeprecation,
		Severity:  SeverityWarning,
	})
	if err != nil {
		return err
	}
	if created {
		metrics.RecordAdvisory(operation)
		r.logger.Warn("Operation %s is deprecated; raised advisory %s", operation, id)
	}
	return nil
}

// Acknowledge deletes the advisory for operation. A later RecordUse raises
// a fresh one.
func (r *Registry) Acknowledge(ctx context.Context, operation string) error {
	id, err := IssueID(operation)
	if err != nil {
		return err
	}
	return r.Clear(ctx, id)
}

// Raise creates or replaces an advisory. CreatedAt is kept when the
// advisory already exists.
func (r *Registry) Raise(ctx context.Context, a store.Advisory) error {
	if a.IssueID == "" {
		return errors.New("advisory has no issue id")
	}
	if a.Kind == "" {
		a.Kind = KindReview
	}
	if a.Severity == "" {
		a.Severity = SeverityWarning
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, err := r.advisories.ReadAdvisory(ctx, a.IssueID)
	switch {
	case err == nil:
		a.CreatedAt = existing.CreatedAt
	case errors.Is(err, store.ErrNotFound):
		a.CreatedAt = r.now().UTC()
		metrics.RecordAdvisory(a.IssueID)
	default:
		return fmt.Errorf("failed to read advisory %s: %w", a.IssueID, err)
	}
	if err := r.advisories.WriteAdvisory(ctx, a); err != nil {
		return fmt.Errorf("failed to write advisory %s: %w", a.IssueID, err)
	}
	return nil
}

// Clear deletes the advisory with issueID. Clearing an absent advisory is
// not an error.
func (r *Registry) Clear(ctx context.Context, issueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.advisories.DeleteAdvisory(ctx, issueID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete advisory %s: %w", issueID, err)
	}
	return nil
}

// List returns every advisory ordered by issue id.
func (r *Registry) List(ctx context.Context) ([]store.Advisory, error) {
	return r.advisories.ListAdvisories(ctx)
}

// ensure writes a only when no advisory with its id exists.
func (r *Registry) ensure(ctx context.Context, a store.Advisory) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.advisories.ReadAdvisory(ctx, a.IssueID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("failed to read advisory %s: %w", a.IssueID, err)
	}
	a.CreatedAt = r.now().UTC()
	if err := r.advisories.WriteAdvisory(ctx, a); err != nil {
		return false, fmt.Errorf("failed to write advisory %s: %w", a.IssueID, err)
	}
	return true, nil
}
