package migrate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/systmms/camcreds/internal/store"
)

// legacyUID matches "<SERIAL>_<CAMERA NAME>.<KEY>".
var legacyUID = regexp.MustCompile(`^(?P<serial>[A-Za-z0-9]+)_(?P<camera_name>.+)\.(?P<key>[^.]+)$`)

// maxReviewExamples bounds the entity ids listed in a review issue.
const maxReviewExamples = 20

// Binding is one entity registered by the integration.
type Binding struct {
	EntityID string `yaml:"entity_id" json:"entity_id"`
	Platform string `yaml:"platform" json:"platform"`
	UniqueID string `yaml:"unique_id" json:"unique_id"`
}

// Camera is the current cloud view of one device.
type Camera struct {
	Name string   `yaml:"name" json:"name"`
	Keys []string `yaml:"keys" json:"keys"`
}

func (c Camera) has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// UIDOptions scopes a unique id migration to one platform of one entry.
type UIDOptions struct {
	EntryID     string
	Platform    string
	AllowedKeys []string
	// KeyRenames maps old keys to their current name. Renames apply before
	// the allow list is checked.
	KeyRenames map[string]string
}

// UIDStats counts the outcome of a unique id migration.
type UIDStats struct {
	Examined             int
	Migrated             int
	SkippedBadFormat     int
	SkippedUnknownSerial int
	SkippedNameMismatch  int
	SkippedKeyNotAllowed int
	SkippedKeyNotPresent int
	SkippedCollision     int
}

// Skipped totals every skip counter.
func (s UIDStats) Skipped() int {
	return s.SkippedBadFormat + s.SkippedUnknownSerial + s.SkippedNameMismatch +
		s.SkippedKeyNotAllowed + s.SkippedKeyNotPresent + s.SkippedCollision
}

// UIDResult carries the rewritten bindings and what happened.
type UIDResult struct {
	Stats    UIDStats
	Bindings []Binding
	// SkippedEntities lists entity ids left on a legacy unique id.
	SkippedEntities []string
}

// ReviewIssueID names the review issue for a platform of an entry.
func ReviewIssueID(platform, entryID string) string {
	return fmt.Sprintf("uid_migration_review_%s_%s", platform, entryID)
}

func normName(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}

// MigrateUniqueIDs rewrites legacy unique ids of the form
// "<SERIAL>_<CAMERA NAME>.<KEY>" to "<SERIAL>_<KEY>". An id is rewritten
// only when the serial is in cameras, the embedded name equals the
// camera's current name ignoring case and spacing, the key is allowed and
// present for the camera, and no other entity already holds the new id.
// Bindings of other platforms are returned unchanged and not counted.
//
// When anything was skipped a review issue is raised with the counters;
// a clean pass clears it.
func (e *Engine) MigrateUniqueIDs(ctx context.Context, bindings []Binding, cameras map[string]Camera, opts UIDOptions) (UIDResult, error) {
	if err := e.lock(ctx); err != nil {
		return UIDResult{}, err
	}
	defer e.unlock()

	allowed := make(map[string]bool, len(opts.AllowedKeys))
	for _, k := range opts.AllowedKeys {
		allowed[k] = true
	}

	res := UIDResult{Bindings: make([]Binding, len(bindings))}
	copy(res.Bindings, bindings)

	owner := make(map[string]string) // unique id -> entity id, this platform only
	for _, b := range bindings {
		if b.Platform == opts.Platform {
			owner[b.UniqueID] = b.EntityID
		}
	}

	skip := func(b Binding, counter *int) {
		*counter++
		res.SkippedEntities = append(res.SkippedEntities, b.EntityID)
	}

	for i, b := range res.Bindings {
		if b.Platform != opts.Platform {
			continue
		}
		res.Stats.Examined++
		if !strings.Contains(b.UniqueID, ".") {
			continue
		}

		m := legacyUID.FindStringSubmatch(b.UniqueID)
		if m == nil {
			skip(b, &res.Stats.SkippedBadFormat)
			continue
		}
		serial := m[legacyUID.SubexpIndex("serial")]
		name := m[legacyUID.SubexpIndex("camera_name")]
		key := m[legacyUID.SubexpIndex("key")]

		cam, ok := cameras[serial]
		if !ok {
			skip(b, &res.Stats.SkippedUnknownSerial)
			continue
		}
		current := normName(cam.Name)
		if current == "" || normName(name) != current {
			skip(b, &res.Stats.SkippedNameMismatch)
			continue
		}
		if renamed, ok := opts.KeyRenames[key]; ok {
			key = renamed
		}
		if !allowed[key] {
			skip(b, &res.Stats.SkippedKeyNotAllowed)
			continue
		}
		if !cam.has(key) {
			skip(b, &res.Stats.SkippedKeyNotPresent)
			continue
		}

		newID := serial + "_" + key
		if newID == b.UniqueID {
			continue
		}
		if holder, taken := owner[newID]; taken && holder != b.EntityID {
			e.logger.Warn("Unique id migration collision for %s: %s -> %s (already used by %s)",
				b.EntityID, b.UniqueID, newID, holder)
			skip(b, &res.Stats.SkippedCollision)
			continue
		}

		e.logger.Debug("Migrating unique id for %s: %s -> %s", b.EntityID, b.UniqueID, newID)
		delete(owner, b.UniqueID)
		owner[newID] = b.EntityID
		res.Bindings[i].UniqueID = newID
		res.Stats.Migrated++
	}

	if err := e.review(ctx, opts, res); err != nil {
		return res, err
	}

	if res.Stats.Migrated > 0 {
		e.logger.Info("[%s] unique id migration: migrated=%d examined=%d skipped=%d",
			opts.Platform, res.Stats.Migrated, res.Stats.Examined, res.Stats.Skipped())
	}
	return res, nil
}

func (e *Engine) review(ctx context.Context, opts UIDOptions, res UIDResult) error {
	if e.issues == nil {
		return nil
	}
	id := ReviewIssueID(opts.Platform, opts.EntryID)
	if res.Stats.Skipped() == 0 {
		return e.issues.Clear(ctx, id)
	}

	examples := uniqueSorted(res.SkippedEntities)
	if len(examples) > maxReviewExamples {
		examples = examples[:maxReviewExamples]
	}
	lines := make([]string, len(examples))
	for i, ex := range examples {
		lines[i] = "- " + ex
	}

	s := res.Stats
	return e.issues.Raise(ctx, store.Advisory{
		IssueID:  id,
		Kind:     "review",
		Severity: "warning",
		Placeholders: map[string]string{
			"platform":              opts.Platform,
			"examined":              strconv.Itoa(s.Examined),
			"migrated":              strconv.Itoa(s.Migrated),
			"count_bad_format":      strconv.Itoa(s.SkippedBadFormat),
			"count_unknown_serial":  strconv.Itoa(s.SkippedUnknownSerial),
			"count_name_mismatch":   strconv.Itoa(s.SkippedNameMismatch),
			"count_key_not_allowed": strconv.Itoa(s.SkippedKeyNotAllowed),
			"count_key_not_present": strconv.Itoa(s.SkippedKeyNotPresent),
			"count_collision":       strconv.Itoa(s.SkippedCollision),
			"examples":              strings.Join(lines, "\n"),
		},
	})
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
