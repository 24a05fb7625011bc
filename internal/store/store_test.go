package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
	"github.com/systmms/camcreds/tests/fakes"
)

func sampleRecord(id string) device.Record {
	r := device.NewRecord(id)
	r.Secrets.Set(device.VerificationCode, "ABCDEF")
	return r
}

// runStoreContract checks the behavior every adapter shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("record round trip", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ReadRecord(ctx, "C1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		r := sampleRecord("C1")
		r.Kind = device.EncryptionKey
		r.Secrets.Set(device.EncryptionKey, "key-1")
		r.RTSPPath = device.MainStreamRTSPPath
		r.Validated = true
		require.NoError(t, s.WriteRecord(ctx, r))

		got, err := s.ReadRecord(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, r, got)

		r.Secrets.Set(device.EncryptionKey, "key-2")
		require.NoError(t, s.WriteRecord(ctx, r))
		got, err = s.ReadRecord(ctx, "C1")
		require.NoError(t, err)
		assert.Equal(t, "key-2", got.Secrets.EncryptionKey)

		require.NoError(t, s.DeleteRecord(ctx, "C1"))
		_, err = s.ReadRecord(ctx, "C1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("invalid record rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.WriteRecord(ctx, device.Record{})
		assert.Error(t, err)
	})

	t.Run("identifier stored verbatim", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WriteRecord(ctx, sampleRecord("ab12cd")))
		_, err := s.ReadRecord(ctx, "AB12CD")
		assert.ErrorIs(t, err, store.ErrNotFound)
		got, err := s.ReadRecord(ctx, "ab12cd")
		require.NoError(t, err)
		assert.Equal(t, "ab12cd", got.DeviceID)
	})

	t.Run("list sorted", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"C3", "C1", "C2"} {
			require.NoError(t, s.WriteRecord(ctx, sampleRecord(id)))
		}
		list, err := s.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "C1", list[0].DeviceID)
		assert.Equal(t, "C2", list[1].DeviceID)
		assert.Equal(t, "C3", list[2].DeviceID)
	})

	t.Run("legacy entries keep write order", func(t *testing.T) {
		s := newStore(t)
		first := device.LegacyEntry{EntryID: "e1", DeviceID: "C1", Password: "p1", SchemaVersion: 1}
		second := device.LegacyEntry{EntryID: "e2", DeviceID: "C1", Password: "p2", SchemaVersion: 2}
		require.NoError(t, s.WriteLegacyEntry(ctx, first))
		require.NoError(t, s.WriteLegacyEntry(ctx, second))

		first.Username = "viewer"
		require.NoError(t, s.WriteLegacyEntry(ctx, first))

		entries, err := s.ReadLegacyEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, first, entries[0])
		assert.Equal(t, second, entries[1])

		require.NoError(t, s.DeleteLegacyEntry(ctx, "e1"))
		entries, err = s.ReadLegacyEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "e2", entries[0].EntryID)
	})

	t.Run("legacy entry id assigned", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WriteLegacyEntry(ctx, device.LegacyEntry{DeviceID: "C9"}))
		entries, err := s.ReadLegacyEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.NotEmpty(t, entries[0].EntryID)
	})

	t.Run("schema version", func(t *testing.T) {
		s := newStore(t)
		v, err := s.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
		require.NoError(t, s.SetSchemaVersion(ctx, device.CurrentSchemaVersion))
		v, err = s.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, device.CurrentSchemaVersion, v)
	})

	t.Run("session", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ReadSession(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound)

		sess := cloud.NewSession("user@example.com", cloud.Token{
			SessionID:        "sess-1",
			RefreshSessionID: "rf-1",
			UserID:           "u1",
			APIURL:           "apiieu.ezvizlife.com",
			ExpiresAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, s.WriteSession(ctx, sess))
		got, err := s.ReadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, sess.SessionID, got.SessionID)
		assert.Equal(t, sess.RefreshSessionID, got.RefreshSessionID)
		assert.Equal(t, sess.Account, got.Account)
		assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, s.DeleteSession(ctx))
		_, err = s.ReadSession(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("advisories", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ReadAdvisory(ctx, "deprecated_ptz")
		assert.ErrorIs(t, err, store.ErrNotFound)

		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		for _, id := range []string{"deprecated_ptz", "deprecated_alarm"} {
			require.NoError(t, s.WriteAdvisory(ctx, store.Advisory{
				IssueID:   id,
				Kind:      "deprecated_operation",
				Severity:  "warning",
				CreatedAt: created,
			}))
		}
		list, err := s.ListAdvisories(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "deprecated_alarm", list[0].IssueID)
		assert.True(t, created.Equal(list[0].CreatedAt))

		require.NoError(t, s.DeleteAdvisory(ctx, "deprecated_ptz"))
		_, err = s.ReadAdvisory(ctx, "deprecated_ptz")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewFileStore(filepath.Join(t.TempDir(), "nested", "settings.yaml"))
	})
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewRedisStore(newFakeRedis(), "test")
	})
}

func TestSealedStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store {
		return store.NewSealedStore(store.NewMemoryStore(), fakes.NewFakeVault())
	})
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.yaml")

	require.NoError(t, store.NewFileStore(path).WriteRecord(ctx, sampleRecord("C1")))

	got, err := store.NewFileStore(path).ReadRecord(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", got.Secrets.VerificationCode)
	assert.Equal(t, device.FetchPlaceholder, got.Secrets.EncryptionKey)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, writeFile(path, "cameras: [not a map"))

	_, err := store.NewFileStore(path).ListRecords(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse settings file")
}
