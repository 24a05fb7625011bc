package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/camcreds/internal/store"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

var recordCols = []string{"device_id", "username", "kind", "verification_code", "encryption_key", "rtsp_path", "validated"}

func TestSQLStore_WriteRecord(t *testing.T) {
	tests := []struct {
		name        string
		driver      string
		setupMock   func(mock sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name:   "postgres upsert",
			driver: "postgres",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("DELETE FROM camcreds_records WHERE device_id = $1")).
					WithArgs("C1").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO camcreds_records")).
					WithArgs("C1", "admin", "verification_code", "ABCDEF", device.FetchPlaceholder, device.DefaultRTSPPath, false).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:   "mysql placeholders",
			driver: "mysql",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("DELETE FROM camcreds_records WHERE device_id = ?")).
					WithArgs("C1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO camcreds_records")).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
		},
		{
			name:   "insert fails",
			driver: "postgres",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("DELETE FROM camcreds_records").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec("INSERT INTO camcreds_records").
					WillReturnError(fmt.Errorf("disk full"))
				mock.ExpectRollback()
			},
			wantErr:     true,
			errContains: "disk full",
		},
		{
			name:   "begin fails",
			driver: "postgres",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(fmt.Errorf("connection lost"))
			},
			wantErr:     true,
			errContains: "connection lost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()
			tt.setupMock(mock)

			s := store.NewSQLStore(db, tt.driver)
			err = s.WriteRecord(context.Background(), sampleRecord("C1"))
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				require.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_ReadRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM camcreds_records WHERE device_id = $1")).
		WithArgs("C1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("C1", "admin", "encryption_key", "ABCDEF", "key-1", "/Streaming/Channels/101", true))
	mock.ExpectQuery("FROM camcreds_records WHERE device_id").
		WithArgs("C2").
		WillReturnRows(sqlmock.NewRows(recordCols))

	s := store.NewSQLStore(db, "postgres")
	r, err := s.ReadRecord(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, device.EncryptionKey, r.Kind)
	assert.Equal(t, "key-1", r.Secrets.EncryptionKey)
	assert.True(t, r.Validated)

	_, err = s.ReadRecord(context.Background(), "C2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ListRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("FROM camcreds_records ORDER BY device_id").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("C1", "admin", "verification_code", "A", "", "", false).
			AddRow("C2", "", "bogus", "B", "", "", false))

	s := store.NewSQLStore(db, "mysql")
	_, err = s.ListRecords(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown secret kind")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LegacyEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("FROM camcreds_legacy ORDER BY seq").
		WillReturnRows(sqlmock.NewRows([]string{"entry_id", "device_id", "username", "password", "enc_key", "rtsp_path", "schema_version"}).
			AddRow("e1", "C1", "admin", "p1", "", "", 1).
			AddRow("e2", "C1", "", "p2", "k2", "", 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM camcreds_legacy WHERE entry_id = $1")).
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := store.NewSQLStore(db, "postgres")
	entries, err := s.ReadLegacyEntries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].EntryID)
	assert.Equal(t, "k2", entries[1].EncryptionKey)

	require.NoError(t, s.DeleteLegacyEntry(context.Background(), "e1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SchemaVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT value FROM camcreds_meta").
		WithArgs("schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM camcreds_meta").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO camcreds_meta").
		WithArgs("schema_version", "4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := store.NewSQLStore(db, "mysql")
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	require.NoError(t, s.SetSchemaVersion(context.Background(), 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Session(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	sess := cloud.Session{Account: "user@example.com", SessionID: "sess-1", RefreshSessionID: "rf-1"}
	payload, err := json.Marshal(sess)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM camcreds_session").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))
	mock.ExpectExec("DELETE FROM camcreds_session").WillReturnResult(sqlmock.NewResult(0, 1))

	s := store.NewSQLStore(db, "postgres")
	got, err := s.ReadSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rf-1", got.RefreshSessionID)
	require.NoError(t, s.DeleteSession(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS camcreds_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS camcreds_legacy").WillReturnError(fmt.Errorf("permission denied"))

	s := store.NewSQLStore(db, "postgres")
	err = s.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create settings tables")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSQLStore_UnsupportedType(t *testing.T) {
	_, err := store.OpenSQLStore(context.Background(), "sqlite", "file::memory:", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}
