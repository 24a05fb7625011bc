package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL
	_ "github.com/lib/pq"              // PostgreSQL

	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

var driverMap = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

// SQLStore keeps settings in a PostgreSQL or MySQL database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore connects to the database and creates the tables if needed.
func OpenSQLStore(ctx context.Context, dbType, dsn string, timeout time.Duration) (*SQLStore, error) {
	driver, ok := driverMap[strings.ToLower(dbType)]
	if !ok {
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewSQLStore(db, driver)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. driver is "postgres" or "mysql".
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Init creates the settings tables.
func (s *SQLStore) Init(ctx context.Context) error {
	serial := "SERIAL"
	if s.driver == "mysql" {
		serial = "BIGINT AUTO_INCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS camcreds_records (
			device_id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(128) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			verification_code TEXT NOT NULL,
			encryption_key TEXT NOT NULL,
			rtsp_path VARCHAR(255) NOT NULL,
			validated BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS camcreds_legacy (
			seq ` + serial + ` PRIMARY KEY,
			entry_id VARCHAR(64) NOT NULL UNIQUE,
			device_id VARCHAR(64) NOT NULL,
			username VARCHAR(128) NOT NULL,
			password TEXT NOT NULL,
			enc_key TEXT NOT NULL,
			rtsp_path VARCHAR(255) NOT NULL,
			schema_version INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camcreds_session (
			id INT PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camcreds_advisories (
			issue_id VARCHAR(191) PRIMARY KEY,
			payload TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS camcreds_meta (
			name VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create settings tables: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// replace deletes then inserts one row in a transaction.
func (s *SQLStore) replace(ctx context.Context, del string, delArgs []interface{}, ins string, insArgs []interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(del), delArgs...); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(ins), insArgs...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

const recordColumns = "device_id, username, kind, verification_code, encryption_key, rtsp_path, validated"

func scanRecord(scan func(dest ...interface{}) error) (device.Record, error) {
	var (
		r    device.Record
		kind string
	)
	if err := scan(&r.DeviceID, &r.Username, &kind, &r.Secrets.VerificationCode, &r.Secrets.EncryptionKey, &r.RTSPPath, &r.Validated); err != nil {
		return device.Record{}, err
	}
	k, err := device.ParseSecretKind(kind)
	if err != nil {
		return device.Record{}, fmt.Errorf("device %s: %w", r.DeviceID, err)
	}
	r.Kind = k
	return r.Normalize(), nil
}

func (s *SQLStore) ReadRecord(ctx context.Context, deviceID string) (device.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+recordColumns+" FROM camcreds_records WHERE device_id = ?"), deviceID)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Record{}, fmt.Errorf("record %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return device.Record{}, fmt.Errorf("failed to read record %s: %w", deviceID, err)
	}
	return r, nil
}

func (s *SQLStore) WriteRecord(ctx context.Context, r device.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	err := s.replace(ctx,
		"DELETE FROM camcreds_records WHERE device_id = ?", []interface{}{r.DeviceID},
		"INSERT INTO camcreds_records ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		[]interface{}{r.DeviceID, r.Username, r.Kind.String(), r.Secrets.VerificationCode, r.Secrets.EncryptionKey, r.RTSPPath, r.Validated},
	)
	if err != nil {
		return fmt.Errorf("failed to write record %s: %w", r.DeviceID, err)
	}
	return nil
}

func (s *SQLStore) DeleteRecord(ctx context.Context, deviceID string) error {
	if err := s.exec(ctx, "DELETE FROM camcreds_records WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("failed to delete record %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLStore) ListRecords(ctx context.Context) ([]device.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM camcreds_records ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []device.Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ReadLegacyEntries(ctx context.Context) ([]device.LegacyEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entry_id, device_id, username, password, enc_key, rtsp_path, schema_version FROM camcreds_legacy ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []device.LegacyEntry
	for rows.Next() {
		var e device.LegacyEntry
		if err := rows.Scan(&e.EntryID, &e.DeviceID, &e.Username, &e.Password, &e.EncryptionKey, &e.RTSPPath, &e.SchemaVersion); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) WriteLegacyEntry(ctx context.Context, e device.LegacyEntry) error {
	e = ensureEntryID(e)
	err := s.replace(ctx,
		"DELETE FROM camcreds_legacy WHERE entry_id = ?", []interface{}{e.EntryID},
		"INSERT INTO camcreds_legacy (entry_id, device_id, username, password, enc_key, rtsp_path, schema_version) VALUES (?, ?, ?, ?, ?, ?, ?)",
		[]interface{}{e.EntryID, e.DeviceID, e.Username, e.Password, e.EncryptionKey, e.RTSPPath, e.SchemaVersion},
	)
	if err != nil {
		return fmt.Errorf("failed to write legacy entry %s: %w", e.EntryID, err)
	}
	return nil
}

func (s *SQLStore) DeleteLegacyEntry(ctx context.Context, entryID string) error {
	if err := s.exec(ctx, "DELETE FROM camcreds_legacy WHERE entry_id = ?", entryID); err != nil {
		return fmt.Errorf("failed to delete legacy entry %s: %w", entryID, err)
	}
	return nil
}

func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT value FROM camcreds_meta WHERE name = ?"), "schema_version").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return strconv.Atoi(v)
}

func (s *SQLStore) SetSchemaVersion(ctx context.Context, v int) error {
	return s.replace(ctx,
		"DELETE FROM camcreds_meta WHERE name = ?", []interface{}{"schema_version"},
		"INSERT INTO camcreds_meta (name, value) VALUES (?, ?)", []interface{}{"schema_version", strconv.Itoa(v)},
	)
}

func (s *SQLStore) ReadSession(ctx context.Context) (cloud.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM camcreds_session WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return cloud.Session{}, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return cloud.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	var sess cloud.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return cloud.Session{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) WriteSession(ctx context.Context, sess cloud.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.replace(ctx,
		"DELETE FROM camcreds_session WHERE id = 1", nil,
		"INSERT INTO camcreds_session (id, payload) VALUES (1, ?)", []interface{}{string(payload)},
	)
}

func (s *SQLStore) DeleteSession(ctx context.Context) error {
	return s.exec(ctx, "DELETE FROM camcreds_session WHERE id = 1")
}

func (s *SQLStore) ReadAdvisory(ctx context.Context, issueID string) (Advisory, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT payload FROM camcreds_advisories WHERE issue_id = ?"), issueID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Advisory{}, fmt.Errorf("advisory %s: %w", issueID, ErrNotFound)
	}
	if err != nil {
		return Advisory{}, fmt.Errorf("failed to read advisory %s: %w", issueID, err)
	}
	var a Advisory
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return Advisory{}, fmt.Errorf("failed to decode advisory %s: %w", issueID, err)
	}
	return a, nil
}

func (s *SQLStore) WriteAdvisory(ctx context.Context, a Advisory) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.replace(ctx,
		"DELETE FROM camcreds_advisories WHERE issue_id = ?", []interface{}{a.IssueID},
		"INSERT INTO camcreds_advisories (issue_id, payload) VALUES (?, ?)", []interface{}{a.IssueID, string(payload)},
	)
}

func (s *SQLStore) DeleteAdvisory(ctx context.Context, issueID string) error {
	return s.exec(ctx, "DELETE FROM camcreds_advisories WHERE issue_id = ?", issueID)
}

func (s *SQLStore) ListAdvisories(ctx context.Context) ([]Advisory, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM camcreds_advisories ORDER BY issue_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list advisories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Advisory
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a Advisory
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
