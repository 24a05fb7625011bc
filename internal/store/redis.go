package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/systmms/camcreds/pkg/cloud"
	"github.com/systmms/camcreds/pkg/device"
)

// RedisAPI is the subset of *redis.Client used by RedisStore.
type RedisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
}

// RedisStore keeps settings in Redis under a key prefix:
//
//	<prefix>:records        hash device id -> record JSON
//	<prefix>:legacy         hash entry id -> legacy JSON
//	<prefix>:legacy:order   list of entry ids in write order
//	<prefix>:session        session JSON
//	<prefix>:advisories     hash issue id -> advisory JSON
//	<prefix>:schema_version integer
type RedisStore struct {
	client RedisAPI
	closer func() error
	prefix string
}

// RedisOptions configures OpenRedisStore.
type RedisOptions struct {
	Addr     string
	URL      string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// OpenRedisStore connects to Redis and verifies the connection.
func OpenRedisStore(ctx context.Context, o RedisOptions) (*RedisStore, error) {
	var opts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: o.Addr, DB: o.DB}
	}
	if opts.Password == "" && o.Password != "" {
		opts.Password = o.Password
	}
	if o.Timeout > 0 {
		opts.DialTimeout = o.Timeout
		opts.ReadTimeout = o.Timeout
		opts.WriteTimeout = o.Timeout
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStore(client, o.Prefix)
	s.closer = client.Close
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client RedisAPI, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "camcreds"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) hgetJSON(ctx context.Context, key, field string, v interface{}) error {
	raw, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *RedisStore) hsetJSON(ctx context.Context, key, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, key, field, string(raw)).Err()
}

func (s *RedisStore) ReadRecord(ctx context.Context, deviceID string) (device.Record, error) {
	var d recordDoc
	if err := s.hgetJSON(ctx, s.key("records"), deviceID, &d); err != nil {
		return device.Record{}, fmt.Errorf("record %s: %w", deviceID, err)
	}
	return d.toRecord(deviceID), nil
}

func (s *RedisStore) WriteRecord(ctx context.Context, r device.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.hsetJSON(ctx, s.key("records"), r.DeviceID, toDoc(r)); err != nil {
		return fmt.Errorf("failed to write record %s: %w", r.DeviceID, err)
	}
	return nil
}

func (s *RedisStore) DeleteRecord(ctx context.Context, deviceID string) error {
	return s.client.HDel(ctx, s.key("records"), deviceID).Err()
}

func (s *RedisStore) ListRecords(ctx context.Context) ([]device.Record, error) {
	all, err := s.client.HGetAll(ctx, s.key("records")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]device.Record, 0, len(all))
	for id, raw := range all {
		var d recordDoc
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		out = append(out, d.toRecord(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *RedisStore) ReadLegacyEntries(ctx context.Context) ([]device.LegacyEntry, error) {
	ids, err := s.client.LRange(ctx, s.key("legacy", "order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy entries: %w", err)
	}
	var out []device.LegacyEntry
	for _, id := range ids {
		var d legacyDoc
		err := s.hgetJSON(ctx, s.key("legacy"), id, &d)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("legacy entry %s: %w", id, err)
		}
		out = append(out, d.toEntry())
	}
	return out, nil
}

func (s *RedisStore) WriteLegacyEntry(ctx context.Context, e device.LegacyEntry) error {
	e = ensureEntryID(e)
	exists := s.client.HGet(ctx, s.key("legacy"), e.EntryID).Err() == nil
	if err := s.hsetJSON(ctx, s.key("legacy"), e.EntryID, toLegacyDoc(e)); err != nil {
		return fmt.Errorf("failed to write legacy entry %s: %w", e.EntryID, err)
	}
	if exists {
		return nil
	}
	return s.client.RPush(ctx, s.key("legacy", "order"), e.EntryID).Err()
}

func (s *RedisStore) DeleteLegacyEntry(ctx context.Context, entryID string) error {
	if err := s.client.HDel(ctx, s.key("legacy"), entryID).Err(); err != nil {
		return fmt.Errorf("failed to delete legacy entry %s: %w", entryID, err)
	}
	return s.client.LRem(ctx, s.key("legacy", "order"), 0, entryID).Err()
}

func (s *RedisStore) SchemaVersion(ctx context.Context) (int, error) {
	raw, err := s.client.Get(ctx, s.key("schema_version")).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return strconv.Atoi(raw)
}

func (s *RedisStore) SetSchemaVersion(ctx context.Context, v int) error {
	return s.client.Set(ctx, s.key("schema_version"), strconv.Itoa(v), 0).Err()
}

func (s *RedisStore) ReadSession(ctx context.Context) (cloud.Session, error) {
	raw, err := s.client.Get(ctx, s.key("session")).Result()
	if errors.Is(err, redis.Nil) {
		return cloud.Session{}, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return cloud.Session{}, fmt.Errorf("failed to read session: %w", err)
	}
	var sess cloud.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return cloud.Session{}, fmt.Errorf("failed to decode session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) WriteSession(ctx context.Context, sess cloud.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("session"), string(raw), 0).Err()
}

func (s *RedisStore) DeleteSession(ctx context.Context) error {
	return s.client.Del(ctx, s.key("session")).Err()
}

func (s *RedisStore) ReadAdvisory(ctx context.Context, issueID string) (Advisory, error) {
	var a Advisory
	if err := s.hgetJSON(ctx, s.key("advisories"), issueID, &a); err != nil {
		return Advisory{}, fmt.Errorf("advisory %s: %w", issueID, err)
	}
	return a, nil
}

func (s *RedisStore) WriteAdvisory(ctx context.Context, a Advisory) error {
	return s.hsetJSON(ctx, s.key("advisories"), a.IssueID, a)
}

func (s *RedisStore) DeleteAdvisory(ctx context.Context, issueID string) error {
	return s.client.HDel(ctx, s.key("advisories"), issueID).Err()
}

func (s *RedisStore) ListAdvisories(ctx context.Context) ([]Advisory, error) {
	all, err := s.client.HGetAll(ctx, s.key("advisories")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list advisories: %w", err)
	}
	out := make([]Advisory, 0, len(all))
	for id, raw := range all {
		var a Advisory
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("advisory %s: %w", id, err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out, nil
}

func (s *RedisStore) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
