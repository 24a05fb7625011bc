package store

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/camcreds/internal/config"
	"github.com/systmms/camcreds/internal/vault"
)

// Open creates the store described by cfg. When v is non-nil the store is
// sealed with it.
func Open(ctx context.Context, cfg config.BackendConfig, v vault.Vault) (Store, error) {
	s, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return NewSealedStore(s, v), nil
	}
	return s, nil
}

func open(ctx context.Context, cfg config.BackendConfig) (Store, error) {
	timeout := cfg.Timeout(10 * time.Second)
	switch cfg.Type {
	case "", "file":
		path := cfg.String("path")
		if path == "" {
			return nil, fmt.Errorf("file store requires a path")
		}
		return NewFileStore(path), nil
	case "memory":
		return NewMemoryStore(), nil
	case "sql":
		driver := orDefault(cfg.String("driver"), "postgresql")
		dsn := cfg.String("dsn")
		if dsn == "" {
			return nil, fmt.Errorf("sql store requires a dsn")
		}
		return OpenSQLStore(ctx, driver, dsn, timeout)
	case "redis":
		return OpenRedisStore(ctx, RedisOptions{
			Addr:     orDefault(cfg.String("addr"), "localhost:6379"),
			URL:      cfg.String("url"),
			Password: cfg.String("password"),
			DB:       cfg.Int("db"),
			Prefix:   cfg.String("prefix"),
			Timeout:  timeout,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
