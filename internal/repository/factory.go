package repository

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"

	"github.com/rs/zerolog"
)

// Open builds the store named by cfg.DSN. Durable backends are wrapped in a
// FailoverStore over memory unless fallback is disabled; an unreachable redis
// then starts degraded instead of failing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zerolog.Logger) (domain.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("store dsn: %w", err)
	}

	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	var primary domain.Store
	switch scheme {
	case "memory", "mem", "inmem", "":
		return NewMemoryStore(), nil
	case "redis", "rediss":
		client, err := NewRedisClient(dsn, cfg.Redis)
		if err != nil {
			return nil, err
		}
		primary = NewRedisStore(client, cfg.KeyPrefix)
	case "sqlite", "sqlite3", "file":
		path, err := dsnPath(dsn, scheme)
		if err != nil {
			return nil, err
		}
		if primary, err = NewSQLiteStore(path, cfg.KeyPrefix); err != nil {
			return nil, err
		}
	case "postgres", "postgresql":
		if primary, err = NewPostgresStore(dsn, cfg.KeyPrefix); err != nil {
			return nil, err
		}
	case "badger":
		path, _ := dsnPath(dsn, scheme)
		if primary, err = NewBadgerStore(path, cfg.KeyPrefix); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}

	if !cfg.FallbackEnabled() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := primary.Ping(pingCtx); err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("store %s unreachable: %w", scheme, err)
		}
		return primary, nil
	}

	store := NewFailoverStore(primary, NewMemoryStore(), logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("scheme", scheme).Msg("Store unreachable at startup, running on in-memory fallback")
	}
	return store, nil
}

// dsnPath extracts the file path from sqlite:///abs/path, sqlite://rel/path or sqlite:rel/path.
func dsnPath(dsn, scheme string) (string, error) {
	rest := dsn[len(scheme)+1:]
	rest = strings.TrimPrefix(rest, "//")
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	if strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("%s dsn has no path", scheme)
	}
	return rest, nil
}
