package repository

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"syncbridge/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	logger := zerolog.New(io.Discard)
	ctx := context.Background()
	noFallback := false

	t.Run("Memory", func(t *testing.T) {
		store, err := Open(ctx, config.StoreConfig{DSN: "memory://"}, &logger)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, store)
	})

	t.Run("RedisWithFallback", func(t *testing.T) {
		s := miniredis.RunT(t)
		store, err := Open(ctx, config.StoreConfig{DSN: "redis://" + s.Addr() + "/0", KeyPrefix: "t"}, &logger)
		require.NoError(t, err)
		defer store.Close()
		require.IsType(t, &FailoverStore{}, store)
		assert.False(t, store.(*FailoverStore).Degraded())
	})

	t.Run("UnreachableRedisStartsDegraded", func(t *testing.T) {
		store, err := Open(ctx, config.StoreConfig{DSN: "redis://127.0.0.1:1/0", KeyPrefix: "t"}, &logger)
		require.NoError(t, err)
		defer store.Close()
		assert.True(t, store.(*FailoverStore).Degraded())
	})

	t.Run("UnreachableRedisWithoutFallback", func(t *testing.T) {
		_, err := Open(ctx, config.StoreConfig{DSN: "redis://127.0.0.1:1/0", Fallback: &noFallback}, &logger)
		assert.Error(t, err)
	})

	t.Run("SQLite", func(t *testing.T) {
		dsn := "sqlite://" + filepath.Join(t.TempDir(), "sync.db")
		store, err := Open(ctx, config.StoreConfig{DSN: dsn, KeyPrefix: "t", Fallback: &noFallback}, &logger)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLStore{}, store)
	})

	t.Run("BadgerInMemory", func(t *testing.T) {
		store, err := Open(ctx, config.StoreConfig{DSN: "badger://", KeyPrefix: "t", Fallback: &noFallback}, &logger)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &BadgerStore{}, store)
	})

	t.Run("UnknownScheme", func(t *testing.T) {
		_, err := Open(ctx, config.StoreConfig{DSN: "mongodb://x"}, &logger)
		assert.Error(t, err)
	})
}

func TestDSNPath(t *testing.T) {
	tests := []struct {
		dsn, scheme, want string
		wantErr           bool
	}{
		{dsn: "sqlite:///var/lib/sync.db", scheme: "sqlite", want: "/var/lib/sync.db"},
		{dsn: "sqlite://data/sync.db", scheme: "sqlite", want: "data/sync.db"},
		{dsn: "sqlite:sync.db?mode=rwc", scheme: "sqlite", want: "sync.db"},
		{dsn: "badger://", scheme: "badger", wantErr: true},
	}
	for _, tt := range tests {
		got, err := dsnPath(tt.dsn, tt.scheme)
		if tt.wantErr {
			assert.Error(t, err, tt.dsn)
			continue
		}
		require.NoError(t, err, tt.dsn)
		assert.Equal(t, tt.want, got)
	}
}
