package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"syncbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "sync.db"), "test")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		store.now = clock.Now
		return storeHarness{store: store, advance: clock.Advance}
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, "test")
	require.NoError(t, err)
	res, err := store.Enqueue(ctx, []models.Job{testJob("task-1"), testJob("task-2")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Enqueued)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path, "test")
	require.NoError(t, err)
	defer store.Close()

	jobs, err := store.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "task-1", jobs[0].Event.EntityID)
}

// Runs against a real database when SYNCBRIDGE_TEST_POSTGRES_DSN is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SYNCBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SYNCBRIDGE_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store, err := NewPostgresStore(dsn, "test_"+sanitizeIdentifier(t.Name()))
		require.NoError(t, err)
		t.Cleanup(func() {
			for _, table := range []string{store.tables.queue, store.tables.locks, store.tables.state, store.tables.deadLetters} {
				_, _ = store.db.Exec("DROP TABLE IF EXISTS " + table)
			}
			_ = store.Close()
		})
		store.now = clock.Now
		return storeHarness{store: store, advance: clock.Advance}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: postgresDialect}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &SQLStore{dialect: sqliteDialect}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestSanitizeIdentifier(t *testing.T) {
	assert.Equal(t, "sync_bridge_1", sanitizeIdentifier("Sync-Bridge.1"))
	assert.Equal(t, "syncbridge", sanitizeIdentifier(""))
	assert.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
}
