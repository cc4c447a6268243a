package repository

import (
	"context"
	"path/filepath"
	"testing"

	"syncbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store, err := NewBadgerStore("", "test")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		store.now = clock.Now
		return storeHarness{store: store, advance: clock.Advance}
	})
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	ctx := context.Background()

	store, err := NewBadgerStore(dir, "test")
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, []models.Job{testJob("task-1"), testJob("task-2")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewBadgerStore(dir, "test")
	require.NoError(t, err)
	defer store.Close()

	res, err := store.Enqueue(ctx, []models.Job{testJob("task-1"), testJob("task-3")})
	require.NoError(t, err)
	assert.Equal(t, models.EnqueueResult{Enqueued: 1, Deduped: 1}, res)

	jobs, err := store.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "task-1", jobs[0].Event.EntityID)
	assert.Equal(t, "task-3", jobs[2].Event.EntityID)
}
