package repository

import (
	"context"
	"testing"

	"syncbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storeHarness {
		clock := newFakeClock()
		store := NewMemoryStore()
		store.now = clock.Now
		return storeHarness{store: store, advance: clock.Advance}
	})
}

func TestMemoryStoreDeadLetters(t *testing.T) {
	store := NewMemoryStore()
	job := testJob("task-1")
	require.NoError(t, store.PushDeadLetter(context.Background(), job))

	got := store.DeadLetters()
	require.Len(t, got, 1)
	assert.Equal(t, job.DedupKey, got[0].DedupKey)

	got[0].DedupKey = "mutated"
	assert.Equal(t, job.DedupKey, store.DeadLetters()[0].DedupKey)
}

func TestMemoryStoreDrainZero(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Enqueue(context.Background(), []models.Job{testJob("a")})
	require.NoError(t, err)

	jobs, err := store.Drain(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
