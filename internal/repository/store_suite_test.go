package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type storeHarness struct {
	store   domain.Store
	advance func(time.Duration)
}

func testJob(entityID string) models.Job {
	ev := models.ChangeEvent{
		Source:     models.SourceBC,
		EntitySet:  "projectTasks",
		EntityID:   entityID,
		ChangeType: models.ChangeUpdated,
		ReceivedAt: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
	}
	return models.Job{Event: ev, DedupKey: ev.DedupKey()}
}

// runStoreSuite checks the queue, lock and state contract every backend shares.
func runStoreSuite(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()

	t.Run("EnqueueDedups", func(t *testing.T) {
		h := newHarness(t)
		job := testJob("task-1")
		noKey := models.Job{Event: models.ChangeEvent{Source: models.SourceBC}}

		res, err := h.store.Enqueue(ctx, []models.Job{job, job, job, noKey})
		require.NoError(t, err)
		assert.Equal(t, models.EnqueueResult{Enqueued: 1, Deduped: 2, Skipped: 1}, res)

		res, err = h.store.Enqueue(ctx, []models.Job{job})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deduped)

		depth, err := h.store.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, depth)
	})

	t.Run("DrainOrderAndLimit", func(t *testing.T) {
		h := newHarness(t)
		var jobs []models.Job
		for i := 0; i < 5; i++ {
			jobs = append(jobs, testJob(fmt.Sprintf("task-%d", i)))
		}
		res, err := h.store.Enqueue(ctx, jobs)
		require.NoError(t, err)
		assert.Equal(t, 5, res.Enqueued)

		drained, err := h.store.Drain(ctx, 3)
		require.NoError(t, err)
		require.Len(t, drained, 3)
		for i, job := range drained {
			assert.Equal(t, jobs[i].DedupKey, job.DedupKey)
			assert.Equal(t, jobs[i].Event.EntityID, job.Event.EntityID)
			assert.NotEmpty(t, job.ID)
			assert.False(t, job.EnqueuedAt.IsZero())
		}

		depth, err := h.store.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth)

		// A drained key no longer dedups.
		res, err = h.store.Enqueue(ctx, []models.Job{jobs[0]})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Enqueued)

		rest, err := h.store.Drain(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, jobs[3].DedupKey, rest[0].DedupKey)
		assert.Equal(t, jobs[0].DedupKey, rest[2].DedupKey)

		empty, err := h.store.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("LockLifecycle", func(t *testing.T) {
		h := newHarness(t)
		ttl := time.Minute

		first, err := h.store.AcquireLock(ctx, models.QueueLockKey, ttl)
		require.NoError(t, err)
		require.NotEmpty(t, first)

		second, err := h.store.AcquireLock(ctx, models.QueueLockKey, ttl)
		require.NoError(t, err)
		assert.Empty(t, second)

		released, err := h.store.ReleaseLock(ctx, models.QueueLockKey, "not-the-token")
		require.NoError(t, err)
		assert.False(t, released)

		h.advance(ttl + time.Second)

		third, err := h.store.AcquireLock(ctx, models.QueueLockKey, ttl)
		require.NoError(t, err)
		require.NotEmpty(t, third)
		assert.NotEqual(t, first, third)

		released, err = h.store.ReleaseLock(ctx, models.QueueLockKey, first)
		require.NoError(t, err)
		assert.False(t, released, "an expired holder must not release its successor")

		released, err = h.store.ReleaseLock(ctx, models.QueueLockKey, third)
		require.NoError(t, err)
		assert.True(t, released)

		again, err := h.store.AcquireLock(ctx, models.QueueLockKey, ttl)
		require.NoError(t, err)
		assert.NotEmpty(t, again)
	})

	t.Run("ConcurrentAcquire", func(t *testing.T) {
		h := newHarness(t)
		const workers, rounds = 16, 5

		for round := 0; round < rounds; round++ {
			key := fmt.Sprintf("race-%d", round)
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				tokens []string
				errs   []error
			)
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					token, err := h.store.AcquireLock(ctx, key, time.Minute)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					if token != "" {
						tokens = append(tokens, token)
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Empty(t, errs)
			require.Len(t, tokens, 1, "round %d", round)

			released, err := h.store.ReleaseLock(ctx, key, tokens[0])
			require.NoError(t, err)
			assert.True(t, released)
		}
	})

	t.Run("State", func(t *testing.T) {
		h := newHarness(t)

		_, err := h.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, h.store.Set(ctx, "origin:bc:1", []byte(`{"a":1}`), 0))
		require.NoError(t, h.store.Set(ctx, "origin:bc:2", []byte(`{"a":2}`), time.Hour))
		require.NoError(t, h.store.Set(ctx, "cursor:planner", []byte("link"), 0))

		got, err := h.store.Get(ctx, "origin:bc:1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got))

		listed, err := h.store.List(ctx, "origin:")
		require.NoError(t, err)
		assert.Len(t, listed, 2)
		assert.Equal(t, `{"a":2}`, string(listed["origin:bc:2"]))

		h.advance(2 * time.Hour)

		_, err = h.store.Get(ctx, "origin:bc:2")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		listed, err = h.store.List(ctx, "origin:")
		require.NoError(t, err)
		assert.Len(t, listed, 1)

		require.NoError(t, h.store.Set(ctx, "origin:bc:1", []byte(`{"a":3}`), 0))
		got, err = h.store.Get(ctx, "origin:bc:1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":3}`, string(got))

		require.NoError(t, h.store.Delete(ctx, "origin:bc:1"))
		_, err = h.store.Get(ctx, "origin:bc:1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("DeadLetterAndPing", func(t *testing.T) {
		h := newHarness(t)
		job := testJob("task-dead")
		job.Attempts = 5
		job.LastError = "boom"
		assert.NoError(t, h.store.PushDeadLetter(ctx, job))
		assert.NoError(t, h.store.Ping(ctx))
	})
}
