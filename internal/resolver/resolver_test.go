package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var writeAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func plannerEvent(id string, receivedAt time.Time) models.ChangeEvent {
	return models.ChangeEvent{
		Source:     models.SourcePlanner,
		EntitySet:  "tasks",
		EntityID:   id,
		ChangeType: models.ChangeUpdated,
		ReceivedAt: receivedAt,
	}
}

func TestResolveLoopSuppression(t *testing.T) {
	ctx := context.Background()
	origins := NewOriginTracker(repository.NewMemoryStore(), time.Hour)
	r := NewResolver(origins)

	// The engine pushed a BC change into Planner task P1.
	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "P1", models.SourceBC, writeAt))

	opts := Options{PreferBC: true, GraceMs: 60_000, RequestID: "req-1"}

	echo, err := r.Resolve(ctx, plannerEvent("P1", writeAt.Add(5*time.Second)), opts)
	require.NoError(t, err)
	assert.Equal(t, models.StateSuppressed, echo.State)
	assert.Equal(t, "bc_origin", echo.Reason)
	assert.Equal(t, models.SourceNone, echo.Winner)
	assert.False(t, echo.Actionable())
	assert.Equal(t, "req-1", echo.RequestID)

	later, err := r.Resolve(ctx, plannerEvent("P1", writeAt.Add(61*time.Second)), opts)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, later.State)
	assert.Equal(t, models.SourcePlanner, later.Winner)
	assert.Equal(t, models.ReasonConfirmBC, later.Reason)
	assert.True(t, later.Actionable())

	opts.PreferBC = false
	noPref, err := r.Resolve(ctx, plannerEvent("P1", writeAt.Add(61*time.Second)), opts)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonApply, noPref.Reason)
}

func TestResolveSymmetricForBC(t *testing.T) {
	ctx := context.Background()
	origins := NewOriginTracker(repository.NewMemoryStore(), time.Hour)
	r := NewResolver(origins)

	require.NoError(t, origins.Record(ctx, models.SourceBC, "B1", models.SourcePremium, writeAt))

	d, err := r.Resolve(ctx, models.ChangeEvent{
		Source: models.SourceBC, EntitySet: "projectTasks", EntityID: "b1",
		ChangeType: models.ChangeUpdated, ReceivedAt: writeAt.Add(time.Second),
	}, Options{PreferBC: true, GraceMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, models.StateSuppressed, d.State)
	assert.Equal(t, "premium_origin", d.Reason)
}

func TestResolveWithoutOrigin(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewOriginTracker(repository.NewMemoryStore(), time.Hour))

	d, err := r.Resolve(ctx, models.ChangeEvent{Source: models.SourceBC, EntityID: "B9", ReceivedAt: writeAt},
		Options{PreferBC: true, GraceMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, d.State)
	assert.Equal(t, models.ReasonApply, d.Reason)
	assert.Equal(t, models.SourceBC, d.Winner)
}

func TestResolveSkips(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewOriginTracker(repository.NewMemoryStore(), time.Hour))

	deleted := plannerEvent("P2", writeAt)
	deleted.ChangeType = "Deleted"
	d, err := r.Resolve(ctx, deleted, Options{GraceMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, models.StateSkipped, d.State)
	assert.Equal(t, models.ReasonSourceDeleted, d.Reason)

	d, err = r.Resolve(ctx, plannerEvent("", writeAt), Options{GraceMs: 60_000})
	require.NoError(t, err)
	assert.Equal(t, models.StateSkipped, d.State)
	assert.Equal(t, models.ReasonNotLinked, d.Reason)
}

func TestResolveDryRun(t *testing.T) {
	r := NewResolver(NewOriginTracker(repository.NewMemoryStore(), time.Hour))
	d, err := r.Resolve(context.Background(), plannerEvent("P3", writeAt), Options{DryRun: true, GraceMs: 60_000})
	require.NoError(t, err)
	assert.True(t, d.DryRun)
	assert.Equal(t, models.StatePending, d.State)
	assert.False(t, d.Actionable())
}

type failingStore struct {
	domain.StateStore
}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("store down")
}

func TestResolveStoreFailure(t *testing.T) {
	r := NewResolver(NewOriginTracker(failingStore{}, time.Hour))
	d, err := r.Resolve(context.Background(), plannerEvent("P4", writeAt), Options{GraceMs: 60_000})
	assert.Error(t, err)
	assert.Equal(t, models.StateFailed, d.State)
	assert.Equal(t, models.ReasonError, d.Reason)
}

func TestOriginTrackerNeverRegresses(t *testing.T) {
	ctx := context.Background()
	origins := NewOriginTracker(repository.NewMemoryStore(), time.Hour)

	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "P1", models.SourceBC, writeAt))
	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "P1", models.SourcePremium, writeAt.Add(-time.Minute)))

	rec, err := origins.Lookup(ctx, models.SourcePlanner, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.SourceBC, rec.UpdatedBy)
	assert.True(t, rec.UpdatedAt.Equal(writeAt))

	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "P1", models.SourcePremium, writeAt.Add(time.Minute)))
	rec, err = origins.Lookup(ctx, models.SourcePlanner, "P1")
	require.NoError(t, err)
	assert.Equal(t, models.SourcePremium, rec.UpdatedBy)
}

func TestOriginTrackerPurge(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	origins := NewOriginTracker(store, time.Hour)
	origins.now = func() time.Time { return writeAt }

	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "old", models.SourceBC, writeAt.Add(-2*time.Hour)))
	require.NoError(t, origins.Record(ctx, models.SourcePlanner, "fresh", models.SourceBC, writeAt.Add(-time.Minute)))
	require.NoError(t, store.Set(ctx, "origin:planner:corrupt", []byte("{"), 0))
	require.NoError(t, store.Set(ctx, "cursor:planner", []byte("keep"), 0))

	purged, err := origins.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	rec, err := origins.Lookup(ctx, models.SourcePlanner, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	_, err = store.Get(ctx, "cursor:planner")
	assert.NoError(t, err)
}
