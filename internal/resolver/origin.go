package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/models"
)

const originPrefix = "origin:"

// OriginTracker remembers, per written entity, which source's change the engine was propagating.
type OriginTracker struct {
	store     domain.StateStore
	retention time.Duration
	now       func() time.Time
}

func NewOriginTracker(store domain.StateStore, retention time.Duration) *OriginTracker {
	if retention <= 0 {
		retention = models.DefaultOriginRetention
	}
	return &OriginTracker{store: store, retention: retention, now: time.Now}
}

func originKey(target models.Source, entityID string) string {
	return originPrefix + string(target) + ":" + strings.ToLower(entityID)
}

// Lookup returns the origin record for entityID in target, or nil when none is retained.
func (t *OriginTracker) Lookup(ctx context.Context, target models.Source, entityID string) (*models.WriteOriginRecord, error) {
	raw, err := t.store.Get(ctx, originKey(target, entityID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load write origin: %w", err)
	}
	var rec models.WriteOriginRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode write origin: %w", err)
	}
	return &rec, nil
}

// Record notes that the engine wrote entityID in target on behalf of updatedBy.
// An existing newer record is kept.
func (t *OriginTracker) Record(ctx context.Context, target models.Source, entityID string, updatedBy models.Source, at time.Time) error {
	if entityID == "" {
		return nil
	}
	existing, err := t.Lookup(ctx, target, entityID)
	if err != nil {
		return err
	}
	if existing != nil && existing.UpdatedAt.After(at) {
		return nil
	}

	data, err := json.Marshal(models.WriteOriginRecord{EntityID: entityID, UpdatedBy: updatedBy, UpdatedAt: at.UTC()})
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, originKey(target, entityID), data, t.retention); err != nil {
		return fmt.Errorf("store write origin: %w", err)
	}
	return nil
}

// Purge deletes records older than the retention and returns how many went.
func (t *OriginTracker) Purge(ctx context.Context) (int, error) {
	entries, err := t.store.List(ctx, originPrefix)
	if err != nil {
		return 0, fmt.Errorf("list write origins: %w", err)
	}
	cutoff := t.now().Add(-t.retention)
	purged := 0
	for key, raw := range entries {
		var rec models.WriteOriginRecord
		if err := json.Unmarshal(raw, &rec); err == nil && !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := t.store.Delete(ctx, key); err != nil {
			return purged, fmt.Errorf("delete write origin %s: %w", key, err)
		}
		purged++
	}
	return purged, nil
}
