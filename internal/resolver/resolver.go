package resolver

import (
	"context"
	"time"

	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
)

// Options are the per-invocation knobs of a resolution pass.
type Options struct {
	PreferBC  bool
	GraceMs   int64
	DryRun    bool
	RequestID string
}

// Resolver decides, for one change event, whether its source wins and the change should be propagated.
// It only reads state.
type Resolver struct {
	origins *OriginTracker
	now     func() time.Time
}

func NewResolver(origins *OriginTracker) *Resolver {
	return &Resolver{origins: origins, now: time.Now}
}

func (r *Resolver) Resolve(ctx context.Context, event models.ChangeEvent, opts Options) (models.SyncDecision, error) {
	d := models.SyncDecision{
		RequestID: opts.RequestID,
		DryRun:    opts.DryRun,
		PreferBC:  opts.PreferBC,
		GraceMs:   opts.GraceMs,
		State:     models.StateUnseen,
		Event:     event,
	}

	switch {
	case event.EntityID == "":
		d.State, d.Reason = models.StateSkipped, models.ReasonNotLinked
	case models.NormalizeChangeType(event.ChangeType) == models.ChangeDeleted:
		d.State, d.Reason = models.StateSkipped, models.ReasonSourceDeleted
	default:
		suppressedBy, err := r.echoOf(ctx, event, opts.GraceMs)
		if err != nil {
			d.State, d.Reason = models.StateFailed, models.ReasonError
			metrics.IncDecision(string(d.State), d.Reason)
			return d, err
		}
		if suppressedBy != models.SourceNone {
			d.State, d.Reason = models.StateSuppressed, suppressedBy.OriginReason()
			break
		}

		d.Winner = event.Source
		d.State = models.StatePending
		d.Reason = models.ReasonApply
		if opts.PreferBC && event.Source != models.SourceBC {
			d.Reason = models.ReasonConfirmBC
		}
	}

	metrics.IncDecision(string(d.State), d.Reason)
	return d, nil
}

// echoOf returns the source whose propagated write this event most likely echoes.
func (r *Resolver) echoOf(ctx context.Context, event models.ChangeEvent, graceMs int64) (models.Source, error) {
	if graceMs <= 0 {
		return models.SourceNone, nil
	}
	rec, err := r.origins.Lookup(ctx, event.Source, event.EntityID)
	if err != nil || rec == nil || rec.UpdatedBy == event.Source {
		return models.SourceNone, err
	}

	at := event.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}
	if at.Sub(rec.UpdatedAt) < time.Duration(graceMs)*time.Millisecond {
		return rec.UpdatedBy, nil
	}
	return models.SourceNone, nil
}
