package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/logging"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/resolver"

	"github.com/rs/zerolog"
)

var (
	// ErrRecordLocked means another mutation holds the BC record's syncLock.
	ErrRecordLocked = errors.New("record locked by another sync")
	// ErrETagConflict means the BC record changed between read and lock.
	ErrETagConflict = errors.New("record changed concurrently")
)

// markerSlack separates a BC modification caused by our own syncLock release from a user edit.
const markerSlack = 5 * time.Second

// Outcome is what happened to one decision.
type Outcome struct {
	JobID    string               `json:"jobId,omitempty"`
	Source   models.Source        `json:"source"`
	EntityID string               `json:"entityId"`
	State    models.DecisionState `json:"state"`
	Reason   string               `json:"reason"`
	Targets  []string             `json:"targets,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func outcomeOf(d models.SyncDecision) Outcome {
	return Outcome{Source: d.Event.Source, EntityID: d.Event.EntityID, State: d.State, Reason: d.Reason}
}

// write is one pending mutation of a target system.
type write struct {
	target models.Source
	id     string
	// apply performs the write and returns the id of the written entity.
	apply func(ctx context.Context) (string, error)
}

// Executor applies pending decisions to the three systems through the BC hub record.
type Executor struct {
	clients    domain.Clients
	origins    *resolver.OriginTracker
	staleAfter time.Duration
	release    RetryPolicy
	logger     zerolog.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

func NewExecutor(clients domain.Clients, origins *resolver.OriginTracker, staleAfter time.Duration, logger *zerolog.Logger) *Executor {
	if staleAfter <= 0 {
		staleAfter = models.DefaultSyncLockStaleAfter
	}
	return &Executor{
		clients:    clients,
		origins:    origins,
		staleAfter: staleAfter,
		release:    RetryPolicy{MaxRetries: 3}.withDefaults(),
		logger:     logging.Component(logger, "executor"),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Apply carries out d. A returned error means the change was not propagated and is worth retrying.
func (e *Executor) Apply(ctx context.Context, d models.SyncDecision) (Outcome, error) {
	out := outcomeOf(d)
	if !d.Actionable() {
		if d.DryRun && d.State == models.StatePending {
			out.Reason = models.ReasonDryRun
		}
		return out, nil
	}

	log := e.logger.With().
		Str("request_id", d.RequestID).
		Str("source", string(d.Event.Source)).
		Str("entity_id", d.Event.EntityID).
		Logger()

	out, err := e.apply(ctx, d, out, &log)
	if err != nil {
		out.Error = err.Error()
		log.Warn().Err(err).Str("reason", out.Reason).Msg("Sync not applied")
	} else {
		log.Info().Str("state", string(out.State)).Str("reason", out.Reason).Strs("targets", out.Targets).Msg("Sync decision executed")
	}
	metrics.IncDecision(string(out.State), out.Reason)
	return out, err
}

func (e *Executor) apply(ctx context.Context, d models.SyncDecision, out Outcome, log *zerolog.Logger) (Outcome, error) {
	hub, err := e.hubFor(ctx, d.Event)
	if errors.Is(err, domain.ErrNotFound) {
		out.State, out.Reason = models.StateSkipped, models.ReasonNotLinked
		return out, nil
	}
	if err != nil {
		out.State, out.Reason = models.StateFailed, models.ReasonError
		return out, err
	}

	var (
		writes  []write
		markers models.SyncMarkers
	)
	switch d.Winner {
	case models.SourceBC:
		if hub.PlannerTaskID == "" && hub.PlannerPlanID == "" && hub.PremiumID == "" {
			out.State, out.Reason = models.StateSkipped, models.ReasonNotLinked
			return out, nil
		}
		writes, err = e.planFromBC(ctx, hub, &markers)
	case models.SourcePlanner:
		writes, err = e.planFromPlanner(ctx, d, hub, &out, &markers)
	case models.SourcePremium:
		writes, err = e.planFromPremium(ctx, d, hub, &out, &markers)
	default:
		err = fmt.Errorf("no writer for winner %q", d.Winner)
	}
	if err != nil {
		out.State, out.Reason = models.StateFailed, models.ReasonError
		return out, err
	}
	if out.Reason == models.ReasonBCNewer || out.Reason == models.ReasonAlreadyApplied || out.Reason == models.ReasonNotLinked {
		return out, nil
	}
	if len(writes) == 0 {
		out.State, out.Reason = models.StateApplied, models.ReasonAlreadyApplied
		return out, nil
	}

	if hub.SyncLock {
		age := e.now().Sub(hub.LastSyncAt)
		if age < e.staleAfter {
			out.State, out.Reason = models.StateSkipped, models.ReasonRecordLocked
			return out, ErrRecordLocked
		}
		log.Warn().Dur("age", age).Str("bc_id", hub.SystemID).Msg("Taking over stale syncLock")
	}

	lockedAt := e.now().UTC()
	etag, err := e.clients.BC.SetSyncMarkers(ctx, hub.SystemID, hub.ETag, models.SyncMarkers{SyncLock: true, LastSyncAt: &lockedAt})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		out.State, out.Reason = models.StateSkipped, models.ReasonETagConflict
		return out, ErrETagConflict
	}
	if err != nil {
		out.State, out.Reason = models.StateFailed, models.ReasonError
		return out, fmt.Errorf("acquire syncLock: %w", err)
	}
	hub.ETag = etag

	defer e.unlock(context.WithoutCancel(ctx), hub, &markers, log)

	winner := d.Winner
	for _, w := range writes {
		id, err := w.apply(ctx)
		if err != nil {
			out.State, out.Reason = models.StateFailed, models.ReasonError
			if errors.Is(err, domain.ErrPreconditionFailed) {
				out.Reason = models.ReasonETagConflict
			}
			return out, fmt.Errorf("write %s %s: %w", w.target, w.id, err)
		}
		out.Targets = append(out.Targets, string(w.target))
		if err := e.origins.Record(ctx, w.target, id, winner, e.now()); err != nil {
			log.Warn().Err(err).Str("target", string(w.target)).Msg("Failed to record write origin")
		}
	}

	out.State = models.StateApplied
	return out, nil
}

// hubFor finds the BC record that carries the sync markers for the event's entity.
func (e *Executor) hubFor(ctx context.Context, ev models.ChangeEvent) (*models.BCTask, error) {
	switch ev.Source {
	case models.SourceBC:
		return e.clients.BC.GetTask(ctx, ev.EntityID)
	case models.SourcePlanner:
		return e.clients.BC.FindTaskByPlannerID(ctx, ev.EntityID)
	case models.SourcePremium:
		return e.clients.BC.FindTaskByPremiumID(ctx, ev.EntityID)
	}
	return nil, fmt.Errorf("unknown source %q", ev.Source)
}

// planFromBC pushes the BC fields to Planner and Premium where they differ.
func (e *Executor) planFromBC(ctx context.Context, hub *models.BCTask, markers *models.SyncMarkers) ([]write, error) {
	var writes []write
	fields := hub.Fields

	switch {
	case hub.PlannerTaskID != "":
		pt, err := e.clients.Planner.GetTask(ctx, hub.PlannerTaskID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("read planner task: %w", err)
		}
		if err == nil && !plannerEqual(pt.Fields, fields) {
			writes = append(writes, write{target: models.SourcePlanner, id: pt.ID, apply: func(ctx context.Context) (string, error) {
				etag, err := e.clients.Planner.UpdateTask(ctx, pt.ID, pt.ETag, fields)
				if err == nil {
					markers.LastPlannerEtag = &etag
				}
				return pt.ID, err
			}})
		}
	case hub.PlannerPlanID != "":
		writes = append(writes, write{target: models.SourcePlanner, apply: func(ctx context.Context) (string, error) {
			created, err := e.clients.Planner.CreateTask(ctx, hub.PlannerPlanID, fields)
			if err != nil {
				return "", err
			}
			markers.PlannerTaskID = &created.ID
			markers.LastPlannerEtag = &created.ETag
			return created.ID, nil
		}})
	}

	w, err := e.premiumWrite(ctx, hub.PremiumID, fields)
	if err != nil {
		return nil, err
	}
	if w != nil {
		writes = append(writes, *w)
	}
	return writes, nil
}

// planFromPlanner writes the Planner fields to BC and fans out to Premium.
func (e *Executor) planFromPlanner(ctx context.Context, d models.SyncDecision, hub *models.BCTask, out *Outcome, markers *models.SyncMarkers) ([]write, error) {
	pt, err := e.clients.Planner.GetTask(ctx, d.Event.EntityID)
	if errors.Is(err, domain.ErrNotFound) {
		out.State, out.Reason = models.StateSkipped, models.ReasonNotLinked
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read planner task: %w", err)
	}
	if pt.ETag != "" && pt.ETag == hub.LastPlannerEtag {
		out.State, out.Reason = models.StateApplied, models.ReasonAlreadyApplied
		return nil, nil
	}
	if e.bcNewer(d, hub) {
		out.State, out.Reason = models.StateSkipped, models.ReasonBCNewer
		return nil, nil
	}

	fields := pt.Fields
	// Planner only knows 0/50/100; keep BC's finer percentage when it falls in the same bucket.
	if models.PlannerPercent(hub.Fields.PercentComplete) == fields.PercentComplete {
		fields.PercentComplete = hub.Fields.PercentComplete
	}
	markers.LastPlannerEtag = &pt.ETag

	var writes []write
	if !hub.Fields.Equal(fields) {
		writes = append(writes, e.bcWrite(hub, fields))
	}
	w, err := e.premiumWrite(ctx, hub.PremiumID, fields)
	if err != nil {
		return nil, err
	}
	if w != nil {
		writes = append(writes, *w)
	}
	if len(writes) == 0 {
		// Nothing to copy, but remember the Planner version so its echoes short-circuit.
		writes = append(writes, write{target: models.SourceBC, id: hub.SystemID, apply: func(context.Context) (string, error) { return hub.SystemID, nil }})
	}
	return writes, nil
}

// planFromPremium writes the Premium fields to BC and fans out to Planner.
func (e *Executor) planFromPremium(ctx context.Context, d models.SyncDecision, hub *models.BCTask, out *Outcome, markers *models.SyncMarkers) ([]write, error) {
	prem, err := e.clients.Premium.GetTask(ctx, d.Event.EntityID)
	if errors.Is(err, domain.ErrNotFound) {
		out.State, out.Reason = models.StateSkipped, models.ReasonNotLinked
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read premium task: %w", err)
	}
	if e.bcNewer(d, hub) {
		out.State, out.Reason = models.StateSkipped, models.ReasonBCNewer
		return nil, nil
	}

	fields := prem.Fields
	var writes []write
	if !hub.Fields.Equal(fields) {
		writes = append(writes, e.bcWrite(hub, fields))
	}
	if hub.PlannerTaskID != "" {
		pt, err := e.clients.Planner.GetTask(ctx, hub.PlannerTaskID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("read planner task: %w", err)
		}
		if err == nil && !plannerEqual(pt.Fields, fields) {
			writes = append(writes, write{target: models.SourcePlanner, id: pt.ID, apply: func(ctx context.Context) (string, error) {
				etag, err := e.clients.Planner.UpdateTask(ctx, pt.ID, pt.ETag, fields)
				if err == nil {
					markers.LastPlannerEtag = &etag
				}
				return pt.ID, err
			}})
		}
	}
	return writes, nil
}

// bcNewer reports whether BC was edited after a non-BC hint arrived, in which case BC stays authoritative.
func (e *Executor) bcNewer(d models.SyncDecision, hub *models.BCTask) bool {
	if d.Reason != models.ReasonConfirmBC || d.Event.ReceivedAt.IsZero() {
		return false
	}
	if !hub.LastModifiedAt.After(d.Event.ReceivedAt) {
		return false
	}
	// A modification stamped by our own marker release is not a user edit.
	return hub.LastModifiedAt.Sub(hub.LastSyncAt) > markerSlack
}

func (e *Executor) bcWrite(hub *models.BCTask, fields models.TaskFields) write {
	return write{target: models.SourceBC, id: hub.SystemID, apply: func(ctx context.Context) (string, error) {
		etag, err := e.clients.BC.UpdateTaskFields(ctx, hub.SystemID, hub.ETag, fields)
		if err == nil {
			hub.ETag = etag
		}
		return hub.SystemID, err
	}}
}

func (e *Executor) premiumWrite(ctx context.Context, premiumID string, fields models.TaskFields) (*write, error) {
	if premiumID == "" {
		return nil, nil
	}
	prem, err := e.clients.Premium.GetTask(ctx, premiumID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read premium task: %w", err)
	}
	if prem.Fields.Equal(fields) {
		return nil, nil
	}
	return &write{target: models.SourcePremium, id: prem.ID, apply: func(ctx context.Context) (string, error) {
		_, err := e.clients.Premium.UpdateTask(ctx, prem.ID, prem.ETag, fields)
		return prem.ID, err
	}}, nil
}

// unlock clears the syncLock and stamps lastSyncAt. A stale etag is refreshed and retried.
func (e *Executor) unlock(ctx context.Context, hub *models.BCTask, markers *models.SyncMarkers, log *zerolog.Logger) {
	at := e.now().UTC()
	m := *markers
	m.SyncLock = false
	m.LastSyncAt = &at

	etag := hub.ETag
	for attempt := 1; ; attempt++ {
		_, err := e.clients.BC.SetSyncMarkers(ctx, hub.SystemID, etag, m)
		if err == nil {
			return
		}
		if attempt >= e.release.MaxRetries {
			log.Error().Err(err).Str("bc_id", hub.SystemID).Msg("Failed to release syncLock; it lapses after the stale timeout")
			return
		}
		if errors.Is(err, domain.ErrPreconditionFailed) {
			if fresh, ferr := e.clients.BC.GetTask(ctx, hub.SystemID); ferr == nil {
				etag = fresh.ETag
			}
		}
		e.sleep(e.release.NextDelay(attempt))
	}
}

// plannerEqual compares fields the way Planner stores them.
func plannerEqual(planner, want models.TaskFields) bool {
	want.PercentComplete = models.PlannerPercent(want.PercentComplete)
	return planner.Equal(want)
}
