package worker

import (
	"context"
	"fmt"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/logging"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/resolver"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Applier executes resolved decisions.
type Applier interface {
	Apply(ctx context.Context, d models.SyncDecision) (Outcome, error)
}

type ProcessOptions struct {
	MaxJobs   int
	PreferBC  bool
	GraceMs   int64
	DryRun    bool
	RequestID string
}

// ProcessResult summarizes one queue-processing pass.
type ProcessResult struct {
	RequestID    string    `json:"requestId"`
	Locked       bool      `json:"locked"`
	DryRun       bool      `json:"dryRun,omitempty"`
	Drained      int       `json:"drained"`
	Applied      int       `json:"applied"`
	Suppressed   int       `json:"suppressed"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Requeued     int       `json:"requeued"`
	Merged       int       `json:"merged,omitempty"`
	DeadLettered int       `json:"deadLettered"`
	Remaining    int       `json:"remaining"`
	Results      []Outcome `json:"results"`
}

func (r *ProcessResult) count(o Outcome) {
	switch o.State {
	case models.StateApplied:
		r.Applied++
	case models.StateSuppressed:
		r.Suppressed++
	case models.StateFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Processor drains the job queue under the queue lock and runs each job through resolver and executor.
type Processor struct {
	queue    domain.QueueStore
	resolver *resolver.Resolver
	executor Applier
	retry    RetryPolicy
	lockTTL  time.Duration
	logger   zerolog.Logger
}

func NewProcessor(queue domain.QueueStore, res *resolver.Resolver, executor Applier, retry RetryPolicy, lockTTL time.Duration, logger *zerolog.Logger) *Processor {
	if lockTTL <= 0 {
		lockTTL = models.DefaultLockTTL
	}
	return &Processor{
		queue:    queue,
		resolver: res,
		executor: executor,
		retry:    retry.withDefaults(),
		lockTTL:  lockTTL,
		logger:   logging.Component(logger, "processor"),
	}
}

// ProcessQueue runs one pass. A held lock yields Locked without touching the queue.
// The returned error is reserved for store failures; per-job failures land in Results.
func (p *Processor) ProcessQueue(ctx context.Context, opts ProcessOptions) (ProcessResult, error) {
	if opts.RequestID == "" {
		opts.RequestID = uuid.NewString()
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = models.DefaultMaxJobs
	}
	res := ProcessResult{RequestID: opts.RequestID, DryRun: opts.DryRun, Results: []Outcome{}}
	log := p.logger.With().Str("request_id", opts.RequestID).Logger()

	token, err := p.queue.AcquireLock(ctx, models.QueueLockKey, p.lockTTL)
	if err != nil {
		return res, fmt.Errorf("acquire queue lock: %w", err)
	}
	if token == "" {
		metrics.IncLockContention()
		log.Info().Msg("Queue lock held elsewhere, skipping pass")
		res.Locked = true
		return res, nil
	}
	defer func() {
		if _, err := p.queue.ReleaseLock(context.WithoutCancel(ctx), models.QueueLockKey, token); err != nil {
			log.Error().Err(err).Msg("Failed to release queue lock")
		}
	}()

	jobs, err := p.queue.Drain(ctx, opts.MaxJobs)
	if err != nil {
		return res, fmt.Errorf("drain queue: %w", err)
	}
	res.Drained = len(jobs)

	ropts := resolver.Options{PreferBC: opts.PreferBC, GraceMs: opts.GraceMs, DryRun: opts.DryRun, RequestID: opts.RequestID}
	for _, job := range jobs {
		out := p.processJob(ctx, job, ropts, &res, &log)
		out.JobID = job.ID
		res.count(out)
		res.Results = append(res.Results, out)
	}

	if opts.DryRun && len(jobs) > 0 {
		// A preview must not consume the queue.
		if _, err := p.queue.Enqueue(context.WithoutCancel(ctx), jobs); err != nil {
			log.Error().Err(err).Int("jobs", len(jobs)).Msg("Failed to restore previewed jobs")
		}
	}

	if depth, err := p.queue.Depth(ctx); err == nil {
		res.Remaining = depth
		metrics.SetQueueDepth(depth)
	}
	metrics.AddJobs("processed", res.Drained)
	metrics.AddJobs("failed", res.Failed)
	metrics.AddJobs("requeued", res.Requeued)
	metrics.AddJobs("dead_lettered", res.DeadLettered)

	log.Info().
		Int("drained", res.Drained).
		Int("applied", res.Applied).
		Int("suppressed", res.Suppressed).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Msg("Queue pass finished")
	return res, nil
}

func (p *Processor) processJob(ctx context.Context, job models.Job, opts resolver.Options, res *ProcessResult, log *zerolog.Logger) Outcome {
	d, err := p.resolver.Resolve(ctx, job.Event, opts)
	if err != nil {
		out := outcomeOf(d)
		out.Error = err.Error()
		if !opts.DryRun {
			p.retryOrFail(ctx, job, err, res, log)
		}
		return out
	}

	out, err := p.executor.Apply(ctx, d)
	if err != nil {
		out.Error = err.Error()
		if !opts.DryRun {
			p.retryOrFail(ctx, job, err, res, log)
		}
	}
	return out
}

// retryOrFail re-queues job for the next pass, or dead-letters it once the retry budget is spent.
func (p *Processor) retryOrFail(ctx context.Context, job models.Job, cause error, res *ProcessResult, log *zerolog.Logger) {
	job.Attempts++
	job.LastError = cause.Error()

	if p.retry.Exhausted(job.Attempts) {
		if err := p.queue.PushDeadLetter(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to dead-letter job")
			return
		}
		res.DeadLettered++
		log.Warn().Str("job_id", job.ID).Int("attempts", job.Attempts).Str("error", job.LastError).Msg("Job dead-lettered")
		return
	}

	enq, err := p.queue.Enqueue(ctx, []models.Job{job})
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to re-queue job")
		return
	}
	if enq.Enqueued == 0 {
		// A fresh notification for the same key is already queued and will retry the entity.
		res.Merged++
		log.Debug().Str("job_id", job.ID).Str("dedup_key", job.DedupKey).Msg("Retry merged into queued notification")
		return
	}
	res.Requeued++
}
