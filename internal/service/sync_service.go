package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"syncbridge/internal/clients"
	"syncbridge/internal/config"
	"syncbridge/internal/delta"
	"syncbridge/internal/domain"
	"syncbridge/internal/logging"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/resolver"
	"syncbridge/internal/subscription"
	"syncbridge/internal/webhook"
	"syncbridge/internal/worker"

	"github.com/rs/zerolog"
)

// ErrUnsupportedSource is returned for operations a source has no backing for.
var ErrUnsupportedSource = errors.New("operation not supported for source")

// Vendors is the set of external collaborators one invocation works against.
type Vendors struct {
	Tasks         domain.Clients
	Subscriptions map[models.Source]domain.SubscriptionAPI
	Deltas        map[models.Source]domain.DeltaSource
}

// VendorFactory builds fresh collaborators for every invocation.
type VendorFactory func(ctx context.Context) Vendors

// BundleFactory builds Vendors from the REST clients described by cfg.
func BundleFactory(cfg *config.Config) VendorFactory {
	return func(ctx context.Context) Vendors {
		b := clients.NewBundle(ctx, cfg)
		return Vendors{
			Tasks: b.Tasks(),
			Subscriptions: map[models.Source]domain.SubscriptionAPI{
				models.SourceBC:      b.BC,
				models.SourcePlanner: b.Graph,
			},
			Deltas: map[models.Source]domain.DeltaSource{
				models.SourceBC:      b.BC,
				models.SourcePlanner: b.Graph,
			},
		}
	}
}

// SyncService wires the webhook, queue, poll and subscription paths together.
type SyncService struct {
	cfg        *config.Config
	store      domain.Store
	normalizer *webhook.Normalizer
	origins    *resolver.OriginTracker
	resolver   *resolver.Resolver
	vendors    VendorFactory
	logger     *zerolog.Logger
	log        zerolog.Logger
}

func NewSyncService(cfg *config.Config, store domain.Store, vendors VendorFactory, logger *zerolog.Logger) (*SyncService, error) {
	normalizer, err := webhook.NewNormalizer(webhook.Options{
		BCClientState:       cfg.BC.ClientState,
		GraphClientState:    cfg.Graph.ClientState,
		PremiumSecret:       cfg.Premium.WebhookSecret,
		PremiumSecretHeader: cfg.Premium.SecretHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("build webhook normalizer: %w", err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	origins := resolver.NewOriginTracker(store, cfg.Sync.OriginRetention())
	return &SyncService{
		cfg:        cfg,
		store:      store,
		normalizer: normalizer,
		origins:    origins,
		resolver:   resolver.NewResolver(origins),
		vendors:    vendors,
		logger:     logger,
		log:        logging.Component(logger, "sync"),
	}, nil
}

// WebhookResult is the response body of an accepted notification batch.
type WebhookResult struct {
	ValidationToken string `json:"-"`
	Received        int    `json:"received"`
	Enqueued        int    `json:"enqueued"`
	Deduped         int    `json:"deduped"`
	Skipped         int    `json:"skipped"`
	SecretMismatch  int    `json:"secretMismatch"`
	MissingResource int    `json:"missingResource"`
	Invalid         int    `json:"invalid"`
}

// HandleWebhook normalizes one vendor request and queues the resulting change events.
func (s *SyncService) HandleWebhook(ctx context.Context, vendor string, headers http.Header, query url.Values, body []byte) (WebhookResult, error) {
	source, err := models.ParseSource(vendor)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %s", webhook.ErrUnknownVendor, vendor)
	}

	res, err := s.normalizer.Normalize(source, headers, query, body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnauthorized):
			metrics.AddWebhook(vendor, "unauthorized", 1)
		case errors.Is(err, webhook.ErrMalformedPayload):
			metrics.AddWebhook(vendor, "malformed", 1)
		}
		return WebhookResult{}, err
	}
	if res.ValidationToken != "" {
		metrics.AddWebhook(vendor, "validation", 1)
		return WebhookResult{ValidationToken: res.ValidationToken}, nil
	}

	out := WebhookResult{
		Received:        res.Counters.Received,
		SecretMismatch:  res.Counters.SecretMismatch,
		MissingResource: res.Counters.MissingResource,
		Invalid:         res.Counters.Invalid,
	}
	metrics.AddWebhook(vendor, "received", out.Received)
	metrics.AddWebhook(vendor, "secret_mismatch", out.SecretMismatch)
	metrics.AddWebhook(vendor, "missing_resource", out.MissingResource)
	metrics.AddWebhook(vendor, "invalid", out.Invalid)

	enq, err := s.enqueue(ctx, res.Events)
	if err != nil {
		return out, err
	}
	out.Enqueued, out.Deduped, out.Skipped = enq.Enqueued, enq.Deduped, enq.Skipped

	s.log.Info().
		Str("vendor", vendor).
		Int("received", out.Received).
		Int("enqueued", out.Enqueued).
		Int("deduped", out.Deduped).
		Int("secret_mismatch", out.SecretMismatch).
		Msg("Webhook processed")
	return out, nil
}

func (s *SyncService) enqueue(ctx context.Context, events []models.ChangeEvent) (models.EnqueueResult, error) {
	if len(events) == 0 {
		return models.EnqueueResult{}, nil
	}
	jobs := make([]models.Job, 0, len(events))
	for _, ev := range events {
		jobs = append(jobs, models.Job{Event: ev, DedupKey: ev.DedupKey()})
	}
	res, err := s.store.Enqueue(ctx, jobs)
	if err != nil {
		return res, fmt.Errorf("enqueue jobs: %w", err)
	}
	metrics.AddJobs("enqueued", res.Enqueued)
	metrics.AddJobs("deduped", res.Deduped)
	metrics.AddJobs("skipped", res.Skipped)
	return res, nil
}

// QueueOptions override the configured processing knobs for one pass. Nil keeps the configured value.
type QueueOptions struct {
	MaxJobs   int
	DryRun    bool
	PreferBC  *bool
	GraceMs   *int64
	RequestID string
}

// ProcessQueue drains one batch under the queue lock with a fresh client set.
func (s *SyncService) ProcessQueue(ctx context.Context, opts QueueOptions) (worker.ProcessResult, error) {
	popts := worker.ProcessOptions{
		MaxJobs:   opts.MaxJobs,
		PreferBC:  s.cfg.Sync.PreferBCEnabled(),
		GraceMs:   s.cfg.Sync.GraceMs,
		DryRun:    opts.DryRun,
		RequestID: opts.RequestID,
	}
	if popts.MaxJobs <= 0 {
		popts.MaxJobs = s.cfg.Sync.MaxJobs
	}
	if opts.PreferBC != nil {
		popts.PreferBC = *opts.PreferBC
	}
	if opts.GraceMs != nil {
		popts.GraceMs = *opts.GraceMs
	}

	v := s.vendors(ctx)
	executor := worker.NewExecutor(v.Tasks, s.origins, s.cfg.Sync.SyncLockStaleAfter(), s.logger)
	processor := worker.NewProcessor(s.store, s.resolver, executor, worker.RetryPolicy{MaxRetries: s.cfg.Sync.MaxRetries}, s.cfg.Sync.LockTTL(), s.logger)
	return processor.ProcessQueue(ctx, popts)
}

type PollOptions struct {
	// Reset discards the stored cursor so the walk starts from a full snapshot.
	Reset bool
	// Process runs a queue pass right after the poll. Always on in polling mode.
	Process bool
	Queue   QueueOptions
}

// PollSummary reports one delta poll.
type PollSummary struct {
	Source   models.Source         `json:"source"`
	Pages    int                   `json:"pages"`
	Items    int                   `json:"items"`
	Enqueued int                   `json:"enqueued"`
	Deduped  int                   `json:"deduped"`
	Skipped  int                   `json:"skipped"`
	Cursor   string                `json:"cursor,omitempty"`
	Process  *worker.ProcessResult `json:"process,omitempty"`
}

// Poll walks the delta feed of source and queues every change it reports.
func (s *SyncService) Poll(ctx context.Context, source string, opts PollOptions) (PollSummary, error) {
	src, err := models.ParseSource(source)
	if err != nil {
		return PollSummary{}, err
	}
	feed, ok := s.vendors(ctx).Deltas[src]
	if !ok {
		return PollSummary{}, fmt.Errorf("%w: delta poll %s", ErrUnsupportedSource, src)
	}

	poller := delta.NewPoller(src, feed, s.store, s.logger)
	if opts.Reset {
		if err := poller.Reset(ctx); err != nil {
			return PollSummary{}, err
		}
	}

	summary := PollSummary{Source: src}
	var enq models.EnqueueResult
	res, err := poller.RunOnce(ctx, func(ctx context.Context, items []models.ChangeEvent) error {
		r, err := s.enqueue(ctx, items)
		enq.Add(r)
		return err
	})
	if err != nil {
		return summary, fmt.Errorf("poll %s: %w", src, err)
	}
	summary.Pages, summary.Items, summary.Cursor = res.Pages, len(res.Items), res.NextCursor
	summary.Enqueued, summary.Deduped, summary.Skipped = enq.Enqueued, enq.Deduped, enq.Skipped

	if opts.Process || strings.EqualFold(s.cfg.Delta.Mode, "polling") {
		pr, err := s.ProcessQueue(ctx, opts.Queue)
		if err != nil {
			return summary, err
		}
		summary.Process = &pr
	}
	return summary, nil
}

// SubscriptionOptions select and tune a subscription maintenance run.
type SubscriptionOptions struct {
	// Source limits the run to "bc" or "planner"; empty covers both.
	Source        string
	BufferHours   int
	ForceRecreate bool
}

func (s *SyncService) managers(ctx context.Context, source string) ([]*subscription.Manager, error) {
	v := s.vendors(ctx)
	var wanted []models.Source
	if source == "" {
		wanted = []models.Source{models.SourceBC, models.SourcePlanner}
	} else {
		src, err := models.ParseSource(source)
		if err != nil {
			return nil, err
		}
		wanted = []models.Source{src}
	}

	out := make([]*subscription.Manager, 0, len(wanted))
	for _, src := range wanted {
		api, ok := v.Subscriptions[src]
		if !ok {
			return nil, fmt.Errorf("%w: subscriptions %s", ErrUnsupportedSource, src)
		}
		out = append(out, subscription.NewManager(src, api, s.store, s.resources(src), s.ttl(src), s.logger))
	}
	return out, nil
}

func (s *SyncService) resources(src models.Source) []string {
	if src == models.SourceBC {
		return []string{s.cfg.BC.Resource()}
	}
	return s.cfg.Graph.Resources()
}

func (s *SyncService) ttl(src models.Source) time.Duration {
	if src == models.SourceBC {
		return time.Duration(s.cfg.Subscriptions.BCTTLHours) * time.Hour
	}
	return time.Duration(s.cfg.Subscriptions.GraphTTLHours) * time.Hour
}

func (s *SyncService) clientState(src models.Source) string {
	if src == models.SourceBC {
		return s.cfg.BC.ClientState
	}
	return s.cfg.Graph.ClientState
}

func (s *SyncService) bufferHours(opts SubscriptionOptions) int {
	if opts.BufferHours > 0 {
		return opts.BufferHours
	}
	return s.cfg.Subscriptions.RenewalBufferHours
}

// EnsureSubscriptions makes sure every configured resource has one active subscription.
func (s *SyncService) EnsureSubscriptions(ctx context.Context, opts SubscriptionOptions) (subscription.RenewReport, error) {
	managers, err := s.managers(ctx, opts.Source)
	if err != nil {
		return subscription.RenewReport{}, err
	}
	buffer := time.Duration(s.bufferHours(opts)) * time.Hour

	var report subscription.RenewReport
	for _, m := range managers {
		src := m.Source()
		specs := make([]subscription.Spec, 0)
		for _, resource := range s.resources(src) {
			specs = append(specs, subscription.Spec{
				Resource:        resource,
				NotificationURL: s.cfg.Subscriptions.NotificationURL(src),
				ClientState:     s.clientState(src),
				TTL:             s.ttl(src),
				Buffer:          buffer,
			})
		}
		report.Merge(m.EnsureAll(ctx, specs, opts.ForceRecreate))
	}
	return report, nil
}

// RenewSubscriptions renews tracked subscriptions expiring within the buffer,
// adopting remote ones the store lost track of first.
func (s *SyncService) RenewSubscriptions(ctx context.Context, opts SubscriptionOptions) (subscription.RenewReport, error) {
	managers, err := s.managers(ctx, opts.Source)
	if err != nil {
		return subscription.RenewReport{}, err
	}
	hours := s.bufferHours(opts)

	var report subscription.RenewReport
	for _, m := range managers {
		if _, err := m.SyncFromRemote(ctx, time.Duration(hours)*time.Hour); err != nil {
			s.log.Warn().Err(err).Str("source", string(m.Source())).Msg("Failed to reconcile remote subscriptions")
		}
		report.Merge(m.RenewAll(ctx, subscription.RenewOptions{
			BufferHours:   hours,
			ForceRecreate: opts.ForceRecreate,
			TTL:           s.ttl(m.Source()),
		}))
	}
	return report, nil
}

// DeleteSubscriptions removes the remote subscriptions this deployment owns.
func (s *SyncService) DeleteSubscriptions(ctx context.Context, opts SubscriptionOptions) (subscription.DeleteReport, error) {
	managers, err := s.managers(ctx, opts.Source)
	if err != nil {
		return subscription.DeleteReport{}, err
	}
	var report subscription.DeleteReport
	for _, m := range managers {
		report.Merge(m.DeleteAll(ctx, subscription.Filter{NotificationURL: s.cfg.Subscriptions.NotificationURL(m.Source())}))
	}
	return report, nil
}

// ListSubscriptions returns the subscriptions tracked in the state store.
func (s *SyncService) ListSubscriptions(ctx context.Context, source string) ([]models.Subscription, error) {
	managers, err := s.managers(ctx, source)
	if err != nil {
		return nil, err
	}
	out := make([]models.Subscription, 0)
	for _, m := range managers {
		subs, err := m.List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, subs...)
	}
	return out, nil
}

// PurgeOrigins drops write-origin records older than the retention window.
func (s *SyncService) PurgeOrigins(ctx context.Context) (int, error) {
	n, err := s.origins.Purge(ctx)
	if err != nil {
		return n, fmt.Errorf("purge write origins: %w", err)
	}
	s.log.Info().Int("purged", n).Msg("Write-origin records purged")
	return n, nil
}

// Health reports whether the store answers and which backend is serving.
func (s *SyncService) Health(ctx context.Context) (mode string, err error) {
	mode = "primary"
	if d, ok := s.store.(interface{ Degraded() bool }); ok && d.Degraded() {
		mode = "fallback"
	}
	return mode, s.store.Ping(ctx)
}
