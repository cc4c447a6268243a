package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"syncbridge/internal/domain"
	"syncbridge/internal/logging"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"

	"github.com/rs/zerolog"
)

const (
	ActionCreated  = "created"
	ActionRenewed  = "renewed"
	ActionAdopted  = "adopted"
	ActionSkipped  = "skipped"
	ActionDeleted  = "deleted"
	ActionFailed   = "failed"
	stateKeyPrefix = "subscriptions:"
)

// Spec describes the subscription one resource should have.
type Spec struct {
	Resource        string
	NotificationURL string
	ClientState     string
	TTL             time.Duration
	// Buffer is how close to expiry a stored subscription may get before it is replaced.
	Buffer time.Duration
}

// Outcome is the per-item result of a lifecycle operation.
type Outcome struct {
	Source    models.Source `json:"source"`
	ID        string        `json:"id,omitempty"`
	Resource  string        `json:"resource"`
	Action    string        `json:"action"`
	ExpiresAt *time.Time    `json:"expirationDateTime,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type RenewOptions struct {
	BufferHours   int
	ForceRecreate bool
	TTL           time.Duration
}

type RenewReport struct {
	Renewed []Outcome `json:"renewed"`
	Created []Outcome `json:"created"`
	Skipped []Outcome `json:"skipped"`
	Failed  []Outcome `json:"failed"`
}

func (r *RenewReport) add(o Outcome) {
	switch o.Action {
	case ActionRenewed, ActionAdopted:
		r.Renewed = append(r.Renewed, o)
	case ActionCreated:
		r.Created = append(r.Created, o)
	case ActionSkipped:
		r.Skipped = append(r.Skipped, o)
	default:
		r.Failed = append(r.Failed, o)
	}
}

// Merge appends other's outcomes to r.
func (r *RenewReport) Merge(other RenewReport) {
	r.Renewed = append(r.Renewed, other.Renewed...)
	r.Created = append(r.Created, other.Created...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Filter narrows bulk deletion. Subscriptions outside the manager's own patterns are never touched.
type Filter struct {
	Resources       []string
	NotificationURL string
}

type DeleteReport struct {
	Deleted []Outcome `json:"deleted"`
	Skipped []Outcome `json:"skipped"`
	Failed  []Outcome `json:"failed"`
}

// Merge appends other's outcomes to r.
func (r *DeleteReport) Merge(other DeleteReport) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Skipped = append(r.Skipped, other.Skipped...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Manager keeps the push subscriptions of one source alive and tracks them in the state store.
type Manager struct {
	source   models.Source
	api      domain.SubscriptionAPI
	store    domain.StateStore
	patterns []string
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager builds a manager owning the subscriptions whose resource matches one of patterns
// (path.Match syntax, case-insensitive, leading slash ignored).
func NewManager(source models.Source, api domain.SubscriptionAPI, store domain.StateStore, patterns []string, ttl time.Duration, logger *zerolog.Logger) *Manager {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Manager{
		source:   source,
		api:      api,
		store:    store,
		patterns: patterns,
		ttl:      ttl,
		logger:   logging.Component(logger, "subscriptions").With().Str("source", string(source)).Logger(),
		now:      time.Now,
	}
}

func (m *Manager) Source() models.Source {
	return m.source
}

func (m *Manager) stateKey() string {
	return stateKeyPrefix + string(m.source)
}

// List returns the subscriptions tracked locally.
func (m *Manager) List(ctx context.Context) ([]models.Subscription, error) {
	raw, err := m.store.Get(ctx, m.stateKey())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	var subs []models.Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	return subs, nil
}

func (m *Manager) save(ctx context.Context, subs []models.Subscription) error {
	if subs == nil {
		subs = []models.Subscription{}
	}
	data, err := json.Marshal(subs)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, m.stateKey(), data, 0); err != nil {
		return fmt.Errorf("save subscriptions: %w", err)
	}
	return nil
}

// upsert replaces the stored entry for sub's target (or id) with sub.
func (m *Manager) upsert(ctx context.Context, sub models.Subscription) error {
	subs, err := m.List(ctx)
	if err != nil {
		return err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.ID == sub.ID || s.SameTarget(sub) {
			continue
		}
		out = append(out, s)
	}
	return m.save(ctx, append(out, sub))
}

func (m *Manager) forget(ctx context.Context, id string) error {
	subs, err := m.List(ctx)
	if err != nil {
		return err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(subs) {
		return nil
	}
	return m.save(ctx, out)
}

// Owns reports whether resource belongs to this integration.
func (m *Manager) Owns(resource string) bool {
	return matchAny(m.patterns, resource)
}

func matchAny(patterns []string, resource string) bool {
	r := normalize(resource)
	for _, p := range patterns {
		if ok, err := path.Match(normalize(p), r); err == nil && ok {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.TrimLeft(strings.ToLower(strings.TrimSpace(s)), "/")
}

// EnsureActive makes sure exactly one active subscription exists for spec's resource and endpoint.
func (m *Manager) EnsureActive(ctx context.Context, spec Spec) (models.Subscription, error) {
	o, sub := m.ensure(ctx, spec, false)
	if o.Action == ActionFailed {
		return models.Subscription{}, fmt.Errorf("ensure subscription for %s: %s", spec.Resource, o.Error)
	}
	return sub, nil
}

// EnsureAll runs EnsureActive for every spec and reports per-item outcomes.
func (m *Manager) EnsureAll(ctx context.Context, specs []Spec, force bool) RenewReport {
	var report RenewReport
	for _, spec := range specs {
		o, _ := m.ensure(ctx, spec, force)
		report.add(o)
	}
	return report
}

func (m *Manager) ensure(ctx context.Context, spec Spec, force bool) (Outcome, models.Subscription) {
	if spec.TTL <= 0 {
		spec.TTL = m.ttl
	}
	want := models.Subscription{
		Source:          m.source,
		Resource:        spec.Resource,
		NotificationURL: spec.NotificationURL,
		ClientState:     spec.ClientState,
	}

	stored, err := m.List(ctx)
	if err != nil {
		return m.record(m.failed(want, err)), models.Subscription{}
	}
	for _, s := range stored {
		if !s.SameTarget(want) {
			continue
		}
		if s.Active(m.now(), spec.Buffer) {
			return m.record(m.outcome(s, ActionSkipped)), s
		}
		s.ClientState = spec.ClientState
		return m.refresh(ctx, s, spec, force)
	}
	return m.create(ctx, want, spec, force)
}

// RenewAll renews every tracked subscription expiring within the buffer.
func (m *Manager) RenewAll(ctx context.Context, opts RenewOptions) RenewReport {
	var report RenewReport
	stored, err := m.List(ctx)
	if err != nil {
		report.add(m.record(m.failed(models.Subscription{Source: m.source}, err)))
		return report
	}

	spec := Spec{TTL: opts.TTL, Buffer: time.Duration(opts.BufferHours) * time.Hour}
	if spec.TTL <= 0 {
		spec.TTL = m.ttl
	}
	for _, s := range stored {
		if s.Active(m.now(), spec.Buffer) {
			report.add(m.record(m.outcome(s, ActionSkipped)))
			continue
		}
		itemSpec := spec
		itemSpec.Resource, itemSpec.NotificationURL, itemSpec.ClientState = s.Resource, s.NotificationURL, s.ClientState
		o, _ := m.refresh(ctx, s, itemSpec, opts.ForceRecreate)
		report.add(o)
	}
	return report
}

// refresh renews s in place and falls back to delete + create when the vendor refuses.
func (m *Manager) refresh(ctx context.Context, s models.Subscription, spec Spec, force bool) (Outcome, models.Subscription) {
	renewed, err := m.api.RenewSubscription(ctx, s, m.now().Add(spec.TTL))
	if err == nil {
		renewed.Source = m.source
		if renewed.NotificationURL == "" {
			renewed.NotificationURL = s.NotificationURL
		}
		if renewed.Resource == "" {
			renewed.Resource = s.Resource
		}
		if err := m.upsert(ctx, *renewed); err != nil {
			return m.record(m.failed(*renewed, err)), models.Subscription{}
		}
		return m.record(m.outcome(*renewed, ActionRenewed)), *renewed
	}
	if errors.Is(err, domain.ErrSubscriptionExists) {
		want := s
		want.ID, want.ETag = "", ""
		want.ExpirationDateTime = m.now().Add(spec.TTL).UTC()
		return m.adopt(ctx, want, spec, force, err)
	}
	if !errors.Is(err, domain.ErrSubscriptionNotFound) && !errors.Is(err, domain.ErrRenewalNotAllowed) {
		return m.record(m.failed(s, err)), models.Subscription{}
	}

	m.logger.Warn().Err(err).Str("subscription_id", s.ID).Msg("In-place renewal refused, recreating subscription")
	m.deleteRemote(ctx, s)
	if err := m.forget(ctx, s.ID); err != nil {
		m.logger.Warn().Err(err).Str("subscription_id", s.ID).Msg("Failed to drop stale subscription record")
	}
	want := s
	want.ID, want.ETag = "", ""
	return m.create(ctx, want, spec, force)
}

func (m *Manager) create(ctx context.Context, want models.Subscription, spec Spec, force bool) (Outcome, models.Subscription) {
	want.ExpirationDateTime = m.now().Add(spec.TTL).UTC()
	created, err := m.api.CreateSubscription(ctx, want)
	if errors.Is(err, domain.ErrSubscriptionExists) {
		return m.adopt(ctx, want, spec, force, err)
	}
	if err != nil {
		return m.record(m.failed(want, err)), models.Subscription{}
	}
	return m.persistCreated(ctx, want, *created)
}

func (m *Manager) persistCreated(ctx context.Context, want, created models.Subscription) (Outcome, models.Subscription) {
	created.Source = m.source
	if created.NotificationURL == "" {
		created.NotificationURL = want.NotificationURL
	}
	if created.Resource == "" {
		created.Resource = want.Resource
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = m.now().UTC()
	}
	if err := m.upsert(ctx, created); err != nil {
		return m.record(m.failed(created, err)), models.Subscription{}
	}
	return m.record(m.outcome(created, ActionCreated)), created
}

// adopt resolves a create that lost the race against an existing remote subscription.
func (m *Manager) adopt(ctx context.Context, want models.Subscription, spec Spec, force bool, cause error) (Outcome, models.Subscription) {
	remote, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return m.record(m.failed(want, fmt.Errorf("%v; list remote: %w", cause, err))), models.Subscription{}
	}

	var existing *models.Subscription
	for i := range remote {
		if remote[i].SameTarget(want) || (want.NotificationURL == "" && normalize(remote[i].Resource) == normalize(want.Resource)) {
			existing = &remote[i]
			break
		}
	}
	if existing == nil {
		return m.record(m.failed(want, cause)), models.Subscription{}
	}
	existing.Source = m.source

	if !force && existing.Active(m.now(), spec.Buffer) {
		if existing.ClientState == "" {
			existing.ClientState = want.ClientState
		}
		if err := m.upsert(ctx, *existing); err != nil {
			return m.record(m.failed(*existing, err)), models.Subscription{}
		}
		m.logger.Info().Str("subscription_id", existing.ID).Msg("Adopted existing remote subscription")
		return m.record(m.outcome(*existing, ActionAdopted)), *existing
	}

	if err := m.api.DeleteSubscription(ctx, *existing); err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return m.record(m.failed(*existing, fmt.Errorf("delete before recreate: %w", err))), models.Subscription{}
	}
	created, err := m.api.CreateSubscription(ctx, want)
	if err != nil {
		return m.record(m.failed(want, err)), models.Subscription{}
	}
	return m.persistCreated(ctx, want, *created)
}

func (m *Manager) deleteRemote(ctx context.Context, s models.Subscription) {
	if s.ID == "" {
		return
	}
	if err := m.api.DeleteSubscription(ctx, s); err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		m.logger.Warn().Err(err).Str("subscription_id", s.ID).Msg("Failed to delete stale subscription")
	}
}

// DeleteAll deletes the remote subscriptions owned by this integration that pass filter.
func (m *Manager) DeleteAll(ctx context.Context, filter Filter) DeleteReport {
	var report DeleteReport
	remote, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		report.Failed = append(report.Failed, m.record(m.failed(models.Subscription{Source: m.source}, err)))
		return report
	}

	for _, s := range remote {
		s.Source = m.source
		if !m.Owns(s.Resource) ||
			(len(filter.Resources) > 0 && !matchAny(filter.Resources, s.Resource)) ||
			(filter.NotificationURL != "" && s.NotificationURL != filter.NotificationURL) {
			report.Skipped = append(report.Skipped, m.outcome(s, ActionSkipped))
			continue
		}
		if err := m.api.DeleteSubscription(ctx, s); err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
			report.Failed = append(report.Failed, m.record(m.failed(s, err)))
			continue
		}
		if err := m.forget(ctx, s.ID); err != nil {
			m.logger.Warn().Err(err).Str("subscription_id", s.ID).Msg("Failed to drop deleted subscription record")
		}
		report.Deleted = append(report.Deleted, m.record(m.outcome(s, ActionDeleted)))
	}
	return report
}

// SyncFromRemote adopts owned, active remote subscriptions missing from the local store.
func (m *Manager) SyncFromRemote(ctx context.Context, buffer time.Duration) ([]Outcome, error) {
	remote, err := m.api.ListSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote subscriptions: %w", err)
	}
	stored, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(stored))
	for _, s := range stored {
		known[s.ID] = true
	}

	var out []Outcome
	for _, s := range remote {
		if known[s.ID] || !m.Owns(s.Resource) || !s.Active(m.now(), buffer) {
			continue
		}
		s.Source = m.source
		if err := m.upsert(ctx, s); err != nil {
			return out, err
		}
		out = append(out, m.record(m.outcome(s, ActionAdopted)))
	}
	return out, nil
}

func (m *Manager) outcome(s models.Subscription, action string) Outcome {
	o := Outcome{Source: m.source, ID: s.ID, Resource: s.Resource, Action: action}
	if !s.ExpirationDateTime.IsZero() {
		exp := s.ExpirationDateTime
		o.ExpiresAt = &exp
	}
	return o
}

func (m *Manager) failed(s models.Subscription, err error) Outcome {
	o := m.outcome(s, ActionFailed)
	o.Error = err.Error()
	return o
}

func (m *Manager) record(o Outcome) Outcome {
	metrics.IncSubscription(string(m.source), o.Action)
	ev := m.logger.Info()
	if o.Action == ActionFailed {
		ev = m.logger.Error().Str("error", o.Error)
	}
	ev.Str("action", o.Action).Str("subscription_id", o.ID).Str("resource", o.Resource).Msg("Subscription lifecycle")
	return o
}
