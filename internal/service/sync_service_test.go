package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
	"syncbridge/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			MaxJobs:                   25,
			GraceMs:                   60000,
			LockTTLSeconds:            120,
			MaxRetries:                3,
			SyncLockStaleAfterSeconds: 600,
			OriginRetentionHours:      24,
		},
		BC:      config.BCConfig{CompanyID: "c1", EntitySet: "projectTasks", ClientState: "bc-state"},
		Graph:   config.GraphConfig{ClientState: "graph-state", PlanIDs: []string{"plan-1"}},
		Premium: config.PremiumConfig{WebhookSecret: "premium-secret", SecretHeader: "x-premium-secret"},
		Subscriptions: config.SubscriptionsConfig{
			NotificationBaseURL: "https://hooks.example.com/",
			RenewalBufferHours:  6,
			BCTTLHours:          72,
			GraphTTLHours:       70,
		},
		Delta: config.DeltaConfig{Mode: "push", Sources: []string{"planner"}},
	}
}

// unlinkedBC knows no tasks, so every processed job ends as not_linked.
type unlinkedBC struct{}

func (unlinkedBC) GetTask(context.Context, string) (*models.BCTask, error) {
	return nil, domain.ErrNotFound
}
func (unlinkedBC) FindTaskByPlannerID(context.Context, string) (*models.BCTask, error) {
	return nil, domain.ErrNotFound
}
func (unlinkedBC) FindTaskByPremiumID(context.Context, string) (*models.BCTask, error) {
	return nil, domain.ErrNotFound
}
func (unlinkedBC) UpdateTaskFields(context.Context, string, string, models.TaskFields) (string, error) {
	return "", domain.ErrNotFound
}
func (unlinkedBC) SetSyncMarkers(context.Context, string, string, models.SyncMarkers) (string, error) {
	return "", domain.ErrNotFound
}

type memorySubs struct {
	mu   sync.Mutex
	seq  int
	subs map[string]models.Subscription
}

func newMemorySubs() *memorySubs {
	return &memorySubs{subs: make(map[string]models.Subscription)}
}

func (m *memorySubs) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	sub.ID = fmt.Sprintf("sub-%d", m.seq)
	m.subs[sub.ID] = sub
	return &sub, nil
}

func (m *memorySubs) RenewSubscription(ctx context.Context, sub models.Subscription, expiresAt time.Time) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	sub.ExpirationDateTime = expiresAt
	m.subs[sub.ID] = sub
	return &sub, nil
}

func (m *memorySubs) DeleteSubscription(ctx context.Context, sub models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.ID)
	return nil
}

func (m *memorySubs) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

type staticFeed struct {
	items []models.ChangeEvent
	calls int
}

func (f *staticFeed) FetchPage(ctx context.Context, link string) (models.DeltaPage, error) {
	f.calls++
	return models.DeltaPage{Items: f.items, DeltaLink: fmt.Sprintf("delta-%d", f.calls)}, nil
}

type serviceHarness struct {
	svc     *SyncService
	store   *repository.MemoryStore
	bcSubs  *memorySubs
	plSubs  *memorySubs
	feed    *staticFeed
	builds  int
	cfg     *config.Config
	vendors VendorFactory
}

func newServiceHarness(t *testing.T, cfg *config.Config) *serviceHarness {
	t.Helper()
	h := &serviceHarness{
		store:  repository.NewMemoryStore(),
		bcSubs: newMemorySubs(),
		plSubs: newMemorySubs(),
		feed:   &staticFeed{},
		cfg:    cfg,
	}
	h.vendors = func(ctx context.Context) Vendors {
		h.builds++
		return Vendors{
			Tasks: domain.Clients{BC: unlinkedBC{}},
			Subscriptions: map[models.Source]domain.SubscriptionAPI{
				models.SourceBC:      h.bcSubs,
				models.SourcePlanner: h.plSubs,
			},
			Deltas: map[models.Source]domain.DeltaSource{models.SourcePlanner: h.feed},
		}
	}
	svc, err := NewSyncService(cfg, h.store, h.vendors, nil)
	require.NoError(t, err)
	h.svc = svc
	return h
}

const plannerBody = `{"value":[{"subscriptionId":"gsub","clientState":"graph-state","changeType":"updated","resource":"planner/tasks('AbC-123')"}]}`

func TestHandleWebhookValidationToken(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	res, err := h.svc.HandleWebhook(context.Background(), "planner", http.Header{}, url.Values{"validationToken": {"abc123"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.ValidationToken)
	assert.Zero(t, res.Received)

	depth, err := h.store.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestHandleWebhookEnqueuesAndDedups(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	res, err := h.svc.HandleWebhook(ctx, "planner", http.Header{}, url.Values{}, []byte(plannerBody))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Enqueued)

	res, err = h.svc.HandleWebhook(ctx, "planner", http.Header{}, url.Values{}, []byte(plannerBody))
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.Equal(t, 1, res.Deduped)

	depth, err := h.store.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestHandleWebhookRejects(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	wrong := http.Header{}
	wrong.Set("x-premium-secret", "nope")
	_, err := h.svc.HandleWebhook(ctx, "premium", wrong, url.Values{}, []byte(`{"MessageName":"Update","PrimaryEntityId":"x"}`))
	assert.ErrorIs(t, err, webhook.ErrUnauthorized)

	_, err = h.svc.HandleWebhook(ctx, "planner", http.Header{}, url.Values{}, []byte(`{not json`))
	assert.ErrorIs(t, err, webhook.ErrMalformedPayload)

	_, err = h.svc.HandleWebhook(ctx, "salesforce", http.Header{}, url.Values{}, []byte(`{}`))
	assert.ErrorIs(t, err, webhook.ErrUnknownVendor)
}

func TestProcessQueueBuildsClientsPerCall(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.svc.HandleWebhook(ctx, "planner", http.Header{}, url.Values{}, []byte(plannerBody))
	require.NoError(t, err)

	res, err := h.svc.ProcessQueue(ctx, QueueOptions{RequestID: "req-42"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.RequestID)
	assert.Equal(t, 1, res.Drained)
	require.Len(t, res.Results, 1)
	assert.Equal(t, models.ReasonNotLinked, res.Results[0].Reason)

	_, err = h.svc.ProcessQueue(ctx, QueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, h.builds)
}

func TestProcessQueueLockedLeavesQueue(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.svc.HandleWebhook(ctx, "planner", http.Header{}, url.Values{}, []byte(plannerBody))
	require.NoError(t, err)
	token, err := h.store.AcquireLock(ctx, models.QueueLockKey, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	res, err := h.svc.ProcessQueue(ctx, QueueOptions{})
	require.NoError(t, err)
	assert.True(t, res.Locked)

	depth, err := h.store.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestPollEnqueuesAndAdvancesCursor(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()
	h.feed.items = []models.ChangeEvent{
		{Source: models.SourcePlanner, EntitySet: "tasks", EntityID: "t1", ChangeType: models.ChangeUpdated},
		{Source: models.SourcePlanner, EntitySet: "tasks", EntityID: "t2", ChangeType: models.ChangeUpdated},
	}

	sum, err := h.svc.Poll(ctx, "planner", PollOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Items)
	assert.Equal(t, 2, sum.Enqueued)
	assert.Equal(t, "delta-1", sum.Cursor)
	assert.Nil(t, sum.Process)

	_, err = h.svc.Poll(ctx, "bc", PollOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestPollProcessesInPollingMode(t *testing.T) {
	cfg := testConfig()
	cfg.Delta.Mode = "polling"
	h := newServiceHarness(t, cfg)
	h.feed.items = []models.ChangeEvent{{Source: models.SourcePlanner, EntitySet: "tasks", EntityID: "t1", ChangeType: models.ChangeUpdated}}

	sum, err := h.svc.Poll(context.Background(), "planner", PollOptions{})
	require.NoError(t, err)
	require.NotNil(t, sum.Process)
	assert.Equal(t, 1, sum.Process.Drained)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()

	report, err := h.svc.EnsureSubscriptions(ctx, SubscriptionOptions{})
	require.NoError(t, err)
	require.Len(t, report.Created, 2)
	assert.Empty(t, report.Failed)

	subs, err := h.svc.ListSubscriptions(ctx, "")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, s := range subs {
		assert.Contains(t, s.NotificationURL, "https://hooks.example.com/api/webhooks/")
	}

	// A second run finds both active and creates nothing.
	report, err = h.svc.EnsureSubscriptions(ctx, SubscriptionOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Created)
	assert.Len(t, report.Skipped, 2)

	renewed, err := h.svc.RenewSubscriptions(ctx, SubscriptionOptions{Source: "planner", BufferHours: 100})
	require.NoError(t, err)
	assert.Len(t, renewed.Renewed, 1)

	deleted, err := h.svc.DeleteSubscriptions(ctx, SubscriptionOptions{})
	require.NoError(t, err)
	assert.Len(t, deleted.Deleted, 2)

	subs, err = h.svc.ListSubscriptions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPurgeOrigins(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.svc.origins.Record(ctx, models.SourceBC, "old", models.SourcePlanner, time.Now().Add(-48*time.Hour)))
	require.NoError(t, h.svc.origins.Record(ctx, models.SourceBC, "new", models.SourcePlanner, time.Now()))

	n, err := h.svc.PurgeOrigins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHealth(t *testing.T) {
	h := newServiceHarness(t, testConfig())
	mode, err := h.svc.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "primary", mode)
}
