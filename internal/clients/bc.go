package clients

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/models"
)

// BCClient talks to the Business Central API pages exposing project tasks and webhook subscriptions.
type BCClient struct {
	rest      *restClient
	companyID string
	entitySet string
	now       func() time.Time
}

func NewBCClient(ctx context.Context, cfg config.BCConfig) *BCClient {
	return &BCClient{
		rest:      newRESTClient(ctx, cfg.BaseURL, cfg.OAuth, cfg.RateLimitRPS),
		companyID: cfg.CompanyID,
		entitySet: cfg.EntitySet,
		now:       time.Now,
	}
}

type bcTaskDTO struct {
	ETag                 string  `json:"@odata.etag,omitempty"`
	SystemID             string  `json:"systemId"`
	ProjectNo            string  `json:"projectNo"`
	TaskNo               string  `json:"taskNo"`
	Description          string  `json:"description"`
	PercentComplete      float64 `json:"percentComplete"`
	StartDate            string  `json:"startDate"`
	EndDate              string  `json:"endDate"`
	PlannerTaskID        string  `json:"plannerTaskId"`
	PlannerPlanID        string  `json:"plannerPlanId"`
	PremiumID            string  `json:"premiumId"`
	SyncLock             bool    `json:"syncLock"`
	LastPlannerEtag      string  `json:"lastPlannerEtag"`
	LastSyncAt           string  `json:"lastSyncAt"`
	LastModifiedDateTime string  `json:"lastModifiedDateTime"`
}

func (d bcTaskDTO) toModel() *models.BCTask {
	t := &models.BCTask{
		SystemID:  d.SystemID,
		ETag:      d.ETag,
		ProjectNo: d.ProjectNo,
		TaskNo:    d.TaskNo,
		Fields: models.TaskFields{
			Title:           d.Description,
			PercentComplete: models.ClampPercent(d.PercentComplete),
			StartDate:       parseDate(d.StartDate),
			DueDate:         parseDate(d.EndDate),
		},
		PlannerTaskID:   d.PlannerTaskID,
		PlannerPlanID:   d.PlannerPlanID,
		PremiumID:       d.PremiumID,
		SyncLock:        d.SyncLock,
		LastPlannerEtag: d.LastPlannerEtag,
	}
	if ts := parseDate(d.LastSyncAt); ts != nil {
		t.LastSyncAt = *ts
	}
	if ts := parseDate(d.LastModifiedDateTime); ts != nil {
		t.LastModifiedAt = *ts
	}
	return t
}

func (c *BCClient) collection() string {
	if c.companyID == "" {
		return c.entitySet
	}
	return fmt.Sprintf("companies(%s)/%s", c.companyID, c.entitySet)
}

func (c *BCClient) entity(systemID string) string {
	return fmt.Sprintf("%s(%s)", c.collection(), systemID)
}

func (c *BCClient) GetTask(ctx context.Context, systemID string) (*models.BCTask, error) {
	var dto bcTaskDTO
	headers, err := c.rest.doGet(ctx, c.entity(systemID), &dto)
	if err != nil {
		return nil, fmt.Errorf("get bc task %s: %w", systemID, err)
	}
	dto.ETag = etagOf(dto.ETag, headers)
	return dto.toModel(), nil
}

func (c *BCClient) FindTaskByPlannerID(ctx context.Context, plannerTaskID string) (*models.BCTask, error) {
	return c.findOne(ctx, "plannerTaskId eq "+odataString(plannerTaskID))
}

func (c *BCClient) FindTaskByPremiumID(ctx context.Context, premiumID string) (*models.BCTask, error) {
	return c.findOne(ctx, "premiumId eq "+odataString(premiumID))
}

func (c *BCClient) findOne(ctx context.Context, filter string) (*models.BCTask, error) {
	q := url.Values{"$filter": {filter}, "$top": {"1"}}
	var page struct {
		Value []bcTaskDTO `json:"value"`
	}
	if _, err := c.rest.doGet(ctx, c.collection()+"?"+q.Encode(), &page); err != nil {
		return nil, fmt.Errorf("find bc task (%s): %w", filter, err)
	}
	if len(page.Value) == 0 {
		return nil, fmt.Errorf("find bc task (%s): %w", filter, domain.ErrNotFound)
	}
	return page.Value[0].toModel(), nil
}

func (c *BCClient) UpdateTaskFields(ctx context.Context, systemID, etag string, fields models.TaskFields) (string, error) {
	body := map[string]any{
		"description":     fields.Title,
		"percentComplete": fields.PercentComplete,
		"startDate":       formatDate(fields.StartDate),
		"endDate":         formatDate(fields.DueDate),
	}
	return c.patch(ctx, systemID, etag, body)
}

func (c *BCClient) SetSyncMarkers(ctx context.Context, systemID, etag string, markers models.SyncMarkers) (string, error) {
	body := map[string]any{"syncLock": markers.SyncLock}
	if markers.LastSyncAt != nil {
		body["lastSyncAt"] = markers.LastSyncAt.UTC().Format(time.RFC3339)
	}
	if markers.LastPlannerEtag != nil {
		body["lastPlannerEtag"] = *markers.LastPlannerEtag
	}
	if markers.PlannerTaskID != nil {
		body["plannerTaskId"] = *markers.PlannerTaskID
	}
	return c.patch(ctx, systemID, etag, body)
}

func (c *BCClient) patch(ctx context.Context, systemID, etag string, body map[string]any) (string, error) {
	var dto bcTaskDTO
	headers, err := c.rest.doPatch(ctx, c.entity(systemID), etag, body, &dto)
	if err != nil {
		return "", fmt.Errorf("patch bc task %s: %w", systemID, err)
	}
	return etagOf(dto.ETag, headers), nil
}

type bcSubscriptionDTO struct {
	ETag               string `json:"@odata.etag,omitempty"`
	SubscriptionID     string `json:"subscriptionId,omitempty"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	LastModified       string `json:"lastModifiedDateTime,omitempty"`
}

func (d bcSubscriptionDTO) toModel() models.Subscription {
	sub := models.Subscription{
		ID:              d.SubscriptionID,
		Source:          models.SourceBC,
		Resource:        d.Resource,
		NotificationURL: d.NotificationURL,
		ClientState:     d.ClientState,
		ETag:            d.ETag,
	}
	if ts := parseDate(d.ExpirationDateTime); ts != nil {
		sub.ExpirationDateTime = *ts
	}
	if ts := parseDate(d.LastModified); ts != nil {
		sub.CreatedAt = *ts
	}
	return sub
}

// CreateSubscription registers a webhook. BC picks the expiration (three days).
func (c *BCClient) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	body := bcSubscriptionDTO{NotificationURL: sub.NotificationURL, Resource: sub.Resource, ClientState: sub.ClientState}
	var dto bcSubscriptionDTO
	headers, err := c.rest.doPost(ctx, "subscriptions", body, &dto)
	if err != nil {
		return nil, fmt.Errorf("create bc subscription: %w", err)
	}
	dto.ETag = etagOf(dto.ETag, headers)
	out := dto.toModel()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = c.now().UTC()
	}
	return &out, nil
}

// RenewSubscription re-PATCHes the subscription, which resets its expiration; expiresAt is advisory.
func (c *BCClient) RenewSubscription(ctx context.Context, sub models.Subscription, expiresAt time.Time) (*models.Subscription, error) {
	body := bcSubscriptionDTO{NotificationURL: sub.NotificationURL, Resource: sub.Resource, ClientState: sub.ClientState}
	var dto bcSubscriptionDTO
	headers, err := c.rest.doPatch(ctx, subscriptionPath(sub.ID), sub.ETag, body, &dto)
	if err != nil {
		return nil, fmt.Errorf("renew bc subscription %s: %w", sub.ID, err)
	}
	dto.ETag = etagOf(dto.ETag, headers)
	out := dto.toModel()
	if out.ID == "" {
		out.ID = sub.ID
	}
	if out.ExpirationDateTime.IsZero() {
		out.ExpirationDateTime = expiresAt
	}
	out.CreatedAt = sub.CreatedAt
	return &out, nil
}

func (c *BCClient) DeleteSubscription(ctx context.Context, sub models.Subscription) error {
	if err := c.rest.doDelete(ctx, subscriptionPath(sub.ID), sub.ETag); err != nil {
		return fmt.Errorf("delete bc subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (c *BCClient) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var page struct {
		Value []bcSubscriptionDTO `json:"value"`
	}
	if _, err := c.rest.doGet(ctx, "subscriptions", &page); err != nil {
		return nil, fmt.Errorf("list bc subscriptions: %w", err)
	}
	out := make([]models.Subscription, 0, len(page.Value))
	for _, dto := range page.Value {
		out = append(out, dto.toModel())
	}
	return out, nil
}

func subscriptionPath(id string) string {
	return "subscriptions(" + odataString(id) + ")"
}

const bcCursorPrefix = "since:"

// FetchPage walks the modified-since feed. Cursors are "since:<RFC3339>" or a nextLink URL;
// "" lists everything.
func (c *BCClient) FetchPage(ctx context.Context, link string) (models.DeltaPage, error) {
	var since string
	path := link
	if link == "" || strings.HasPrefix(link, bcCursorPrefix) {
		q := url.Values{"$orderby": {"lastModifiedDateTime asc"}}
		if link != "" {
			since = strings.TrimPrefix(link, bcCursorPrefix)
			q.Set("$filter", "lastModifiedDateTime gt "+since)
		}
		path = c.collection() + "?" + q.Encode()
	}

	var page struct {
		Value    []bcTaskDTO `json:"value"`
		NextLink string      `json:"@odata.nextLink"`
	}
	if _, err := c.rest.doGet(ctx, path, &page); err != nil {
		return models.DeltaPage{}, fmt.Errorf("bc delta page: %w", err)
	}

	out := models.DeltaPage{NextLink: page.NextLink}
	now := c.now().UTC()
	newest, newestAt := since, parseDate(since)
	for _, dto := range page.Value {
		out.Items = append(out.Items, models.ChangeEvent{
			Source:     models.SourceBC,
			EntitySet:  c.entitySet,
			EntityID:   dto.SystemID,
			ChangeType: models.ChangeUpdated,
			ReceivedAt: now,
		})
		// Fractional precision varies between records, so compare instants, not strings.
		if at := parseDate(dto.LastModifiedDateTime); at != nil && (newestAt == nil || at.After(*newestAt)) {
			newest, newestAt = dto.LastModifiedDateTime, at
		}
	}
	if page.NextLink == "" && newest != "" {
		out.DeltaLink = bcCursorPrefix + newest
	}
	return out, nil
}

var (
	_ domain.BCTasks         = (*BCClient)(nil)
	_ domain.SubscriptionAPI = (*BCClient)(nil)
	_ domain.DeltaSource     = (*BCClient)(nil)
)
