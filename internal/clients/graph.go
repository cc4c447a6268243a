package clients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/models"
)

// GraphClient covers Planner tasks, Graph change-notification subscriptions and the Planner delta feed.
type GraphClient struct {
	rest     *restClient
	deltaURL string
	now      func() time.Time
}

func NewGraphClient(ctx context.Context, cfg config.GraphConfig) *GraphClient {
	oauth := cfg.OAuth
	if oauth.Scope == "" {
		oauth.Scope = "https://graph.microsoft.com/.default"
	}
	return &GraphClient{
		rest:     newRESTClient(ctx, cfg.BaseURL, oauth, cfg.RateLimitRPS),
		deltaURL: cfg.DeltaURL,
		now:      time.Now,
	}
}

type plannerTaskDTO struct {
	ETag            string  `json:"@odata.etag,omitempty"`
	ID              string  `json:"id,omitempty"`
	PlanID          string  `json:"planId,omitempty"`
	Title           string  `json:"title"`
	PercentComplete float64 `json:"percentComplete"`
	StartDateTime   *string `json:"startDateTime"`
	DueDateTime     *string `json:"dueDateTime"`
	Removed         *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

func (d plannerTaskDTO) toModel() *models.PlannerTask {
	t := &models.PlannerTask{
		ID:     d.ID,
		ETag:   d.ETag,
		PlanID: d.PlanID,
		Fields: models.TaskFields{
			Title:           d.Title,
			PercentComplete: models.ClampPercent(d.PercentComplete),
		},
	}
	if d.StartDateTime != nil {
		t.Fields.StartDate = parseDate(*d.StartDateTime)
	}
	if d.DueDateTime != nil {
		t.Fields.DueDate = parseDate(*d.DueDateTime)
	}
	return t
}

func plannerBody(fields models.TaskFields) map[string]any {
	return map[string]any{
		"title":           fields.Title,
		"percentComplete": models.PlannerPercent(fields.PercentComplete),
		"startDateTime":   formatDateTime(fields.StartDate),
		"dueDateTime":     formatDateTime(fields.DueDate),
	}
}

func (c *GraphClient) GetTask(ctx context.Context, id string) (*models.PlannerTask, error) {
	var dto plannerTaskDTO
	headers, err := c.rest.doGet(ctx, "planner/tasks/"+id, &dto)
	if err != nil {
		return nil, fmt.Errorf("get planner task %s: %w", id, err)
	}
	dto.ETag = etagOf(dto.ETag, headers)
	return dto.toModel(), nil
}

func (c *GraphClient) CreateTask(ctx context.Context, planID string, fields models.TaskFields) (*models.PlannerTask, error) {
	body := plannerBody(fields)
	body["planId"] = planID
	var dto plannerTaskDTO
	headers, err := c.rest.doPost(ctx, "planner/tasks", body, &dto)
	if err != nil {
		return nil, fmt.Errorf("create planner task in plan %s: %w", planID, err)
	}
	dto.ETag = etagOf(dto.ETag, headers)
	return dto.toModel(), nil
}

// UpdateTask requires the current etag; Planner rejects unconditional writes.
func (c *GraphClient) UpdateTask(ctx context.Context, id, etag string, fields models.TaskFields) (string, error) {
	var dto plannerTaskDTO
	headers, err := c.rest.doPatch(ctx, "planner/tasks/"+id, etag, plannerBody(fields), &dto)
	if err != nil {
		return "", fmt.Errorf("update planner task %s: %w", id, err)
	}
	return etagOf(dto.ETag, headers), nil
}

type graphSubscriptionDTO struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (d graphSubscriptionDTO) toModel() models.Subscription {
	sub := models.Subscription{
		ID:              d.ID,
		Source:          models.SourcePlanner,
		Resource:        d.Resource,
		NotificationURL: d.NotificationURL,
		ClientState:     d.ClientState,
		ChangeType:      d.ChangeType,
	}
	if ts := parseDate(d.ExpirationDateTime); ts != nil {
		sub.ExpirationDateTime = *ts
	}
	return sub
}

func (c *GraphClient) CreateSubscription(ctx context.Context, sub models.Subscription) (*models.Subscription, error) {
	changeType := sub.ChangeType
	if changeType == "" {
		changeType = "created,updated,deleted"
	}
	body := graphSubscriptionDTO{
		ChangeType:         changeType,
		NotificationURL:    sub.NotificationURL,
		Resource:           sub.Resource,
		ExpirationDateTime: sub.ExpirationDateTime.UTC().Format(time.RFC3339),
		ClientState:        sub.ClientState,
	}
	var dto graphSubscriptionDTO
	if _, err := c.rest.doPost(ctx, "subscriptions", body, &dto); err != nil {
		return nil, fmt.Errorf("create graph subscription: %w", err)
	}
	out := dto.toModel()
	out.CreatedAt = c.now().UTC()
	return &out, nil
}

func (c *GraphClient) RenewSubscription(ctx context.Context, sub models.Subscription, expiresAt time.Time) (*models.Subscription, error) {
	body := graphSubscriptionDTO{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}
	var dto graphSubscriptionDTO
	if _, err := c.rest.doPatch(ctx, "subscriptions/"+sub.ID, "", body, &dto); err != nil {
		return nil, fmt.Errorf("renew graph subscription %s: %w", sub.ID, err)
	}
	out := dto.toModel()
	if out.ID == "" {
		out = sub
		out.ExpirationDateTime = expiresAt
	}
	if out.ExpirationDateTime.IsZero() {
		out.ExpirationDateTime = expiresAt
	}
	out.CreatedAt = sub.CreatedAt
	return &out, nil
}

func (c *GraphClient) DeleteSubscription(ctx context.Context, sub models.Subscription) error {
	if err := c.rest.doDelete(ctx, "subscriptions/"+sub.ID, ""); err != nil {
		return fmt.Errorf("delete graph subscription %s: %w", sub.ID, err)
	}
	return nil
}

// ListSubscriptions follows @odata.nextLink until the listing is complete.
func (c *GraphClient) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var out []models.Subscription
	path := "subscriptions"
	for path != "" {
		var page struct {
			Value    []graphSubscriptionDTO `json:"value"`
			NextLink string                 `json:"@odata.nextLink"`
		}
		if _, err := c.rest.doGet(ctx, path, &page); err != nil {
			return nil, fmt.Errorf("list graph subscriptions: %w", err)
		}
		for _, dto := range page.Value {
			out = append(out, dto.toModel())
		}
		path = page.NextLink
	}
	return out, nil
}

// FetchPage reads one page of the Planner delta feed; "" starts from the configured delta URL.
func (c *GraphClient) FetchPage(ctx context.Context, link string) (models.DeltaPage, error) {
	if link == "" {
		link = c.deltaURL
		if link == "" {
			link = "me/planner/all/delta"
		}
	}

	var page struct {
		Value []struct {
			plannerTaskDTO
			ODataType string `json:"@odata.type"`
		} `json:"value"`
		NextLink  string `json:"@odata.nextLink"`
		DeltaLink string `json:"@odata.deltaLink"`
	}
	if _, err := c.rest.doGet(ctx, link, &page); err != nil {
		return models.DeltaPage{}, fmt.Errorf("planner delta page: %w", err)
	}

	out := models.DeltaPage{NextLink: page.NextLink, DeltaLink: page.DeltaLink}
	now := c.now().UTC()
	for _, item := range page.Value {
		if item.ID == "" {
			continue
		}
		if item.ODataType != "" && !strings.Contains(strings.ToLower(item.ODataType), "plannertask") {
			continue
		}
		changeType := models.ChangeUpdated
		if item.Removed != nil {
			changeType = models.ChangeDeleted
		}
		out.Items = append(out.Items, models.ChangeEvent{
			Source:     models.SourcePlanner,
			EntitySet:  "tasks",
			EntityID:   item.ID,
			ChangeType: changeType,
			ReceivedAt: now,
		})
	}
	return out, nil
}

var (
	_ domain.PlannerTasks    = (*GraphClient)(nil)
	_ domain.SubscriptionAPI = (*GraphClient)(nil)
	_ domain.DeltaSource     = (*GraphClient)(nil)
)
