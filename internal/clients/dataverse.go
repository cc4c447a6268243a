package clients

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"
	"syncbridge/internal/models"
)

// DataverseClient reads and writes the Premium task table. Column names come from config.
type DataverseClient struct {
	rest      *restClient
	entitySet string
	fields    config.PremiumMap
}

func NewDataverseClient(ctx context.Context, cfg config.PremiumConfig) *DataverseClient {
	oauth := cfg.OAuth
	if oauth.Scope == "" && cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			oauth.Scope = u.Scheme + "://" + u.Host + "/.default"
		}
	}
	rest := newRESTClient(ctx, cfg.BaseURL, oauth, cfg.RateLimitRPS)
	rest.headers["OData-MaxVersion"] = "4.0"
	rest.headers["OData-Version"] = "4.0"
	return &DataverseClient{rest: rest, entitySet: cfg.EntitySet, fields: cfg.Fields}
}

func (c *DataverseClient) entity(id string) string {
	return fmt.Sprintf("%s(%s)", c.entitySet, id)
}

func (c *DataverseClient) selectQuery() string {
	cols := []string{c.fields.ID, c.fields.Title, c.fields.PercentComplete, c.fields.StartDate, c.fields.DueDate, "modifiedon"}
	return "?" + url.Values{"$select": {strings.Join(cols, ",")}}.Encode()
}

func (c *DataverseClient) toModel(row map[string]any) *models.PremiumTask {
	t := &models.PremiumTask{
		ID:   stringField(row, c.fields.ID),
		ETag: stringField(row, "@odata.etag"),
		Fields: models.TaskFields{
			Title:     stringField(row, c.fields.Title),
			StartDate: parseDate(stringField(row, c.fields.StartDate)),
			DueDate:   parseDate(stringField(row, c.fields.DueDate)),
		},
	}
	if p, ok := row[c.fields.PercentComplete].(float64); ok {
		t.Fields.PercentComplete = models.ClampPercent(p)
	}
	if ts := parseDate(stringField(row, "modifiedon")); ts != nil {
		t.ModifiedOn = *ts
	}
	return t
}

func (c *DataverseClient) GetTask(ctx context.Context, id string) (*models.PremiumTask, error) {
	var row map[string]any
	headers, err := c.rest.doGet(ctx, c.entity(id)+c.selectQuery(), &row)
	if err != nil {
		return nil, fmt.Errorf("get premium task %s: %w", id, err)
	}
	t := c.toModel(row)
	t.ETag = etagOf(t.ETag, headers)
	if t.ID == "" {
		t.ID = id
	}
	return t, nil
}

func (c *DataverseClient) UpdateTask(ctx context.Context, id, etag string, fields models.TaskFields) (string, error) {
	body := map[string]any{
		c.fields.Title:           fields.Title,
		c.fields.PercentComplete: fields.PercentComplete,
		c.fields.StartDate:       formatDateTime(fields.StartDate),
		c.fields.DueDate:         formatDateTime(fields.DueDate),
	}
	var row map[string]any
	headers, err := c.rest.doPatch(ctx, c.entity(id)+c.selectQuery(), etag, body, &row)
	if err != nil {
		return "", fmt.Errorf("update premium task %s: %w", id, err)
	}
	return etagOf(stringField(row, "@odata.etag"), headers), nil
}

func stringField(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

var _ domain.PremiumTasks = (*DataverseClient)(nil)
