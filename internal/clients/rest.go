package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"syncbridge/internal/config"
	"syncbridge/internal/domain"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx vendor response. It matches the domain sentinels with errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	text := strings.ToLower(e.Code + " " + e.Message)
	switch target {
	case domain.ErrNotFound, domain.ErrSubscriptionNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrPreconditionFailed:
		return e.Status == http.StatusPreconditionFailed
	case domain.ErrSubscriptionExists:
		return e.Status == http.StatusConflict || strings.Contains(text, "already exist")
	case domain.ErrRenewalNotAllowed:
		return (e.Status == http.StatusBadRequest || e.Status == http.StatusForbidden) && strings.Contains(text, "renew")
	}
	return false
}

// restClient is the shared JSON-over-HTTP plumbing of the vendor clients.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	headers    map[string]string
}

// newRESTClient authenticates with client credentials when oauth is configured.
func newRESTClient(ctx context.Context, baseURL string, oauth config.OAuthConfig, rps float64) *restClient {
	httpClient := &http.Client{Timeout: defaultTimeout}
	if oauth.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     oauth.ClientID,
			ClientSecret: oauth.ClientSecret,
			TokenURL:     tokenURL(oauth),
		}
		if oauth.Scope != "" {
			cc.Scopes = []string{oauth.Scope}
		}
		httpClient = cc.Client(ctx)
		httpClient.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	return &restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		headers:    map[string]string{"Accept": "application/json"},
	}
}

func tokenURL(oauth config.OAuthConfig) string {
	if oauth.TokenURL != "" {
		return oauth.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", oauth.TenantID)
}

// url joins path onto the base URL unless it already is absolute (e.g. an @odata.nextLink).
func (c *restClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (c *restClient) doGet(ctx context.Context, path string, out any) (http.Header, error) {
	return c.do(ctx, http.MethodGet, path, nil, nil, out)
}

func (c *restClient) doPost(ctx context.Context, path string, body, out any) (http.Header, error) {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// doPatch sends If-Match when etag is set and asks for the updated representation back.
func (c *restClient) doPatch(ctx context.Context, path, etag string, body, out any) (http.Header, error) {
	headers := map[string]string{"Prefer": "return=representation"}
	if etag != "" {
		headers["If-Match"] = etag
	}
	return c.do(ctx, http.MethodPatch, path, headers, body, out)
}

func (c *restClient) doDelete(ctx context.Context, path, etag string) error {
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-Match": etag}
	}
	_, err := c.do(ctx, http.MethodDelete, path, headers, nil, nil)
	return err
}

func (c *restClient) do(ctx context.Context, method, path string, headers map[string]string, body, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.Header, decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.Header, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.Header, nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}

	var odata struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &odata) == nil && (odata.Error.Code != "" || odata.Error.Message != "") {
		apiErr.Code = odata.Error.Code
		apiErr.Message = odata.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// etagOf prefers the @odata.etag of the body over the ETag header.
func etagOf(bodyETag string, headers http.Header) string {
	if bodyETag != "" {
		return bodyETag
	}
	if headers != nil {
		return headers.Get("ETag")
	}
	return ""
}

// parseDate accepts RFC3339 timestamps and bare dates; vendor "no date" values map to nil.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "0001-01-01") {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}

func formatDateTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
