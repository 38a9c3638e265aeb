package sitelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Siteline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Site represents the API site model (partial; stage payloads come back
// as raw JSON for callers that need them).
type Site struct {
	ID          string          `json:"id"`
	SiteID      string          `json:"site_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	StatusLabel string          `json:"status_label"`
	VisitDate   *string         `json:"visit_date,omitempty"`
	Checklist   json.RawMessage `json:"checklist,omitempty"`
	Decision    json.RawMessage `json:"decision,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// Photo represents a stored capture.
type Photo struct {
	ID        string `json:"id"`
	SiteID    string `json:"site_id"`
	Category  string `json:"category"`
	ImageData string `json:"image_data"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SiteSnapshot is one full-replace emission from the site feed.
type SiteSnapshot struct {
	Cursor int64  `json:"cursor"`
	Sites  []Site `json:"sites"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSites wraps list responses with cursors.
type PaginatedSites struct {
	Items      []Site `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateSite registers a new lead.
func (c *Client) CreateSite(ctx context.Context, name string) (Site, error) {
	body := map[string]any{"name": name}
	var resp Site
	err := c.do(ctx, http.MethodPost, "v0/sites", body, &resp)
	return resp, err
}

// GetSite fetches a site by id.
func (c *Client) GetSite(ctx context.Context, id string) (Site, error) {
	var resp Site
	err := c.do(ctx, http.MethodGet, "v0/sites/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListSites returns one page of sites.
func (c *Client) ListSites(ctx context.Context, status string, limit int, cursor string) (PaginatedSites, error) {
	endpoint := "v0/sites"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedSites
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies one lifecycle action. Payload holds the request
// body fields beyond action and role, e.g. "visit_date" or "decision".
func (c *Client) Transition(ctx context.Context, siteID, action, role string, payload map[string]any) (Site, error) {
	body := map[string]any{"action": action}
	if role != "" {
		body["role"] = role
	}
	for k, v := range payload {
		body[k] = v
	}
	var resp Site
	err := c.do(ctx, http.MethodPost, "v0/sites/"+url.PathEscape(siteID)+"/transitions", body, &resp)
	return resp, err
}

// AddPhoto registers a captured photo.
func (c *Client) AddPhoto(ctx context.Context, siteID, category, imageData string) (Photo, error) {
	body := map[string]any{"category": category, "image_data": imageData}
	var resp Photo
	err := c.do(ctx, http.MethodPost, "v0/sites/"+url.PathEscape(siteID)+"/photos", body, &resp)
	return resp, err
}

// ListPhotos returns photos for a site.
func (c *Client) ListPhotos(ctx context.Context, siteID string) ([]Photo, error) {
	var resp []Photo
	err := c.do(ctx, http.MethodGet, "v0/sites/"+url.PathEscape(siteID)+"/photos", nil, &resp)
	return resp, err
}

// FieldReport returns the shareable survey summary.
func (c *Client) FieldReport(ctx context.Context, siteID string) (string, error) {
	var resp struct {
		Report string `json:"report"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sites/"+url.PathEscape(siteID)+"/reports/field", nil, &resp)
	return resp.Report, err
}

// DecisionReport returns the decision announcement block.
func (c *Client) DecisionReport(ctx context.Context, siteID string) (string, error) {
	var resp struct {
		Report string `json:"report"`
	}
	err := c.do(ctx, http.MethodGet, "v0/sites/"+url.PathEscape(siteID)+"/reports/decision", nil, &resp)
	return resp.Report, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SyncSites long-polls the site snapshot feed. It returns as soon as the
// feed passes the cursor, or with the current snapshot when waitSeconds
// expires. Each result is a full replacement of local state.
func (c *Client) SyncSites(ctx context.Context, cursor int64, waitSeconds int) (SiteSnapshot, error) {
	endpoint := fmt.Sprintf("v0/sync/sites?cursor=%d", cursor)
	if waitSeconds > 0 {
		endpoint = fmt.Sprintf("%s&wait_seconds=%d", endpoint, waitSeconds)
	}
	var resp SiteSnapshot
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteSite removes a site using the out-of-band admin code.
func (c *Client) DeleteSite(ctx context.Context, siteID, adminCode string) error {
	return c.doWithHeaders(ctx, http.MethodDelete, "v0/sites/"+url.PathEscape(siteID), nil, nil, map[string]string{
		"X-Admin-Code": adminCode,
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.doWithHeaders(ctx, method, endpoint, body, out, nil)
}

func (c *Client) doWithHeaders(ctx context.Context, method, endpoint string, body any, out any, headers map[string]string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
