package civicdesksdk

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

// Client is a minimal CivicDesk HTTP API client.
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

// Address is a street address.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
}

// Location pairs coordinates with an address.
type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Address   Address `json:"address"`
}

// StatusHistoryEntry is one step of the audit trail.
type StatusHistoryEntry struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by"`
	Comment   string `json:"comment"`
	Timestamp string `json:"timestamp"`
}

// Comment is one entry in a request's discussion thread.
type Comment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	AuthorID  string `json:"author_id"`
	CreatedAt string `json:"created_at"`
}

// Attachment references a stored file.
type Attachment struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	StorageRef   string `json:"storage_ref"`
	MimeType     string `json:"mime_type,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	UploadedAt   string `json:"uploaded_at"`
}

// ServiceRequest is the full request aggregate as returned by the API.
type ServiceRequest struct {
	ID                   string               `json:"id"`
	Title                string               `json:"title"`
	Description          string               `json:"description"`
	Category             string               `json:"category"`
	Status               string               `json:"status"`
	Priority             string               `json:"priority"`
	Location             Location             `json:"location"`
	CitizenID            string               `json:"citizen_id"`
	AssignedDepartment   *string              `json:"assigned_department,omitempty"`
	StatusComment        string               `json:"status_comment,omitempty"`
	StatusHistory        []StatusHistoryEntry `json:"status_history"`
	Comments             []Comment            `json:"comments"`
	Attachments          []Attachment         `json:"attachments"`
	ActualCompletionDate *string              `json:"actual_completion_date,omitempty"`
	CreatedAt            string               `json:"created_at"`
	UpdatedAt            string               `json:"updated_at"`
	Version              int64                `json:"version"`
}

// Event is a log entry from the event feed.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

// CreateRequestInput is the payload for filing a request.
type CreateRequestInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    *string  `json:"priority,omitempty"`
	Longitude   *float64 `json:"-"`
	Latitude    *float64 `json:"-"`
	Address     Address  `json:"-"`
}

// ListOptions filter a request listing.
type ListOptions struct {
	Status        string
	Category      string
	Department    string
	CitizenID     string
	Limit         int
	Cursor        string
	NearLongitude *float64
	NearLatitude  *float64
	RadiusMeters  float64
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []ServiceRequest `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateRequest files a new service request.
func (c *Client) CreateRequest(ctx context.Context, in CreateRequestInput) (ServiceRequest, error) {
	location := map[string]any{
		"address": in.Address,
	}
	if in.Longitude != nil {
		location["longitude"] = *in.Longitude
	}
	if in.Latitude != nil {
		location["latitude"] = *in.Latitude
	}
	body := map[string]any{
		"title":       in.Title,
		"description": in.Description,
		"category":    in.Category,
		"location":    location,
	}
	if in.Priority != nil {
		body["priority"] = *in.Priority
	}
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPost, "v1/requests", body, &resp)
	return resp, err
}

// GetRequest fetches a request aggregate by id.
func (c *Client) GetRequest(ctx context.Context, id string) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodGet, "v1/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests returns a page of requests matching the options.
func (c *Client) ListRequests(ctx context.Context, opts ListOptions) (PaginatedRequests, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Department != "" {
		q.Set("department", opts.Department)
	}
	if opts.CitizenID != "" {
		q.Set("citizen_id", opts.CitizenID)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.NearLongitude != nil && opts.NearLatitude != nil {
		q.Set("near", "true")
		q.Set("near_longitude", fmt.Sprintf("%g", *opts.NearLongitude))
		q.Set("near_latitude", fmt.Sprintf("%g", *opts.NearLatitude))
		if opts.RadiusMeters > 0 {
			q.Set("radius_meters", fmt.Sprintf("%g", opts.RadiusMeters))
		}
	}
	endpoint := "v1/requests"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a request to a new status.
func (c *Client) Transition(ctx context.Context, id, status, comment string) (ServiceRequest, error) {
	body := map[string]any{"status": status}
	if comment != "" {
		body["comment"] = comment
	}
	var resp ServiceRequest
	endpoint := fmt.Sprintf("v1/requests/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddComment appends to the request thread.
func (c *Client) AddComment(ctx context.Context, id, text string) (ServiceRequest, error) {
	var resp ServiceRequest
	endpoint := fmt.Sprintf("v1/requests/%s/comments", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": text}, &resp)
	return resp, err
}

// AddAttachment records a stored file against a request. Data, when non-empty,
// is base64-encoded content the server stores itself.
func (c *Client) AddAttachment(ctx context.Context, id, kind, storageRef, mimeType, data string) (ServiceRequest, error) {
	body := map[string]any{"kind": kind}
	if storageRef != "" {
		body["storage_ref"] = storageRef
	}
	if mimeType != "" {
		body["mime_type"] = mimeType
	}
	if data != "" {
		body["data"] = data
	}
	var resp ServiceRequest
	endpoint := fmt.Sprintf("v1/requests/%s/attachments", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AssignDepartment routes a request to a department.
func (c *Client) AssignDepartment(ctx context.Context, id, department string) (ServiceRequest, error) {
	var resp ServiceRequest
	endpoint := fmt.Sprintf("v1/requests/%s/assign", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"department": department}, &resp)
	return resp, err
}

// History returns the status trail of a request.
func (c *Client) History(ctx context.Context, id string) ([]StatusHistoryEntry, error) {
	var resp []StatusHistoryEntry
	endpoint := fmt.Sprintf("v1/requests/%s/history", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
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

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
