package remote

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

	"boardline/internal/domain"
	"boardline/internal/filter"
)

// DefaultTimeout caps each request when New is given no timeout.
const DefaultTimeout = 30 * time.Second

// Client is a DataStore over the Boardline HTTP API. It is safe for
// concurrent use; set fields before the first request.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
}

var _ DataStore = (*Client)(nil)

// New creates a client whose requests each give up after timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL:    baseURL,
		BasePath:   "/v0",
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx responses. It unwraps to a *domain.Error so callers
// can match kinds with errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	kind       domain.Kind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return &domain.Error{Kind: e.kind, Message: e.Message}
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Collection string         `json:"collection"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIKey describes a key. Key is only set in the response that minted it.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Key       string `json:"key"`
	Owner     string `json:"owner_id"`
	TenantID  string `json:"tenant_id"`
	CreatedAt string `json:"created_at"`
}

func (c *Client) Select(ctx context.Context, collection string, p domain.Principal, q filter.Query) ([]domain.Entity, int, error) {
	endpoint := url.PathEscape(collection)
	if v := q.Values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp Page
	if err := c.do(ctx, p, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Items, resp.Total, nil
}

func (c *Client) Get(ctx context.Context, collection string, p domain.Principal, id string) (domain.Entity, error) {
	var resp domain.Entity
	err := c.do(ctx, p, http.MethodGet, rowPath(collection, id), nil, &resp)
	return resp, err
}

func (c *Client) Insert(ctx context.Context, collection string, p domain.Principal, e domain.Entity) (domain.Entity, error) {
	body := NewEntity{Status: e.GroupKey, TenantID: e.TenantID, Fields: e.Fields}
	var resp domain.Entity
	err := c.do(ctx, p, http.MethodPost, url.PathEscape(collection), body, &resp)
	return resp, err
}

func (c *Client) Update(ctx context.Context, collection string, p domain.Principal, id string, patch domain.Patch) (domain.Entity, error) {
	var resp domain.Entity
	err := c.do(ctx, p, http.MethodPatch, rowPath(collection, id), patch, &resp)
	return resp, err
}

func (c *Client) Delete(ctx context.Context, collection string, p domain.Principal, id string) error {
	return c.do(ctx, p, http.MethodDelete, rowPath(collection, id), nil, nil)
}

// EventsPage returns a page of the audit log visible to p.
func (c *Client) EventsPage(ctx context.Context, p domain.Principal, limit int, cursor string) (PaginatedEvents, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, p, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin asks a server running with dev auth for a signed token.
func (c *Client) DevLogin(ctx context.Context, ownerID, tenantID string) (string, error) {
	body := map[string]string{"owner_id": ownerID, "tenant_id": tenantID}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, domain.Principal{}, http.MethodPost, "auth/dev/login", body, &resp)
	return resp.AccessToken, err
}

// CreateAPIKey mints an API key for p.
func (c *Client) CreateAPIKey(ctx context.Context, p domain.Principal, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, p, http.MethodPost, "auth/api-keys", map[string]string{"name": name}, &resp)
	return resp, err
}

// ListAPIKeys returns p's keys without their plaintext values.
func (c *Client) ListAPIKeys(ctx context.Context, p domain.Principal) ([]APIKey, error) {
	var resp []APIKey
	err := c.do(ctx, p, http.MethodGet, "auth/api-keys", nil, &resp)
	return resp, err
}

// RevokeAPIKey deletes one of p's keys.
func (c *Client) RevokeAPIKey(ctx context.Context, p domain.Principal, id string) error {
	return c.do(ctx, p, http.MethodDelete, "auth/api-keys/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, p domain.Principal, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case p.Token != "":
		req.Header.Set("Authorization", "Bearer "+p.Token)
	case p.APIKey != "":
		req.Header.Set("X-Api-Key", p.APIKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return domain.AsRemote(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.Wrap(domain.KindRemoteUnavailable, err, "decode response")
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}

func rowPath(collection, id string) string {
	return url.PathEscape(collection) + "/" + url.PathEscape(id)
}

func decodeError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	e := &APIError{StatusCode: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	e.kind = kindFor(status, e.Code)
	return e
}

func kindFor(status int, code string) domain.Kind {
	switch k := domain.Kind(code); k {
	case domain.KindNotAuthenticated, domain.KindPermissionDenied, domain.KindValidation,
		domain.KindRemoteUnavailable, domain.KindNotFound:
		return k
	}
	switch status {
	case http.StatusUnauthorized:
		return domain.KindNotAuthenticated
	case http.StatusForbidden:
		return domain.KindPermissionDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.KindValidation
	case http.StatusNotFound:
		return domain.KindNotFound
	default:
		return domain.KindRemoteUnavailable
	}
}
