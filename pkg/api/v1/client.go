package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("api error %d: %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a running controller.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.get(ctx, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Runners(ctx context.Context, repository string) (*RunnersResponse, error) {
	path, err := repositoryPath(repository, "runners")
	if err != nil {
		return nil, err
	}
	var out RunnersResponse
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decisions returns up to limit recent decisions; limit <= 0 uses the
// server default.
func (c *Client) Decisions(ctx context.Context, repository string, limit int) (*DecisionsResponse, error) {
	path, err := repositoryPath(repository, "decisions")
	if err != nil {
		return nil, err
	}
	var out DecisionsResponse
	if err := c.get(ctx, path, limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Forecast(ctx context.Context, repository string) (*ForecastResponse, error) {
	path, err := repositoryPath(repository, "forecast")
	if err != nil {
		return nil, err
	}
	var out ForecastResponse
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns recent events, newest first. An empty repository returns
// events for every repository.
func (c *Client) Events(ctx context.Context, repository string, limit int) (*EventsResponse, error) {
	q := limitQuery(limit)
	if repository != "" {
		q.Set("repository", repository)
	}
	var out EventsResponse
	if err := c.get(ctx, "/api/v1/events", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WarmPool(ctx context.Context) (*WarmPoolResponse, error) {
	var out WarmPoolResponse
	if err := c.get(ctx, "/api/v1/warmpool", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var body ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != "" {
			apiErr.Message = body.Error
			apiErr.Details = body.Details
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func repositoryPath(repository, resource string) (string, error) {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("repository %q is not owner/name", repository)
	}
	return "/api/v1/repositories/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/" + resource, nil
}

func limitQuery(limit int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}
