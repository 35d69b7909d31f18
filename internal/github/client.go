package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"k8s.io/utils/clock"

	"github.com/HueCodes/zeno/internal/retry"
)

const (
	DefaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
	perPage        = 100
)

// Runner is a self-hosted runner as the work queue sees it.
type Runner struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	OS     string   `json:"os"`
	Status string   `json:"status"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"-"`
}

// Online reports whether the runner is connected and can take jobs.
func (r Runner) Online() bool {
	return r.Status == "online"
}

// RegistrationToken is a short lived credential a new runner registers with.
type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// JobCounts is the demand sample of one repository.
type JobCounts struct {
	Queued  int
	Running int
}

// RateLimitInfo is the last rate limit state reported by the API.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// rate limit headers of the response, used for retry hints
	retryAfter time.Duration
	exhausted  bool
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("github api: status %d: %s", e.StatusCode, e.Message)
}

// RetryAfter returns the wait the server asked for, zero if none.
func (e *APIError) RetryAfter() time.Duration {
	return e.retryAfter
}

// RateLimited reports whether the response was a primary or secondary rate
// limit.
func (e *APIError) RateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode != http.StatusForbidden {
		return false
	}
	return e.exhausted || e.retryAfter > 0 || strings.Contains(strings.ToLower(e.Message), "rate limit")
}

// IsTransient classifies errors worth retrying: rate limits, 5xx responses
// and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited() || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}

// Client talks to the GitHub Actions REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	backoff    retry.Backoff
	clock      clock.Clock
	logger     *slog.Logger
	observe    RequestObserver

	mu        sync.RWMutex
	rateLimit RateLimitInfo
}

// Option configures a Client.
type Option func(*Client)

// RequestObserver is told about every HTTP round trip. Status is 0 when the
// request never got a response.
type RequestObserver func(endpoint string, status int, elapsed time.Duration)

// WithObserver reports each request, typically to metrics.
func WithObserver(fn RequestObserver) Option {
	return func(c *Client) { c.observe = fn }
}

// WithBaseURL points the client at GitHub Enterprise Server or a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTimeout bounds every single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithBackoff(b retry.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    retry.DefaultBackoff(),
		clock:      clock.RealClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "github")
	return c
}

// ListRunners returns every self-hosted runner registered to repo.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]Runner, error) {
	var all []Runner
	for page := 1; ; page++ {
		var body struct {
			TotalCount int `json:"total_count"`
			Runners    []struct {
				Runner
				Labels []struct {
					Name string `json:"name"`
				} `json:"labels"`
			} `json:"runners"`
		}
		path := fmt.Sprintf("/repos/%s/actions/runners?per_page=%d&page=%d", repo, perPage, page)
		if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &body); err != nil {
			return nil, fmt.Errorf("failed to list runners for %s: %w", repo, err)
		}

		for _, r := range body.Runners {
			runner := r.Runner
			for _, l := range r.Labels {
				runner.Labels = append(runner.Labels, l.Name)
			}
			all = append(all, runner)
		}
		if len(body.Runners) < perPage || len(all) >= body.TotalCount {
			return all, nil
		}
	}
}

// IssueRegistrationCredential creates a registration token for repo.
func (c *Client) IssueRegistrationCredential(ctx context.Context, repo string) (*RegistrationToken, error) {
	var tok RegistrationToken
	path := fmt.Sprintf("/repos/%s/actions/runners/registration-token", repo)
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusCreated, &tok); err != nil {
		return nil, fmt.Errorf("failed to issue registration token for %s: %w", repo, err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("failed to issue registration token for %s: empty token", repo)
	}
	return &tok, nil
}

// RemoveRunner deregisters a runner so it stops receiving jobs.
func (c *Client) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	path := fmt.Sprintf("/repos/%s/actions/runners/%d", repo, runnerID)
	err := c.do(ctx, http.MethodDelete, path, nil, http.StatusNoContent, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove runner %d from %s: %w", runnerID, repo, err)
	}
	return nil
}

// CancelQueuedWork cancels a workflow run.
func (c *Client) CancelQueuedWork(ctx context.Context, repo string, runID int64) error {
	path := fmt.Sprintf("/repos/%s/actions/runs/%d/cancel", repo, runID)
	if err := c.do(ctx, http.MethodPost, path, nil, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("failed to cancel run %d in %s: %w", runID, repo, err)
	}
	return nil
}

// FindRun returns the in-progress run whose job is executing on runnerName,
// or 0 if there is none.
func (c *Client) FindRun(ctx context.Context, repo, runnerName string) (int64, error) {
	var runs struct {
		WorkflowRuns []struct {
			ID int64 `json:"id"`
		} `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs?status=in_progress&per_page=%d", repo, perPage)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &runs); err != nil {
		return 0, fmt.Errorf("failed to list runs for %s: %w", repo, err)
	}

	for _, run := range runs.WorkflowRuns {
		var jobs struct {
			Jobs []struct {
				Status     string `json:"status"`
				RunnerName string `json:"runner_name"`
			} `json:"jobs"`
		}
		path := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs?filter=latest&per_page=%d", repo, run.ID, perPage)
		if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &jobs); err != nil {
			return 0, fmt.Errorf("failed to list jobs of run %d: %w", run.ID, err)
		}
		for _, j := range jobs.Jobs {
			if j.RunnerName == runnerName && j.Status == "in_progress" {
				return run.ID, nil
			}
		}
	}
	return 0, nil
}

// QueuedJobs samples the queued and running workflow runs of repo.
func (c *Client) QueuedJobs(ctx context.Context, repo string) (JobCounts, error) {
	var counts JobCounts
	for _, q := range []struct {
		status string
		dst    *int
	}{
		{"queued", &counts.Queued},
		{"in_progress", &counts.Running},
	} {
		var body struct {
			TotalCount int `json:"total_count"`
		}
		path := fmt.Sprintf("/repos/%s/actions/runs?status=%s&per_page=1", repo, q.status)
		if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &body); err != nil {
			return JobCounts{}, fmt.Errorf("failed to count %s runs for %s: %w", q.status, repo, err)
		}
		*q.dst = body.TotalCount
	}
	return counts, nil
}

// RateLimit returns the rate limit state seen on the last response.
func (c *Client) RateLimit() RateLimitInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

func (c *Client) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return retry.Do(ctx, c.clock, c.backoff, IsTransient, func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		began := c.clock.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.report(method, path, 0, began)
			return err
		}
		defer resp.Body.Close()
		c.report(method, path, resp.StatusCode, began)

		c.recordRateLimit(resp.Header)

		if resp.StatusCode != want {
			apiErr := c.apiError(resp)
			if IsTransient(apiErr) {
				c.logger.Warn("transient github error",
					"method", method,
					"path", redactQuery(path),
					"status", resp.StatusCode,
					"attempt", attempt,
					"retry_after", apiErr.retryAfter,
				)
			}
			return apiErr
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

func (c *Client) apiError(resp *http.Response) *APIError {
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &body)

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Message}

	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			apiErr.retryAfter = time.Duration(secs) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		apiErr.exhausted = true
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			if wait := time.Unix(reset, 0).Sub(c.clock.Now()); wait > apiErr.retryAfter {
				apiErr.retryAfter = wait
			}
		}
	}
	return apiErr
}

func (c *Client) recordRateLimit(h http.Header) {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		return
	}
	remaining, _ := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	reset, _ := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)

	c.mu.Lock()
	c.rateLimit = RateLimitInfo{Limit: limit, Remaining: remaining, Reset: time.Unix(reset, 0)}
	c.mu.Unlock()
}

func (c *Client) report(method, path string, status int, began time.Time) {
	if c.observe == nil {
		return
	}
	c.observe(method+" "+endpointOf(path), status, c.clock.Since(began))
}

// endpointOf turns a request path into a low cardinality label:
// /repos/acme/api/actions/runners/42 becomes /repos/:repo/actions/runners/:id.
func endpointOf(path string) string {
	parts := strings.Split(strings.Trim(redactQuery(path), "/"), "/")
	if len(parts) >= 3 && parts[0] == "repos" {
		parts = append([]string{"repos", ":repo"}, parts[3:]...)
	}
	for i, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func redactQuery(path string) string {
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	return u.Path
}
