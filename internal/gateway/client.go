package gateway

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

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10
)

// Client is the HTTP implementation of interfaces.BackendGateway. It carries
// no business logic and retains no state between calls; every failure is
// normalized to *models.APIError with a structured class.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new backend gateway client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

var _ interfaces.BackendGateway = (*Client)(nil)

// errorEnvelope is the backend's error response body.
type errorEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// classify maps an HTTP status and error message to a structured class.
// The empty-knowledge-base class is recognized here, once, so callers never
// sniff response text themselves.
func classify(status int, message string) models.ErrorClass {
	switch {
	case status == http.StatusBadRequest &&
		(strings.Contains(message, "knowledge base is empty") ||
			strings.Contains(message, "no valid knowledge bases")):
		return models.ErrorClassEmptyKnowledgeBase
	case status == http.StatusNotFound:
		return models.ErrorClassNotFound
	case status >= 500:
		return models.ErrorClassServer
	default:
		return models.ErrorClassBadRequest
	}
}

// do performs an HTTP request and decodes the JSON response into result.
// Accepted statuses are 200 and 201; anything else becomes an APIError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &models.APIError{
			Class:    models.ErrorClassTransport,
			Message:  fmt.Sprintf("rate limiter wait: %v", err),
			Endpoint: path,
		}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Msg("Backend request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.APIError{
			Class:    models.ErrorClassTransport,
			Message:  err.Error(),
			Endpoint: path,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.errorFromResponse(resp, path)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}

	return nil
}

// errorFromResponse builds a classified APIError from a non-success response.
func (c *Client) errorFromResponse(resp *http.Response, path string) *models.APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope errorEnvelope
	message := strings.TrimSpace(string(raw))
	detail := ""
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
		detail = envelope.Detail
	}

	apiErr := &models.APIError{
		StatusCode: resp.StatusCode,
		Class:      classify(resp.StatusCode, message),
		Message:    message,
		Detail:     detail,
		Endpoint:   path,
	}

	if c.logger != nil {
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("class", string(apiErr.Class)).
			Str("path", path).
			Str("error", message).
			Msg("Backend rejection")
	}

	return apiErr
}

// isNumericID reports whether an id looks like a backend row id. The backend
// routes on integer path segments, so anything else is rejected before a
// network call is made.
func isNumericID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// invalidIDError is the client-side rejection for a non-numeric id.
func invalidIDError(endpoint, id string) *models.APIError {
	return &models.APIError{
		StatusCode: http.StatusBadRequest,
		Class:      models.ErrorClassBadRequest,
		Message:    fmt.Sprintf("invalid id %q", id),
		Endpoint:   endpoint,
	}
}

// backendTimeFormats are the timestamp layouts the backend emits.
// SQLite CURRENT_TIMESTAMP produces the space-separated form.
var backendTimeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseBackendTime(value string) time.Time {
	for _, layout := range backendTimeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
