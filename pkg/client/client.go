package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/livesync/internal/metrics"
	"github.com/nkkko/livesync/internal/telemetry"
	"github.com/nkkko/livesync/pkg/proto"
	"go.opentelemetry.io/otel/attribute"
)

// APIError is returned for responses with a status of 400 or above
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the notification REST API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	headers     http.Header
	accessToken func() (string, error)
	timeout     time.Duration
	metrics     *metrics.Metrics
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithAccessToken sets a bearer token provider consulted on every request
func WithAccessToken(provider func() (string, error)) ClientOption {
	return func(c *Client) {
		c.accessToken = provider
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new notification API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
		timeout:    10 * time.Second,
		metrics:    metrics.GetMetrics(),
	}

	// Apply options
	for _, option := range options {
		option(client)
	}

	return client
}

// GetNotifications lists the most recent notifications, newest first
func (c *Client) GetNotifications(ctx context.Context, unreadOnly bool, take int) ([]proto.Notification, error) {
	query := url.Values{}
	query.Set("unreadOnly", strconv.FormatBool(unreadOnly))
	query.Set("take", strconv.Itoa(take))

	var notifications []proto.Notification
	if err := c.call(ctx, http.MethodGet, "/Notification/GetNotifications", query, nil, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// GetUnreadCount returns the number of unread notifications
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var count proto.UnreadCount
	if err := c.call(ctx, http.MethodGet, "/Notification/GetUnreadCount", nil, nil, &count); err != nil {
		return 0, err
	}
	return count.Count, nil
}

// MarkAsRead marks one notification read
func (c *Client) MarkAsRead(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodPost, "/Notification/MarkAsRead", nil, &proto.MarkAsReadRequest{NotificationId: id}, nil)
}

// MarkAllAsRead marks every notification read
func (c *Client) MarkAllAsRead(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/Notification/MarkAllAsRead", nil, nil, nil)
}

// DeleteNotification deletes one notification
func (c *Client) DeleteNotification(ctx context.Context, id int64) error {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(id, 10))
	return c.call(ctx, http.MethodDelete, "/Notification/DeleteNotification", query, nil, nil)
}

// ClearAllNotifications deletes every notification
func (c *Client) ClearAllNotifications(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/Notification/ClearAllNotifications", nil, nil, nil)
}

// call performs a request and decodes the response into out when non-nil
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "client."+strings.TrimPrefix(path, "/Notification/"),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	start := time.Now()
	resp, err := c.do(ctx, method, path, query, body)

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.ClientRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.metrics.ClientRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())

	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do makes an HTTP request. On statuses of 400 and above the body is
// consumed and an *APIError returned along with the response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	// Create URL
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	// Create request body
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	// Create request
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	// Set headers
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.accessToken != nil {
		token, err := c.accessToken()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain access token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	// Make request
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		// Try to parse error message
		data, _ := io.ReadAll(resp.Body)

		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		message := resp.Status
		if err := json.Unmarshal(data, &errResp); err == nil {
			if errResp.Error != "" {
				message = errResp.Error
			} else if errResp.Message != "" {
				message = errResp.Message
			}
		}

		return resp, &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	return resp, nil
}
