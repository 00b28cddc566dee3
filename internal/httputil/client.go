// Package httputil provides the HTTP client used for calls to collaborating
// services (commission plans, AI scanning, notifications).
package httputil

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

	"github.com/cenkalti/backoff/v4"

	"github.com/lovendo/momentcore/internal/logging"
)

// Header names attached to outgoing requests.
const (
	TraceIDHeader = "X-Trace-ID"
	UserIDHeader  = "X-User-ID"
)

// ServiceClient is an HTTP client for service-to-service calls. It attaches a
// bearer service token, propagates the trace and user from context and retries
// transport failures and 5xx responses with exponential backoff.
type ServiceClient struct {
	httpClient   *http.Client
	baseURL      string
	serviceToken string
	maxRetries   int
	maxElapsed   time.Duration
}

// ServiceClientConfig configures the service client.
type ServiceClientConfig struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	MaxRetries   int
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

// NewServiceClient creates a service client.
func NewServiceClient(cfg ServiceClientConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}

	maxElapsed := cfg.MaxElapsed
	if maxElapsed == 0 {
		maxElapsed = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &ServiceClient{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		maxRetries:   maxRetries,
		maxElapsed:   maxElapsed,
	}
}

// BaseURL returns the configured base URL.
func (c *ServiceClient) BaseURL() string { return c.baseURL }

// StatusError is returned for responses with a 4xx or 5xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// DoJSON sends body as JSON and decodes the response into target (which may be
// nil). Transport errors and temporary statuses are retried.
func (c *ServiceClient) DoJSON(ctx context.Context, method, path string, body, target any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)),
		ctx,
	)

	return backoff.Retry(func() error {
		err := c.once(ctx, method, path, payload, target)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *ServiceClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	return b
}

func (c *ServiceClient) once(ctx context.Context, method, path string, payload []byte, target any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
	if traceID := logging.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceIDHeader, traceID)
	}
	if userID := logging.GetUserID(ctx); userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := DecodeResponse(resp, target); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return err
		}
		return backoff.Permanent(err)
	}
	return nil
}

// Get performs a GET request and decodes the JSON response.
func (c *ServiceClient) Get(ctx context.Context, path string, target any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, target)
}

// Post performs a POST request with a JSON body and decodes the JSON response.
func (c *ServiceClient) Post(ctx context.Context, path string, body, target any) error {
	return c.DoJSON(ctx, http.MethodPost, path, body, target)
}

// DecodeResponse decodes a JSON response into target and closes the body.
// Responses with status >= 400 become a *StatusError.
func DecodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, truncated, err := ReadAllWithLimit(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if truncated {
		return fmt.Errorf("response body exceeds limit")
	}
	if raw, ok := target.(*[]byte); ok {
		*raw = body
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether more remained.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}
