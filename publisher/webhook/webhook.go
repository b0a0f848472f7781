// Package webhook delivers payloads to an HTTP endpoint with POST requests.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512

	// TopicHeader carries the topic of the delivered payload.
	TopicHeader = "X-Sensorhub-Topic"
)

var ErrInvalidURL = errors.New("invalid webhook URL")

// Option configures the client.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = timeout
	}
}

// WithHeader adds a header to every request, e.g. an Authorization token.
func WithHeader(key, value string) Option {
	return func(p *Publisher) {
		p.headers.Set(key, value)
	}
}

// Publisher posts every payload to one URL.
type Publisher struct {
	url     string
	headers http.Header
	client  *http.Client
}

// New validates endpoint and builds the publisher.
func New(endpoint string, opts ...Option) (*Publisher, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, endpoint)
	}

	p := &Publisher{
		url:     u.String(),
		headers: make(http.Header),
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Publisher) Name() string {
	return "webhook"
}

// Publish posts payload. JSON payloads are sent as application/json,
// plain values as text/plain.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range p.headers {
		req.Header[k] = v
	}
	req.Header.Set(TopicHeader, topic)
	if json.Valid(payload) {
		req.Header.Set("Content-Type", "application/json")
	} else {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}

	res, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if cerr := res.Body.Close(); cerr != nil {
			log.WithError(cerr).Debug("webhook: closing response body")
		}
	}()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return NewHTTPError(res.StatusCode, string(body))
	}
	return nil
}

func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// HTTPError is a non-2xx response. It implements queue.RetryableError.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports 5xx and 429 responses as retryable.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode < 600)
}

func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
	}
}
