// Package device fetches resource snapshots from the monitored device over
// HTTP. One GET per resource; responses are validated against the typed
// views in pkg/model before the sync core sees them.
package device

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vanderheijden86/camwatch/pkg/debug"
	"github.com/vanderheijden86/camwatch/pkg/model"
	"github.com/vanderheijden86/camwatch/pkg/reconcile"
)

// DefaultFetchTimeout bounds one fetch round trip.
const DefaultFetchTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read. Recordings
// listings dominate; 8 MiB is far above any real device payload.
const maxResponseBytes = 8 << 20

// StatusError reports a non-success response from the device.
type StatusError struct {
	Resource   model.Resource
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: device returned status %d", e.Resource, e.StatusCode)
}

// ParseError reports a response body that could not be decoded or failed
// validation. The fetch itself succeeded; only the payload is unusable.
type ParseError struct {
	Resource model.Resource
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v", e.Resource, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// Client fetches snapshots from one device. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a fetch client for the device at baseURL, e.g.
// "http://porch-cam.local:8480".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse device url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("device url %q is not absolute", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ResourceURL returns the fetch endpoint for a resource.
func (c *Client) ResourceURL(resource model.Resource) string {
	return c.baseURL + "/api/" + string(resource)
}

// EventsURL returns the push-channel endpoint.
func (c *Client) EventsURL() string {
	return c.baseURL + "/api/events"
}

// Fetch retrieves one complete snapshot of resource. The payload is decoded,
// validated as a full snapshot, and returned with its sequence extracted.
// Non-success responses surface as *StatusError, undecodable or invalid
// bodies as *ParseError.
func (c *Client) Fetch(ctx context.Context, resource model.Resource) (*reconcile.Snapshot, error) {
	if !model.Known(resource) {
		return nil, fmt.Errorf("fetch: unknown resource %q", resource)
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResourceURL(resource), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Resource: resource, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", resource, err)
	}
	if len(body) > maxResponseBytes {
		return nil, &ParseError{Resource: resource, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}

	if err := model.CheckPayload(resource, body); err != nil {
		return nil, &ParseError{Resource: resource, Err: err}
	}
	snap, err := reconcile.ParseSnapshot(body, time.Now())
	if err != nil {
		return nil, &ParseError{Resource: resource, Err: err}
	}
	debug.Logf("fetch %s: %d bytes in %v", resource, len(body), time.Since(start))
	return snap, nil
}
