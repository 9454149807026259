package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deevus/portalkit/internal/api"
)

// DefaultMaxResponseSize caps how much of a response body is read.
const DefaultMaxResponseSize = 10 * 1024 * 1024

// HTTPConfig contains configuration for the HTTP transport.
type HTTPConfig struct {
	BaseURL         string       // e.g. "https://portal.example.com/api/v1"
	Token           string       // Bearer token; may be updated later with SetToken
	UserAgent       string       // default: "portalkit"
	Client          *http.Client // default: pooled client without a global timeout
	MaxResponseSize int64        // default: 10MB
}

// Validate validates the HTTPConfig and sets defaults.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.UserAgent == "" {
		c.UserAgent = "portalkit"
	}
	if c.Client == nil {
		// Per-attempt timeouts come from the request context.
		c.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = DefaultMaxResponseSize
	}

	return nil
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	config  HTTPConfig
	baseURL string

	mu    sync.RWMutex
	token string
}

// Compile-time check that HTTPTransport implements Transport.
var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(config HTTPConfig) (*HTTPTransport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &HTTPTransport{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
	}, nil
}

// SetToken replaces the bearer token used for subsequent requests.
func (t *HTTPTransport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// Do sends req and returns the response for any HTTP status.
func (t *HTTPTransport) Do(ctx context.Context, req *api.Request) (*api.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.resolve(req.Endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", t.config.UserAgent)
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := t.config.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err)
	}
	defer httpResp.Body.Close()

	respBody, err := readLimited(httpResp.Body, t.config.MaxResponseSize)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Endpoint, err)
	}

	return &api.Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}

// resolve joins endpoint onto the base URL. Absolute URLs pass through.
func (t *HTTPTransport) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return t.baseURL + endpoint
}

// readLimited reads at most limit bytes and fails if the body is larger.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", limit)
	}
	return body, nil
}
