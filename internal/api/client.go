// Package api provides the resilient HTTP client for outbound ERP calls:
// credential injection, per-request timeout, bounded exponential-backoff
// retry, and uniform error normalization.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prodash/erplink/internal/auth"
	"github.com/prodash/erplink/internal/output"
	"github.com/prodash/erplink/internal/version"
)

const (
	defaultRetries   = 3
	defaultBaseDelay = 500 * time.Millisecond
	defaultTimeout   = 30 * time.Second
)

// TokenSource supplies the credential injected into outbound requests.
// auth.Provider satisfies this.
type TokenSource interface {
	Token(ctx context.Context) (*auth.TokenRecord, error)
}

// Client performs outbound HTTP calls against a configured base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	log        zerolog.Logger

	retries   int
	baseDelay time.Duration
	timeout   time.Duration

	// sleep is the inter-attempt delay, overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTokenSource sets the credential source. Without one, requests go out
// unauthenticated.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger sets the client logger.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithRetryPolicy sets the default retry count and backoff base delay.
func WithRetryPolicy(retries int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = retries
		c.baseDelay = baseDelay
	}
}

// WithRequestTimeout sets the default per-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:       zerolog.New(os.Stderr).Level(zerolog.Disabled),
		retries:   defaultRetries,
		baseDelay: defaultBaseDelay,
		timeout:   defaultTimeout,
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions tunes a single request. The zero value gives the client
// defaults; Retries distinguishes "not set" from an explicit 0.
type RequestOptions struct {
	Headers map[string]string
	Body    any // JSON-marshalled, unless []byte which is sent raw
	Params  url.Values
	Timeout time.Duration
	Retries *int
}

// Response wraps a successful API response. Data holds the raw payload;
// UnmarshalData parses it for JSON consumers.
type Response struct {
	Data       []byte
	Status     int
	StatusText string
	Headers    http.Header
}

// UnmarshalData unmarshals the response body into v.
func (r *Response) UnmarshalData(v any) error {
	return json.Unmarshal(r.Data, v)
}

// Retries returns a RequestOptions retry override.
func Retries(n int) *int { return &n }

// Request performs an HTTP call with retry. After a failed attempt it waits
// baseDelay * 2^attempt before the next one; transport errors, timeouts, and
// non-2xx responses are all retried uniformly. Callers that must not retry
// (e.g. non-idempotent writes against a flaky endpoint) pass Retries(0).
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	retries := c.retries
	if opts.Retries != nil {
		retries = *opts.Retries
	}

	u, err := c.buildURL(path, opts.Params)
	if err != nil {
		return nil, output.ErrUsage("invalid request path: " + path)
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, output.ErrUsage("failed to marshal request body: " + err.Error())
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * (1 << attempt)
			c.log.Debug().Int("attempt", attempt).Dur("delay", delay).Str("url", u).Msg("retrying request")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, method, u, body, opts)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var oe *output.Error
		if errors.As(err, &oe) && !oe.Retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// attempt performs one HTTP round trip with its own deadline.
func (c *Client) attempt(ctx context.Context, method, u string, body []byte, opts *RequestOptions) (*Response, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(rctx, method, u, reader)
	if err != nil {
		return nil, output.ErrUsage(err.Error())
	}

	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil && opts.Headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	// Inject credentials when a token is available. A source failure means
	// the request simply goes out unauthenticated; the remote 401 is the
	// authoritative signal at this layer.
	if c.tokens != nil {
		if rec, err := c.tokens.Token(rctx); err == nil && rec != nil && rec.AccessToken != "" {
			req.Header.Set("Authorization", rec.AuthorizationValue())
		} else if err != nil {
			c.log.Debug().Err(err).Msg("proceeding without credentials")
		}
	}

	c.log.Debug().Str("method", method).Str("url", u).Str("request_id", req.Header.Get("X-Request-Id")).Msg("request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, output.ErrTimeout(err)
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, output.ErrTimeout(err)
		}
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, output.ErrHTTP(resp.StatusCode, serverMessage(data))
	}

	return &Response{
		Data:       data,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    resp.Header,
	}, nil
}

// Convenience wrappers. These are parameter-shape adapters over Request and
// add no semantics of their own.

func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, http.MethodGet, path, opts)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, http.MethodPost, path, &RequestOptions{Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, http.MethodPut, path, &RequestOptions{Body: body})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Request(ctx, http.MethodPatch, path, &RequestOptions{Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}

// Upload posts a file as multipart form data. The payload is buffered so
// retries can replay it.
func (c *Client) Upload(ctx context.Context, path, field, filename string, content io.Reader, fields map[string]string) (*Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		return nil, output.ErrUsage(err.Error())
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, output.ErrUsage("failed to read upload content: " + err.Error())
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, output.ErrUsage(err.Error())
		}
	}
	if err := mw.Close(); err != nil {
		return nil, output.ErrUsage(err.Error())
	}

	return c.Request(ctx, http.MethodPost, path, &RequestOptions{
		Body:    buf.Bytes(),
		Headers: map[string]string{"Content-Type": mw.FormDataContentType()},
	})
}

// Download fetches a resource as a raw payload (no JSON interpretation).
func (c *Client) Download(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	if opts.Headers == nil {
		opts.Headers = map[string]string{}
	}
	if opts.Headers["Accept"] == "" {
		opts.Headers["Accept"] = "*/*"
	}
	return c.Request(ctx, http.MethodGet, path, opts)
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) buildURL(path string, params url.Values) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}

// serverMessage extracts a displayable message from an error response body.
// Best effort: a non-JSON body yields "".
func serverMessage(body []byte) string {
	var payload struct {
		Error            string `json:"error"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	for _, msg := range []string{payload.ErrorDescription, payload.Error, payload.Message} {
		if msg != "" {
			return msg
		}
	}
	return ""
}
