package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodDelete = http.MethodDelete
	MethodPatch  = http.MethodPatch
)

const defaultMaxBody = 8 << 20

// Request describes one logical upstream call. It lives until the call settles;
// retries and the auth replay reuse it.
type Request struct {
	ID       string
	Provider string
	Method   string
	// URL is absolute or a path joined onto the client's base URL.
	URL     string
	Headers map[string]string
	Query   map[string][]string
	Body    interface{}
	// Timeout overrides the client's per-call timeout when > 0.
	Timeout time.Duration
	// Attempt is the zero-based retry attempt currently in flight.
	Attempt int

	payload     []byte
	contentType string
	encoded     bool
	state       *requestState
}

type requestState struct {
	replayed bool
}

// SetHeader sets a header on the request.
func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// markReplayed spends the single auth replay. It returns false if it was already spent.
func (r *Request) markReplayed() bool {
	if r.state == nil {
		r.state = &requestState{}
	}
	if r.state.replayed {
		return false
	}
	r.state.replayed = true
	return true
}

func (r *Request) clone() *Request {
	c := *r
	c.Headers = make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	return &c
}

func (r *Request) encodeBody() error {
	if r.encoded {
		return nil
	}
	r.encoded = true

	switch v := r.Body.(type) {
	case nil:
		return nil
	case []byte:
		r.payload = v
	case string:
		r.payload = []byte(v)
	case url.Values:
		r.payload = []byte(v.Encode())
		r.contentType = "application/x-www-form-urlencoded"
	case io.Reader:
		// read once so retries can resend it
		b, err := io.ReadAll(v)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		r.payload = b
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		r.payload = b
		r.contentType = "application/json"
	}
	return nil
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into dest.
func (r *Response) Decode(dest interface{}) error {
	if err := json.Unmarshal(r.Body, dest); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// ClientOption configures Client.
type ClientOption func(*Client)

// Client is the terminal handler of a pipeline: it performs exactly one HTTP exchange.
type Client struct {
	baseURL string
	timeout time.Duration
	maxBody int64
	client  *http.Client
}

// NewClient creates a new HTTP client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		timeout: 30 * time.Second,
		maxBody: defaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	return c
}

// Do sends req once. Any HTTP status is a successful exchange; only transport
// failures return an error, classified as network or timeout.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.buildRequest(callCtx, req)
	if err != nil {
		return nil, NewClientError(KindValidation, "build request").WithError(err)
	}

	start := time.Now()
	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, callCtx, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody))
	if err != nil {
		return nil, transportError(ctx, callCtx, err)
	}

	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func transportError(parent, call context.Context, err error) error {
	// caller cancellation is not an upstream failure
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return NewClientError(KindTimeout, "request timed out").WithError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewClientError(KindTimeout, "request timed out").WithError(err)
	}
	return NewClientError(KindNetwork, "no response from upstream").WithError(err)
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	if err := req.encodeBody(); err != nil {
		return nil, err
	}

	var body io.Reader
	if req.payload != nil {
		body = bytes.NewReader(req.payload)
	}

	method := req.Method
	if method == "" {
		method = MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.resolve(req.URL), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	addQueryParams(httpReq, req.Query)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if httpReq.Header.Get("Content-Type") == "" && req.payload != nil {
		ct := req.contentType
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	return httpReq, nil
}

func (c *Client) resolve(target string) string {
	if c.baseURL == "" || strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(target, "/")
}

func addQueryParams(req *http.Request, params map[string][]string) {
	if len(params) == 0 {
		return
	}
	q := req.URL.Query()
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	req.URL.RawQuery = q.Encode()
}

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithBaseURL sets the base URL relative request URLs are joined onto.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithMaxBodySize caps how much of a response body is read.
func WithMaxBodySize(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}
