// Package upstream is the HTTP client used for every call to a release
// provider, CDN or webhook target: cached DNS, retries with backoff, a
// circuit breaker per host and optional request pacing.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound     = errors.New("upstream resource not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string

	kind      error
	retryable bool
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// Client performs upstream HTTP calls.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	authFn     func(req *http.Request)
	header     http.Header

	breakers map[string]*breaker
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the DNS-caching HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithMaxRetries sets the maximum retry attempts.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the first retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithRateLimit paces requests to at most r per second with the given
// burst.
func WithRateLimit(r float64, burst int) Option {
	return func(c *Client) {
		if r > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// WithAuth decorates every request, e.g. with an Authorization header.
func WithAuth(fn func(req *http.Request)) Option {
	return func(c *Client) {
		c.authFn = fn
	}
}

// WithHeader adds a header to every request.
func WithHeader(name, value string) Option {
	return func(c *Client) {
		c.header.Set(name, value)
	}
}

// New creates a Client. Call Close to stop the DNS refresh loop.
func New(opts ...Option) *Client {
	c := &Client{
		userAgent:  "servarr-update/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		header:     make(http.Header),
		breakers:   make(map[string]*breaker),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = c.cachingClient()
	}
	return c
}

func (c *Client) cachingClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-c.stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Timeout: 5 * time.Minute, // artifacts can be large
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Close stops background work.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Request describes one upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// NoRetry sends the request exactly once whatever the client's retry
	// setting.
	NoRetry bool
}

// Do sends req with retries and circuit breaking. On success the caller
// must close the response body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	b := c.breaker(hostOf(req.URL))
	if !b.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", b.host, ErrUpstreamDown)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxRetries := c.maxRetries
	if req.NoRetry {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		var resp *http.Response
		var notFound error
		err := b.Call(func() error {
			var err error
			resp, err = c.send(ctx, req)
			// A missing resource says nothing about upstream health.
			if errors.Is(err, ErrNotFound) {
				notFound = err
				return nil
			}
			return err
		}, 0)
		if notFound != nil {
			return nil, notFound
		}
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !retryable(ctx, err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) send(ctx context.Context, r Request) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for name, values := range c.header {
		req.Header[name] = values
	}
	for name, values := range r.Header {
		req.Header[name] = values
	}
	req.Header.Set("User-Agent", c.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if c.authFn != nil {
		c.authFn(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", r.Method, r.URL, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()

	serr := &StatusError{Method: r.Method, URL: r.URL, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		serr.kind = ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		serr.kind = ErrRateLimited
		serr.retryable = true
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		// GitHub quota exhausted; waiting for the reset would outlive the run.
		serr.kind = ErrRateLimited
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			serr.Body = "rate limit resets at " + time.Unix(reset, 0).UTC().Format(time.RFC3339)
		}
	case resp.StatusCode >= 500:
		serr.kind = ErrUpstreamDown
		serr.retryable = true
	}
	return nil, serr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.retryable
	}
	if errors.Is(err, ErrUpstreamDown) {
		return false
	}
	// Transport failures are worth another attempt.
	return true
}

// GetJSON fetches url and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) (http.Header, error) {
	resp, err := c.Do(ctx, Request{
		URL:    url,
		Header: http.Header{"Accept": []string{"application/json"}},
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	return resp.Header, nil
}

// PostJSON sends in as a JSON body and decodes the response into out when
// out is non-nil.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any) error {
	return c.postJSON(ctx, url, header, in, out, false)
}

// PostJSONOnce is PostJSON without retries.
func (c *Client) PostJSONOnce(ctx context.Context, url string, header http.Header, in, out any) error {
	return c.postJSON(ctx, url, header, in, out, true)
}

func (c *Client) postJSON(ctx context.Context, url string, header http.Header, in, out any, once bool) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	h := http.Header{"Content-Type": []string{"application/json"}, "Accept": []string{"application/json"}}
	for name, values := range header {
		h[name] = values
	}

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: url, Header: h, Body: payload, NoRetry: once})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// Fetch streams the body at url. The caller must close it.
func (c *Client) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.Do(ctx, Request{URL: url})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
