package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseDelay(time.Millisecond)}, opts...)
	c := New(opts...)
	t.Cleanup(c.Close)
	return c
}

func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "token secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"release"}`))
	}))
	defer server.Close()

	c := newTestClient(t, WithAuth(func(req *http.Request) {
		req.Header.Set("Authorization", "token secret")
	}))

	var out struct {
		Name string `json:"name"`
	}
	if _, err := c.GetJSON(context.Background(), server.URL, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Name != "release" {
		t.Errorf("name = %q", out.Name)
	}
}

func TestNotFoundNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), server.URL+"/missing.zip")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusNotFound {
		t.Errorf("expected StatusError 404, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	c := newTestClient(t)
	body, err := c.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer body.Close()

	data, _ := io.ReadAll(body)
	if string(data) != "payload" {
		t.Errorf("body = %q", data)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(t, WithMaxRetries(1))
	_, err := c.Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrUpstreamDown) {
		t.Errorf("err = %v, want ErrUpstreamDown", err)
	}
}

func TestNoRetrySendsOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, WithMaxRetries(3))
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, URL: server.URL, NoRetry: true})
	if !errors.Is(err, ErrUpstreamDown) {
		t.Errorf("err = %v, want ErrUpstreamDown", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}

	if err := c.PostJSONOnce(context.Background(), server.URL, nil, map[string]int{"a": 1}, nil); err == nil {
		t.Error("expected error")
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestGitHubQuotaExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1700000000")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if calls.Load() != 1 {
		t.Errorf("quota exhaustion must not be retried, calls = %d", calls.Load())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	c := newTestClient(t)
	_, err := c.Fetch(context.Background(), server.URL)
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusBadRequest || serr.Body != "bad input" {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, WithMaxRetries(0))
	for i := 0; i < tripThreshold; i++ {
		_, _ = c.Fetch(context.Background(), server.URL)
	}

	before := calls.Load()
	_, err := c.Fetch(context.Background(), server.URL)
	if !errors.Is(err, ErrUpstreamDown) {
		t.Fatalf("err = %v, want ErrUpstreamDown", err)
	}
	if calls.Load() != before {
		t.Error("open breaker must not reach the server")
	}

	states := c.BreakerStates()
	if states[hostOf(server.URL)] != "open" {
		t.Errorf("states = %v", states)
	}
}

func TestNotFoundDoesNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t)
	for i := 0; i < tripThreshold*2; i++ {
		_, _ = c.Fetch(context.Background(), server.URL)
	}
	if c.BreakerStates()[hostOf(server.URL)] != "closed" {
		t.Error("404s must not open the breaker")
	}
}

func TestPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("X-Auth-Key"); got != "k" {
			t.Errorf("X-Auth-Key = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"files":["a"]}` {
			t.Errorf("body = %s", body)
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	c := newTestClient(t)
	var out struct {
		Success bool `json:"success"`
	}
	in := map[string][]string{"files": {"a"}}
	if err := c.PostJSON(context.Background(), server.URL, http.Header{"X-Auth-Key": {"k"}}, in, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if !out.Success {
		t.Error("expected success")
	}
}

func TestRateLimitHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	c := newTestClient(t, WithRateLimit(0.001, 1))
	resp, err := c.Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Do(ctx, Request{URL: server.URL}); err == nil {
		t.Error("expected the limiter to give up when the context ends")
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.github.com/repos/a/b/releases", "api.github.com"},
		{"https://dev.azure.com/org/project/_apis/build/builds", "dev.azure.com"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := hostOf(tt.url); got != tt.want {
			t.Errorf("hostOf(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
