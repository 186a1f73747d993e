package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tasksync/internal/service"
)

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := New(Config{BaseURL: u}); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status       int
		wantKind     error
		wantNotFound bool
	}{
		{http.StatusPreconditionFailed, service.ErrConflict, false},
		{http.StatusConflict, service.ErrConflict, false},
		{http.StatusNotFound, service.ErrPermanent, true},
		{http.StatusBadRequest, service.ErrPermanent, false},
		{http.StatusUnauthorized, service.ErrPermanent, false},
		{http.StatusUnprocessableEntity, service.ErrPermanent, false},
		{http.StatusRequestTimeout, service.ErrTransient, false},
		{http.StatusTooManyRequests, service.ErrTransient, false},
		{http.StatusInternalServerError, service.ErrTransient, false},
		{http.StatusServiceUnavailable, service.ErrTransient, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv, Config{})
			_, err := c.Do(context.Background(), Request{Method: http.MethodPut, Path: "/v1/tasks/x"})
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %v, got %v", tt.wantKind, err)
			}
			if service.IsNotFound(err) != tt.wantNotFound {
				t.Errorf("not-found classification wrong for %d: %v", tt.status, err)
			}

			var re *service.RemoteError
			if !errors.As(err, &re) || re.Status != tt.status {
				t.Errorf("expected RemoteError with status %d, got %v", tt.status, err)
			}
		})
	}
}

func TestReadsAreRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{ReadRetries: 2, RetryDelay: time.Millisecond})
	resp, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/tasks"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestReadRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{ReadRetries: 1, RetryDelay: time.Millisecond})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/tasks"})
	if !service.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", hits.Load())
	}
}

func TestPermanentReadNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{ReadRetries: 3, RetryDelay: time.Millisecond})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/tasks/x"})
	if !service.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}

func TestWritesAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{ReadRetries: 3, RetryDelay: time.Millisecond})
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		hits.Store(0)
		_, err := c.Do(context.Background(), Request{Method: method, Path: "/v1/tasks", Body: []byte(`{}`)})
		if !service.IsTransient(err) {
			t.Errorf("%s: expected transient error, got %v", method, err)
		}
		if hits.Load() != 1 {
			t.Errorf("%s: expected exactly one attempt, got %d", method, hits.Load())
		}
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv, Config{Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/tasks"})
	if !service.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout not enforced")
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, Config{})
	srv.Close()

	_, err := c.Do(context.Background(), Request{Method: http.MethodPut, Path: "/v1/tasks/x"})
	if !service.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestHeaders(t *testing.T) {
	var got http.Header
	var path, query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		query = r.URL.RawQuery
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, Config{Token: "secret", UserAgent: "tasksync-test"})
	resp, err := c.Do(context.Background(), Request{
		Method:         http.MethodPut,
		Path:           "/v1/tasks/t1",
		Query:          map[string][]string{"a": {"b"}},
		Body:           []byte(`{"id":"t1"}`),
		IdempotencyKey: "t1",
		IfMatch:        "rev-3",
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("status = %d", resp.Status)
	}

	checks := map[string]string{
		"Authorization":   "Bearer secret",
		"Idempotency-Key": "t1",
		"If-Match":        "rev-3",
		"Content-Type":    "application/json",
		"User-Agent":      "tasksync-test",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("header %s = %q, want %q", k, got.Get(k), want)
		}
	}
	if path != "/v1/tasks/t1" || query != "a=b" {
		t.Errorf("unexpected url: %s?%s", path, query)
	}
}
