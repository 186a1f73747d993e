// Package transport performs HTTP requests against the remote task service
// and classifies their failures.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"tasksync/internal/service"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 8 << 20

// Config holds transport settings.
type Config struct {
	BaseURL     string
	Token       string // bearer token, optional
	Timeout     time.Duration
	ReadRetries int
	RetryDelay  time.Duration
	UserAgent   string
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte

	// IdempotencyKey is sent on writes so the server can detect a replay.
	IdempotencyKey string

	// IfMatch carries the revision precondition.
	IfMatch string
}

// Response is a successful (2xx) reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends requests to the remote service.
type Client struct {
	base   *url.URL
	http   *http.Client
	cfg    Config
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	base   http.RoundTripper
	logger zerolog.Logger
}

// WithRoundTripper sets the underlying transport (for testing).
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base URL is not configured")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme: %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadRetries < 0 {
		cfg.ReadRetries = 0
	}

	o := clientOptions{base: http.DefaultTransport, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	rt := o.base
	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}

	return &Client{
		base:   base,
		http:   &http.Client{Transport: rt},
		cfg:    cfg,
		logger: o.logger,
	}, nil
}

// Do performs req. Reads are retried on transient failure; writes are sent
// exactly once. Non-2xx replies are returned as *service.RemoteError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	attempts := 1
	if req.Method == http.MethodGet {
		attempts += c.cfg.ReadRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			c.logger.Warn().
				Err(lastErr).
				Str("method", req.Method).
				Str("path", req.Path).
				Int("attempt", i+1).
				Msg("retrying read")
			select {
			case <-ctx.Done():
				return nil, service.NewRemoteError(op(req), 0, service.ErrTransient, ctx.Err())
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		resp, err := c.once(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !service.IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, service.NewRemoteError(op(req), 0, service.ErrPermanent, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if req.IfMatch != "" {
		httpReq.Header.Set("If-Match", req.IfMatch)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, service.NewRemoteError(op(req), 0, service.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, service.NewRemoteError(op(req), resp.StatusCode, service.ErrTransient, err)
	}

	if err := classify(op(req), resp.StatusCode, data); err != nil {
		c.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", resp.StatusCode).
			Msg("remote call failed")
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// classify maps an HTTP status to the error taxonomy. Nil for 2xx.
func classify(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var cause error
	if msg := strings.TrimSpace(string(body)); msg != "" {
		if len(msg) > 200 {
			msg = msg[:200]
		}
		cause = errors.New(msg)
	}

	switch {
	case status == http.StatusNotFound:
		return service.NewRemoteError(op, status, service.ErrPermanent, service.ErrNotFound)
	case status == http.StatusPreconditionFailed, status == http.StatusConflict:
		return service.NewRemoteError(op, status, service.ErrConflict, cause)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return service.NewRemoteError(op, status, service.ErrTransient, cause)
	default:
		return service.NewRemoteError(op, status, service.ErrPermanent, cause)
	}
}

func op(req Request) string {
	return req.Method + " " + req.Path
}
