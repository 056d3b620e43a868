package serclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/icholy/digest"
	"go.uber.org/zap"

	"github.com/micro-ha/ser-gateway/internal/model"
)

const (
	defaultTimeout    = 10 * time.Second
	maxRetryAttempts  = 3
	maxResponseBytes  = 4 << 20
	errorBodySnippet  = 256
	firstRetryBackoff = 400 * time.Millisecond
)

// Options configure a Client for one device.
type Options struct {
	BaseURL   string
	Username  string
	Password  string
	VerifyTLS bool
	Timeout   time.Duration
	// Transport overrides the underlying round tripper, mostly for tests.
	Transport http.RoundTripper
	// MaxRetries bounds retries of transient failures; negative disables retries.
	MaxRetries int
}

// Client performs authenticated GET requests against one SER device.
type Client struct {
	baseURL    string
	httpClient *http.Client
	inner      http.RoundTripper
	maxRetries uint64
	logger     *zap.SugaredLogger
}

// New builds a client for the device described by cfg.
func New(cfg model.DeviceConfig, logger *zap.SugaredLogger) *Client {
	return NewWithOptions(Options{
		BaseURL:   cfg.BaseURL(),
		Username:  cfg.Username,
		Password:  cfg.Password,
		VerifyTLS: cfg.VerifyTLS,
	}, logger)
}

func NewWithOptions(opts Options, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	inner := opts.Transport
	if inner == nil {
		var transport *http.Transport
		if defaultTransport, ok := http.DefaultTransport.(*http.Transport); ok {
			transport = defaultTransport.Clone()
		} else {
			transport = &http.Transport{}
		}
		// SER devices ship self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !opts.VerifyTLS} //nolint:gosec
		inner = transport
	}

	retries := uint64(maxRetryAttempts - 1)
	if opts.MaxRetries < 0 {
		retries = 0
	} else if opts.MaxRetries > 0 {
		retries = uint64(opts.MaxRetries)
	}

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &digest.Transport{
				Username:  opts.Username,
				Password:  opts.Password,
				Transport: inner,
			},
		},
		inner:      inner,
		maxRetries: retries,
		logger:     logger,
	}
}

// BaseURL returns the device root URL requests are made against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Close releases idle connections held for the device.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	if closer, ok := c.inner.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
	return nil
}

// Get fetches path and returns the raw body. Digest challenges are answered by the
// transport; network errors and 5xx responses are retried a bounded number of times.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		body, err = c.do(ctx, path)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if terr, ok := err.(*Error); ok && terr.StatusCode != 0 && !retryableStatus(terr.StatusCode) {
			return backoff.Permanent(err)
		}
		c.logger.Debugw("device request failed", "path", path, "attempt", attempt, "err", err)
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = firstRetryBackoff
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)); err != nil {
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, &Error{Path: path, Err: err}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippet))
		return nil, &Error{Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Path: path, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
