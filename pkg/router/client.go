package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts is how many times in total the device list is
	// requested before giving up.
	//
	DefaultMaxAttempts = 15

	// DefaultRetryStep is the unit of the linear backoff: the n-th retry
	// waits n times this.
	//
	DefaultRetryStep = 100 * time.Millisecond

	// DefaultTimeout bounds a single HTTP attempt.
	//
	DefaultTimeout = 10 * time.Second

	maxBodySize = 16 << 20
)

// RetryPolicy decides whether a failed attempt is worth retrying.
//
type RetryPolicy func(err error) bool

// RetryAlways retries every failure, whatever its nature. This is the default.
//
func RetryAlways(_ error) bool {
	return true
}

// RetryTransient retries everything but answers that won't change by asking
// again: bad credentials, forbidden and not found.
//
func RetryTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound:
			return false
		}
	}

	return true
}

// Document is the raw device list as served by the router.
//
type Document struct {
	Body []byte

	// Attempts is the number of requests it took to get `Body`.
	//
	Attempts int
}

// Client fetches the device list from a router, authenticating with HTTP
// basic auth.
//
type Client struct {
	url      string
	username string
	password string

	httpClient  *http.Client
	maxAttempts int
	retryStep   time.Duration
	maxDelay    time.Duration
	shouldRetry RetryPolicy

	log logr.Logger
}

// Option is a type used by functional arguments to mutate the client to
// override default behavior.
//
type Option func(c *Client)

// WithHTTPClient overrides the default http client (10s timeout).
//
func WithHTTPClient(v *http.Client) Option {
	return func(c *Client) {
		c.httpClient = v
	}
}

// WithMaxAttempts overrides how many attempts are made in total.
//
func WithMaxAttempts(v int) Option {
	return func(c *Client) {
		c.maxAttempts = v
	}
}

// WithRetryStep overrides the step of the linear backoff.
//
func WithRetryStep(v time.Duration) Option {
	return func(c *Client) {
		c.retryStep = v
	}
}

// WithMaxRetryDelay caps each individual backoff delay.
//
func WithMaxRetryDelay(v time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = v
	}
}

// WithRetryPolicy overrides the default retry-everything policy.
//
func WithRetryPolicy(v RetryPolicy) Option {
	return func(c *Client) {
		c.shouldRetry = v
	}
}

// WithLogger overrides the default development logger.
//
func WithLogger(v logr.Logger) Option {
	return func(c *Client) {
		c.log = v
	}
}

// NewClient instantiates a client for the device list served at `address`.
//
func NewClient(address, username, password string, opts ...Option) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("url parse '%s': %w", address, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url '%s': unsupported scheme '%s'",
			address, u.Scheme)
	}

	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	c := &Client{
		url:         address,
		username:    username,
		password:    password,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		maxAttempts: DefaultMaxAttempts,
		retryStep:   DefaultRetryStep,
		shouldRetry: RetryAlways,
		log:         zapr.NewLogger(defaultLogger.Named("router")),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d",
			c.maxAttempts)
	}

	return c, nil
}

// Fetch retrieves the device list, retrying failed attempts with a linear
// backoff until either one succeeds, the attempts are exhausted, the retry
// policy gives up or `ctx` is done.
//
func (c *Client) Fetch(ctx context.Context) (*Document, error) {
	attempts := 0

	operation := func() ([]byte, error) {
		attempts++

		body, err := c.get(ctx)
		if err == nil {
			return body, nil
		}

		if ctx.Err() != nil || !c.shouldRetry(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	notify := func(err error, next time.Duration) {
		c.log.V(1).Info("attempt failed",
			"url", c.url,
			"attempt", attempts,
			"retry-in", next.String(),
			"err", err.Error(),
		)
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(NewLinearBackOff(c.retryStep, c.maxDelay)),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, &FetchError{
			URL:      c.url,
			Attempts: attempts,
			Err:      err,
		}
	}

	return &Document{
		Body:     body,
		Attempts: attempts,
	}, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return body, nil
}
