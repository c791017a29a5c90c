// Package resilient runs remote operations against a primary endpoint and an
// ordered list of fallbacks, retrying with exponential backoff and failing
// over when an endpoint's retry budget is spent.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"blocksnap/pkg/metrics"
)

// ErrExhausted is returned once every endpoint has used its full retry budget.
var ErrExhausted = errors.New("all endpoints exhausted")

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultJitter     = time.Second
)

// Operation is bound to whichever endpoint the client currently selects.
type Operation func(ctx context.Context, endpoint string) error

// HealthCheck is a live connectivity check. A failing check moves the client
// to the next endpoint without spending retries.
type HealthCheck func(ctx context.Context, endpoint string) error

type Config struct {
	// Name labels log lines and metrics, e.g. "ledger" or "contentstore".
	Name        string
	Primary     string
	Fallbacks   []string
	MaxRetries  int
	RetryDelay  time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	HealthCheck HealthCheck
	Logger      *zap.Logger
	Metrics     *metrics.ResilienceMetrics
}

// EndpointSet is a point-in-time view of the client's endpoint state.
type EndpointSet struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks"`
	Current   string   `json:"current"`
	Connected bool     `json:"connected"`
}

// Client provides resilient calls over one logical remote service
type Client struct {
	name        string
	endpoints   []string // primary first
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	healthCheck HealthCheck
	logger      *zap.Logger
	metrics     *metrics.ResilienceMetrics

	mu        sync.Mutex
	current   int
	connected bool

	// overridable in tests
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// New creates a client. Zero MaxRetries, RetryDelay and MaxDelay take the
// package defaults; a zero Jitter disables jitter.
func New(cfg Config) (*Client, error) {
	if cfg.Primary == "" {
		return nil, fmt.Errorf("resilient client %q: primary endpoint is required", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewResilienceMetrics(nil)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	endpoints := make([]string, 0, 1+len(cfg.Fallbacks))
	endpoints = append(endpoints, cfg.Primary)
	for _, fb := range cfg.Fallbacks {
		if fb != "" && fb != cfg.Primary {
			endpoints = append(endpoints, fb)
		}
	}

	return &Client{
		name:        cfg.Name,
		endpoints:   endpoints,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		healthCheck: cfg.HealthCheck,
		logger:      cfg.Logger.With(zap.String("client", cfg.Name)),
		metrics:     cfg.Metrics,
		sleep:       sleepContext,
		random:      rand.Float64,
	}, nil
}

// Execute runs op against the current endpoint, retrying and failing over as
// needed. After a previous exhaustion the scan restarts from the primary.
func (c *Client) Execute(ctx context.Context, op Operation) error {
	return c.execute(ctx, c.startIndex(), op)
}

// ExecuteFromPrimary is Execute with the scan always starting at the primary,
// for endpoints that hold different data (a local node in front of public
// mirrors).
func (c *Client) ExecuteFromPrimary(ctx context.Context, op Operation) error {
	c.switchTo(0)
	return c.execute(ctx, 0, op)
}

func (c *Client) execute(ctx context.Context, start int, op Operation) error {
	var lastErr error
	for idx := start; idx < len(c.endpoints); idx++ {
		endpoint := c.endpoints[idx]
		if idx != start {
			c.switchTo(idx)
			c.metrics.Failovers.WithLabelValues(c.name).Inc()
			c.logger.Info("Failing over to next endpoint",
				zap.String("failed_endpoint", c.endpoints[idx-1]),
				zap.String("endpoint", endpoint))
		}

		if c.healthCheck != nil {
			if err := c.healthCheck(ctx, endpoint); err != nil {
				c.logger.Warn("Endpoint failed connectivity check",
					zap.String("endpoint", endpoint),
					zap.Error(err))
				lastErr = err
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
		}

		err := c.retryOperation(ctx, endpoint, op)
		if err == nil {
			c.markConnected()
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", c.name, ctx.Err())
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	c.markExhausted()
	c.metrics.Exhausted.WithLabelValues(c.name).Inc()
	c.logger.Warn("All endpoints exhausted", zap.Error(lastErr))
	return fmt.Errorf("%s: %w: %w", c.name, ErrExhausted, lastErr)
}

// retryOperation performs op with exponential backoff on a single endpoint
func (c *Client) retryOperation(ctx context.Context, endpoint string, op Operation) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.metrics.Attempts.WithLabelValues(c.name).Inc()
		err := op(ctx, endpoint)
		if err == nil {
			return nil
		}
		c.metrics.Failures.WithLabelValues(c.name).Inc()

		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		c.logger.Debug("Operation failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err))
	}

	return lastErr
}

// backoff returns retryDelay * 2^n, capped at maxDelay, plus uniform jitter.
func (c *Client) backoff(n int) time.Duration {
	delay := float64(c.retryDelay) * math.Pow(2, float64(n))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	delay += float64(c.jitter) * c.random()
	return time.Duration(delay)
}

func (c *Client) startIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		c.current = 0
	}
	return c.current
}

func (c *Client) switchTo(idx int) {
	c.mu.Lock()
	c.current = idx
	c.mu.Unlock()
}

func (c *Client) markConnected() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.metrics.Connected.WithLabelValues(c.name).Set(1)
}

func (c *Client) markExhausted() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.metrics.Connected.WithLabelValues(c.name).Set(0)
}

// EndpointSet returns a snapshot of the endpoint state.
func (c *Client) EndpointSet() EndpointSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	fallbacks := make([]string, len(c.endpoints)-1)
	copy(fallbacks, c.endpoints[1:])
	return EndpointSet{
		Primary:   c.endpoints[0],
		Fallbacks: fallbacks,
		Current:   c.endpoints[c.current],
		Connected: c.connected,
	}
}

// Current returns the endpoint the next Execute will try first if the client
// is still connected.
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[c.current]
}

func (c *Client) Name() string {
	return c.name
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying on this or any other endpoint.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable determines if an error should trigger a retry
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC error, consider it retryable
		return true
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal:
		return true
	case codes.Unknown:
		// Sometimes network errors come as Unknown
		return true
	default:
		// InvalidArgument, NotFound, PermissionDenied, etc.
		return false
	}
}
