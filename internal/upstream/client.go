// Package upstream calls the external listing API ("API A") with bounded retries.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/service"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultRetries = 3
	DefaultBackoff = 300 * time.Millisecond

	maxBodyBytes = 8 << 20
)

// ErrUnavailable is returned once every attempt has failed or the breaker is open.
var ErrUnavailable = errors.New("external API unavailable")

// Credentials supplies the bearer token attached to each attempt.
type Credentials interface {
	Get(ctx context.Context) string
}

type Config struct {
	URL     string
	Timeout time.Duration // per attempt
	Retries int           // retries after the first attempt
	Backoff time.Duration // first retry delay, doubled each time
	RPS     float64       // outbound pacing; 0 disables
}

type Client struct {
	cfg     Config
	http    *http.Client
	creds   Credentials
	breaker *service.CircuitBreaker
	pacer   *rate.Limiter
	metrics *metrics.Registry
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, creds Credentials, breaker *service.CircuitBreaker, m *metrics.Registry) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		creds:   creds,
		breaker: breaker,
		pacer:   rate.NewLimiter(limit, 1),
		metrics: m,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerState exposes the breaker for status reporting.
func (c *Client) BreakerState() service.CircuitState {
	return c.breaker.State()
}

// FetchItems GETs the configured URL and decodes a JSON array. It makes up to
// 1+Retries attempts with doubling backoff between them.
func (c *Client) FetchItems(ctx context.Context) ([]json.RawMessage, error) {
	backoff := c.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			backoff *= 2
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var items []json.RawMessage
		err := c.breaker.Call(func() error {
			var err error
			items, err = c.attempt(ctx)
			return err
		})
		if err == nil {
			c.metrics.UpstreamAttempts.WithLabelValues("success").Inc()
			return items, nil
		}
		lastErr = err
		if errors.Is(err, service.ErrCircuitBreakerOpen) {
			c.metrics.UpstreamAttempts.WithLabelValues("rejected").Inc()
			break
		}
		c.metrics.UpstreamAttempts.WithLabelValues("failure").Inc()
		log.Warn().Err(err).Str("component", "upstream").Int("attempt", attempt+1).Msg("upstream attempt failed")
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) attempt(ctx context.Context) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		req.Header.Set("Authorization", "Bearer "+c.creds.Get(ctx))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	var items []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}
	return items, nil
}
