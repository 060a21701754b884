package service

import (
	"context"
	"time"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/repository"

	"github.com/rs/zerolog/log"
)

const (
	DefaultRateWindow      = 60 * time.Second
	DefaultRateMaxRequests = 100

	rateLimitKeyPrefix = "ratelimit:"
)

// Policy is the fixed-window admission configuration.
type Policy struct {
	Window      time.Duration
	MaxRequests int64
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the post-increment counter value; 0 when degraded.
	Count     int64
	Limit     int64
	Remaining int64
	// Degraded is set when the store could not be consulted and the request was let through.
	Degraded bool
}

// Limiter is a fixed-window admission controller keyed by client identity.
//
// Store failures fail open: the caller is admitted and the degradation is logged.
type Limiter struct {
	store   repository.Store
	policy  Policy
	metrics *metrics.Registry
}

// NewLimiter constructs a Limiter. Zero policy fields fall back to 60s / 100 requests.
func NewLimiter(s repository.Store, p Policy, m *metrics.Registry) *Limiter {
	if p.Window <= 0 {
		p.Window = DefaultRateWindow
	}
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultRateMaxRequests
	}
	return &Limiter{store: s, policy: p, metrics: m}
}

// Policy returns the effective policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Admit counts one request for clientKey and decides whether it may proceed.
// The increment always happens, including for requests that end up rejected.
func (l *Limiter) Admit(ctx context.Context, clientKey string) Decision {
	key := rateLimitKeyPrefix + clientKey

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.metrics.Degraded("ratelimit", "incr")
		log.Warn().Err(err).Str("component", "ratelimit").Str("key", key).
			Msg("rate limit store unavailable, allowing request")
		return Decision{Allowed: true, Limit: l.policy.MaxRequests, Remaining: l.policy.MaxRequests, Degraded: true}
	}

	// Only the first increment of a window arms the expiry, so later requests never extend it.
	// Two racing "first" requests both setting the same TTL is harmless.
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.policy.Window); err != nil {
			l.metrics.Degraded("ratelimit", "expire")
			log.Warn().Err(err).Str("component", "ratelimit").Str("key", key).
				Msg("failed to arm rate limit window")
		}
	}

	remaining := l.policy.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.policy.MaxRequests,
		Count:     count,
		Limit:     l.policy.MaxRequests,
		Remaining: remaining,
	}
}
