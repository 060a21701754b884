package service

import (
	"context"
	"time"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/repository"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCredentialLifetime = 60 * time.Second
	DefaultCredentialMargin   = 5 * time.Second

	credentialKey = "oauth:access_token"
)

// CredentialCache hands out a shared upstream credential. The cached copy expires a
// safety margin before the credential itself, and concurrent misses in one process
// share a single generation. Processes do not coordinate with each other, so two
// replicas missing at once may each generate; the last write wins.
type CredentialCache struct {
	store    repository.Store
	issuer   Issuer
	lifetime time.Duration
	margin   time.Duration
	metrics  *metrics.Registry

	group singleflight.Group
}

// NewCredentialCache constructs a CredentialCache. A non-positive lifetime selects 60s;
// a margin outside [0, lifetime) selects 5s (clamped below lifetime).
func NewCredentialCache(s repository.Store, iss Issuer, lifetime, margin time.Duration, m *metrics.Registry) *CredentialCache {
	if lifetime <= 0 {
		lifetime = DefaultCredentialLifetime
	}
	if margin < 0 || margin >= lifetime {
		margin = min(DefaultCredentialMargin, lifetime/2)
	}
	return &CredentialCache{store: s, issuer: iss, lifetime: lifetime, margin: margin, metrics: m}
}

// TTL is how long a generated credential stays cached.
func (c *CredentialCache) TTL() time.Duration {
	return c.lifetime - c.margin
}

// Get returns a usable credential. It never fails: store trouble only costs a generation.
func (c *CredentialCache) Get(ctx context.Context) string {
	if token, ok := c.cached(ctx); ok {
		return token
	}

	// The in-flight slot is released by singleflight once the callback returns, success or not.
	// Waiters share the leader's result; a canceled waiter does not cancel the generation.
	token, _, _ := c.group.Do(credentialKey, func() (any, error) {
		// A miss observed just before a previous flight finished must not start another
		// generation: that flight's credential is already cached.
		if token, ok := c.cached(ctx); ok {
			return token, nil
		}
		return c.generate(context.WithoutCancel(ctx)), nil
	})
	return token.(string)
}

func (c *CredentialCache) cached(ctx context.Context) (string, bool) {
	v, ok, err := c.store.Get(ctx, credentialKey)
	if err != nil {
		c.metrics.Degraded("credential", "get")
		log.Warn().Err(err).Str("component", "credential").Msg("cache read failed, generating credential")
		return "", false
	}
	if !ok || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

func (c *CredentialCache) generate(ctx context.Context) string {
	c.metrics.CredentialGenerations.Inc()

	token, err := c.issuer.Issue(ctx, c.lifetime)
	if err != nil || token == "" {
		log.Warn().Err(err).Str("component", "credential").Msg("issuer failed, using opaque credential")
		token = opaqueCredential(time.Now())
	}

	if err := c.store.Set(ctx, credentialKey, []byte(token), c.TTL()); err != nil {
		c.metrics.Degraded("credential", "set")
		log.Warn().Err(err).Str("component", "credential").Msg("credential not cached")
	}
	return token
}
