package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/repository"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdempotencyTTL = time.Hour

	eventKeyPrefix = "webhook:event:"
)

// RecordState is the value stored under an event's idempotency key.
type RecordState string

const (
	StateProcessing RecordState = "processing"
	StateProcessed  RecordState = "processed"
)

// Outcome is the result of Begin.
type Outcome int

const (
	// LockAcquired means the caller owns the event and must call Complete or Abort exactly once.
	LockAcquired Outcome = iota
	// Duplicate means another worker owns or already handled the event.
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "lock_acquired"
}

// Event is an inbound webhook delivery.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects events without an id or a type. It never touches the store.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrInvalidEvent.Wrap(fmt.Errorf("missing event id"))
	}
	if e.Type == "" {
		return ErrInvalidEvent.Wrap(fmt.Errorf("missing event type"))
	}
	return nil
}

// EventHandler is the business logic run at most once per event while the store is reachable.
type EventHandler func(ctx context.Context, ev Event) error

// Coordinator guards at-most-once processing of inbound events with a
// create-if-absent record per event id: ABSENT -> PROCESSING -> PROCESSED, and
// PROCESSING -> ABSENT on handler failure so the sender's retry can re-acquire.
//
// The guarantee is only as strong as the shared store. When the store cannot be
// reached on Begin the coordinator fails open and processes the event, accepting
// possible duplicate processing across workers; it provides no exactly-once semantics.
type Coordinator struct {
	store   repository.Store
	ttl     time.Duration
	metrics *metrics.Registry
}

// NewCoordinator constructs a Coordinator; ttl <= 0 selects DefaultIdempotencyTTL.
func NewCoordinator(s repository.Store, ttl time.Duration, m *metrics.Registry) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Coordinator{store: s, ttl: ttl, metrics: m}
}

func eventKey(eventID string) string {
	return eventKeyPrefix + eventID
}

// Begin tries to take ownership of eventID.
func (c *Coordinator) Begin(ctx context.Context, eventID string) Outcome {
	key := eventKey(eventID)
	created, err := c.store.SetNX(ctx, key, []byte(StateProcessing), c.ttl)
	if err != nil {
		// No lock could be recorded: process anyway (best effort).
		c.metrics.Degraded("idempotency", "setnx")
		log.Warn().Err(err).Str("component", "idempotency").Str("event_id", eventID).
			Msg("store unavailable, processing event without idempotency lock")
		return LockAcquired
	}
	if !created {
		return Duplicate
	}
	return LockAcquired
}

// Complete marks an acquired event as processed. A store failure loses the marker, which
// is accepted: the event may look re-processable once the record expires or was never written.
func (c *Coordinator) Complete(ctx context.Context, eventID string) {
	if err := c.store.Set(ctx, eventKey(eventID), []byte(StateProcessed), c.ttl); err != nil {
		c.metrics.Degraded("idempotency", "complete")
		log.Warn().Err(err).Str("component", "idempotency").Str("event_id", eventID).
			Msg("failed to mark event processed")
	}
}

// Abort releases an acquired event so a retry can acquire it again. If the delete fails
// the stale record is left to expire on its own.
func (c *Coordinator) Abort(ctx context.Context, eventID string) {
	if err := c.Release(ctx, eventID); err != nil {
		log.Error().Err(err).Str("component", "idempotency").Str("event_id", eventID).
			Dur("expires_in", c.ttl).
			Msg("failed to release event lock, record will expire on its own")
	}
}

// Release deletes the record for eventID, reporting store failures to the caller.
func (c *Coordinator) Release(ctx context.Context, eventID string) error {
	if err := c.store.Del(ctx, eventKey(eventID)); err != nil {
		c.metrics.Degraded("idempotency", "release")
		return err
	}
	return nil
}

// State returns the stored record state for eventID, if any.
func (c *Coordinator) State(ctx context.Context, eventID string) (RecordState, bool, error) {
	v, ok, err := c.store.Get(ctx, eventKey(eventID))
	if err != nil || !ok {
		return "", false, err
	}
	return RecordState(v), true, nil
}

// Process runs handle for ev at most once per retention window.
//
// It reports duplicate=true without running handle when another worker owns or already
// handled the event. A handler error or panic aborts the lock and is returned as
// ErrHandlerFailed. Validation failures return ErrInvalidEvent before any store access.
func (c *Coordinator) Process(ctx context.Context, ev Event, handle EventHandler) (duplicate bool, err error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	if c.Begin(ctx, ev.ID) == Duplicate {
		c.metrics.Idempotency.WithLabelValues("duplicate").Inc()
		log.Info().Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("duplicate event ignored")
		return true, nil
	}
	c.metrics.Idempotency.WithLabelValues("acquired").Inc()

	defer func() {
		if r := recover(); r != nil {
			err = ErrHandlerFailed.Wrap(fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			c.metrics.Idempotency.WithLabelValues("aborted").Inc()
			log.Error().Err(err).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("event handler failed")
			// Release even if the request context is already gone.
			c.Abort(context.WithoutCancel(ctx), ev.ID)
		}
	}()

	if herr := handle(ctx, ev); herr != nil {
		return false, ErrHandlerFailed.Wrap(herr)
	}

	c.Complete(ctx, ev.ID)
	c.metrics.Idempotency.WithLabelValues("processed").Inc()
	return false, nil
}
