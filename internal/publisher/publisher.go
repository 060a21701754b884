// Package publisher forwards accepted webhook events to downstream consumers.
package publisher

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Message is one accepted inbound event.
type Message struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Log writes events to the structured log. Used when no topic is configured.
type Log struct{}

func (Log) Publish(_ context.Context, msg Message) error {
	log.Info().Str("event_id", msg.EventID).Str("event_type", msg.Type).
		RawJSON("payload", payloadOrNull(msg.Payload)).
		Msg("webhook received")
	return nil
}

func payloadOrNull(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}
