package handler

import (
	"context"
	"errors"
	"net/http"

	"farmlokal-api/internal/publisher"
	"farmlokal-api/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

const eventIDHeader = "X-Event-Id"

type webhookRequest struct {
	EventID string          `json:"-" validate:"required,max=256"`
	Type    string          `json:"type" validate:"required,max=128"`
	Payload json.RawMessage `json:"payload"`
}

// WebhookHandler accepts inbound provider events and processes each at most once.
type WebhookHandler struct {
	coord    *service.Coordinator
	pub      publisher.Publisher
	validate *validator.Validate
}

func NewWebhookHandler(c *service.Coordinator, p publisher.Publisher) *WebhookHandler {
	return &WebhookHandler{coord: c, pub: p, validate: validator.New()}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	req.EventID = r.Header.Get(eventIDHeader)
	if err := h.validate.Struct(req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}

	ev := service.Event{ID: req.EventID, Type: req.Type, Payload: []byte(req.Payload)}
	duplicate, err := h.coord.Process(r.Context(), ev, h.publish)
	switch {
	case service.IsClientError(err):
		writeMessage(w, http.StatusBadRequest, "Invalid webhook payload")
	case err != nil:
		writeMessage(w, http.StatusInternalServerError, "Webhook processing failed")
	case duplicate:
		writeMessage(w, http.StatusOK, "Duplicate event ignored")
	default:
		writeMessage(w, http.StatusOK, "Event processed")
	}
}

func (h *WebhookHandler) publish(ctx context.Context, ev service.Event) error {
	if h.pub == nil {
		return errors.New("no publisher configured")
	}
	return h.pub.Publish(ctx, publisher.Message{EventID: ev.ID, Type: ev.Type, Payload: []byte(ev.Payload)})
}
