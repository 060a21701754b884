package handler

import (
	"net/http"

	"farmlokal-api/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// AdminHandler lets operators inspect and release webhook idempotency records,
// e.g. a "processing" lock left behind by a crashed worker.
type AdminHandler struct {
	coord *service.Coordinator
}

func NewAdminHandler(c *service.Coordinator) *AdminHandler {
	return &AdminHandler{coord: c}
}

type eventStateResponse struct {
	EventID string              `json:"event_id"`
	State   service.RecordState `json:"state"`
}

// Routes mounts GET and DELETE /{eventID}.
func (a *AdminHandler) Routes(r chi.Router) {
	r.Get("/{eventID}", a.GetEvent)
	r.Delete("/{eventID}", a.ReleaseEvent)
}

func (a *AdminHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	state, ok, err := a.coord.State(r.Context(), id)
	if err != nil {
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if !ok {
		writeMessage(w, http.StatusNotFound, "no record for event")
		return
	}
	writeJSON(w, http.StatusOK, eventStateResponse{EventID: id, State: state})
}

func (a *AdminHandler) ReleaseEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "eventID")
	logger := log.With().Str("event_id", id).Str("user", r.Header.Get("X-User-ID")).Logger()
	if err := a.coord.Release(r.Context(), id); err != nil {
		logger.Error().Err(err).Msg("failed to release event record")
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	logger.Info().Msg("released event record")
	w.WriteHeader(http.StatusNoContent)
}
