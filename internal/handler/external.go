package handler

import (
	"net/http"

	"farmlokal-api/internal/service"
	"farmlokal-api/internal/upstream"

	"github.com/rs/zerolog/log"
)

// TokenHandler serves GET /oauth-token.
func TokenHandler(c *service.CredentialCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": c.Get(r.Context())})
	}
}

// ExternalHandler serves GET /external/a: the number of items the upstream API returned.
func ExternalHandler(c *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := c.FetchItems(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("external API call failed")
			writeMessage(w, http.StatusServiceUnavailable, "External API unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": len(items)})
	}
}
