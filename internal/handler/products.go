package handler

import (
	"net/http"
	"strconv"

	"farmlokal-api/internal/service"

	"github.com/rs/zerolog/log"
)

// ProductsHandler serves GET /products?limit=&cursor=.
type ProductsHandler struct {
	fetcher *service.Fetcher
}

func NewProductsHandler(f *service.Fetcher) *ProductsHandler {
	return &ProductsHandler{fetcher: f}
}

func (h *ProductsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// Missing or non-numeric limits fall through to the default page size.
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.fetcher.Fetch(r.Context(), limit, q.Get("cursor"))
	if err != nil {
		log.Error().Err(err).Msg("products listing failed")
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
