package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type post struct {
	UserID int    `json:"userId"`
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Mock of the external listing API for local runs. FAILURE_RATE (0..1) makes
// /posts answer 503 at random to exercise retries and the circuit breaker.
func main() {
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	failureRate, _ := strconv.ParseFloat(os.Getenv("FAILURE_RATE"), 64)

	posts := make([]post, 100)
	for i := range posts {
		posts[i] = post{UserID: i/10 + 1, ID: i + 1, Title: fmt.Sprintf("post %d", i+1), Body: "lorem ipsum"}
	}

	r := chi.NewRouter()
	r.Get("/posts", func(w http.ResponseWriter, r *http.Request) {
		// Simulate processing time
		time.Sleep(50 * time.Millisecond)
		if rand.Float64() < failureRate {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(posts)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"healthy"}`)
	})

	log.Info().Str("addr", addr).Msg("mock upstream listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
