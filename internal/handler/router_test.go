package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"farmlokal-api/internal/catalog"
	"farmlokal-api/internal/metrics"
	"farmlokal-api/internal/publisher"
	"farmlokal-api/internal/repository"
	"farmlokal-api/internal/service"
	"farmlokal-api/internal/upstream"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []publisher.Message
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, msg publisher.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) setFail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

type testEnv struct {
	router   http.Handler
	store    repository.Store
	source   *catalog.MemorySource
	pub      *recordingPublisher
	upstream *httptest.Server
}

const testJWTSecret = "admin-secret"

// failingDelStore loses its connection for deletes only.
type failingDelStore struct {
	repository.Store
}

func (failingDelStore) Del(_ context.Context, key string) error {
	return &repository.UnavailableError{Op: "del", Key: key, Err: errors.New("i/o timeout")}
}

func newTestEnv(t *testing.T, maxRequests int64) *testEnv {
	return newTestEnvWithStore(t, maxRequests, repository.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, maxRequests int64, store repository.Store) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store,
		source: catalog.NewMemorySource(),
		pub:    &recordingPublisher{},
	}
	for i := int64(1); i <= 5; i++ {
		env.source.Add(catalog.Product{ID: i, Name: "p", Price: 1, Quantity: 1, CreatedAt: fmt.Sprintf("2024-05-%02d 00:00:00", i), Farmer: "f@example.com"})
	}

	env.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1},{"id":2},{"id":3}]`))
	}))
	t.Cleanup(env.upstream.Close)

	m := metrics.NewRegistry()
	creds := service.NewCredentialCache(env.store, service.NewSignedIssuer([]byte("k"), "farmlokal"), time.Minute, 5*time.Second, m)
	env.router = NewRouter(Deps{
		Store:        env.store,
		StoreBackend: "memory",
		Metrics:      m,
		Limiter:      service.NewLimiter(env.store, service.Policy{Window: time.Minute, MaxRequests: maxRequests}, m),
		Coordinator:  service.NewCoordinator(env.store, time.Hour, m),
		Fetcher:      service.NewFetcher(env.store, env.source, service.PageConfig{}, m),
		Credentials:  creds,
		Upstream: upstream.NewClient(upstream.Config{URL: env.upstream.URL, Timeout: time.Second, Retries: 0},
			creds, service.NewCircuitBreaker(5, 1, time.Minute), m),
		Publisher: env.pub,
		JWTSecret: []byte(testJWTSecret),
		JWTIssuer: "farmlokal",
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestWebhookIdempotency(t *testing.T) {
	env := newTestEnv(t, 100)
	body := `{"type":"order.created","payload":{"order":1}}`
	hdr := map[string]string{"X-Event-Id": "evt-1", "Content-Type": "application/json"}

	w := env.do(t, http.MethodPost, "/webhook/external", body, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Event processed", decode[messageResponse](t, w).Message)

	w = env.do(t, http.MethodPost, "/webhook/external", body, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Duplicate event ignored", decode[messageResponse](t, w).Message)

	require.Len(t, env.pub.msgs, 1)
	assert.Equal(t, "evt-1", env.pub.msgs[0].EventID)
	assert.JSONEq(t, `{"order":1}`, string(env.pub.msgs[0].Payload))
}

func TestWebhookRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, 100)

	tests := []struct {
		name    string
		body    string
		eventID string
	}{
		{"missing event id", `{"type":"order.created"}`, ""},
		{"missing type", `{"payload":{}}`, "evt-1"},
		{"malformed body", `{"type":`, "evt-1"},
		{"empty body", ``, "evt-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tt.eventID != "" {
				hdr["X-Event-Id"] = tt.eventID
			}
			w := env.do(t, http.MethodPost, "/webhook/external", tt.body, hdr)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "Invalid webhook payload", decode[messageResponse](t, w).Message)
		})
	}
	// Nothing was locked.
	_, ok, err := env.store.Get(context.Background(), "webhook:event:evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWebhookFailureAllowsRetry(t *testing.T) {
	env := newTestEnv(t, 100)
	body := `{"type":"order.created"}`
	hdr := map[string]string{"X-Event-Id": "evt-9"}

	env.pub.setFail(errors.New("sns throttled"))
	w := env.do(t, http.MethodPost, "/webhook/external", body, hdr)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Webhook processing failed", decode[messageResponse](t, w).Message)

	env.pub.setFail(nil)
	w = env.do(t, http.MethodPost, "/webhook/external", body, hdr)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Event processed", decode[messageResponse](t, w).Message)
}

type pageResponse struct {
	Items []catalog.Product `json:"items"`
	Next  *string           `json:"nextCursor"`
}

func TestProductsPagination(t *testing.T) {
	env := newTestEnv(t, 100)

	w := env.do(t, http.MethodGet, "/products?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[pageResponse](t, w)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Items[0].ID)
	require.NotNil(t, page.Next)

	w = env.do(t, http.MethodGet, "/products?limit=2&cursor="+url.QueryEscape(*page.Next), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[pageResponse](t, w)
	assert.Equal(t, int64(3), page.Items[0].ID)

	// Non-numeric limit falls back to the default page size.
	w = env.do(t, http.MethodGet, "/products?limit=abc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[pageResponse](t, w)
	assert.Len(t, page.Items, 5)
	assert.Nil(t, page.Next)
	assert.Contains(t, w.Body.String(), `"nextCursor":null`)
}

func TestOAuthToken(t *testing.T) {
	env := newTestEnv(t, 100)

	first := decode[map[string]string](t, env.do(t, http.MethodGet, "/oauth-token", "", nil))["token"]
	second := decode[map[string]string](t, env.do(t, http.MethodGet, "/oauth-token", "", nil))["token"]
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestExternalAPI(t *testing.T) {
	env := newTestEnv(t, 100)

	w := env.do(t, http.MethodGet, "/external/a", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[map[string]int](t, w)["count"])
}

func TestExternalAPIUnavailable(t *testing.T) {
	env := newTestEnv(t, 100)
	m := metrics.NewRegistry()
	env.router = NewRouter(Deps{
		Store:       env.store,
		Metrics:     m,
		Limiter:     service.NewLimiter(env.store, service.Policy{}, m),
		Coordinator: service.NewCoordinator(env.store, 0, m),
		Fetcher:     service.NewFetcher(env.store, env.source, service.PageConfig{}, m),
		Credentials: service.NewCredentialCache(env.store, service.NewSignedIssuer([]byte("k"), ""), 0, 0, m),
		Upstream: upstream.NewClient(upstream.Config{URL: env.upstream.URL + "/down", Retries: 0}, nil,
			service.NewCircuitBreaker(5, 1, time.Minute), m),
	})

	w := env.do(t, http.MethodGet, "/external/a", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "External API unavailable", decode[messageResponse](t, w).Message)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/", "", nil).Code)

	w := env.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[ReadinessResponse](t, w).Store)

	w = env.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[map[string]any](t, w)
	assert.Equal(t, "memory", status["store_backend"])
	assert.Equal(t, "closed", status["upstream_circuit"])

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "farmlokal_requests_total")
}

func TestReadinessStoreDown(t *testing.T) {
	h := NewHealthHandler(downPinger{}, "redis", nil)
	w := httptest.NewRecorder()
	h.Readiness(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimitApplies(t *testing.T) {
	env := newTestEnv(t, 2)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil).Code)
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  "ops@example.com",
		"role": role,
		"iss":  "farmlokal",
		"exp":  time.Now().Add(time.Minute).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}

func TestAdminEvents(t *testing.T) {
	env := newTestEnv(t, 100)
	admin := map[string]string{"Authorization": "Bearer " + adminToken(t, "admin")}
	operator := map[string]string{"Authorization": "Bearer " + adminToken(t, "operator")}

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/admin/events/evt-1", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/admin/events/evt-1", "", admin).Code)

	// A stuck lock, as left by a crashed worker.
	_, err := env.store.SetNX(context.Background(), "webhook:event:evt-1", []byte("processing"), time.Hour)
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/admin/events/evt-1", "", operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processing", decode[map[string]string](t, w)["state"])

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/admin/events/evt-1", "", operator).Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/admin/events/evt-1", "", admin).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/admin/events/evt-1", "", admin).Code)

	// The sender's retry now goes through.
	w = env.do(t, http.MethodPost, "/webhook/external", `{"type":"order.created"}`, map[string]string{"X-Event-Id": "evt-1"})
	assert.Equal(t, "Event processed", decode[messageResponse](t, w).Message)

	// A release that never reached the store is reported, and the lock stays.
	down := newTestEnvWithStore(t, 100, failingDelStore{Store: repository.NewMemoryStore()})
	_, err = down.store.SetNX(context.Background(), "webhook:event:evt-2", []byte("processing"), time.Hour)
	require.NoError(t, err)
	w = down.do(t, http.MethodDelete, "/admin/events/evt-2", "", admin)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store unavailable", decode[messageResponse](t, w).Message)
	w = down.do(t, http.MethodGet, "/admin/events/evt-2", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processing", decode[map[string]string](t, w)["state"])
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	m := metrics.NewRegistry()
	store := repository.NewMemoryStore()
	r := NewRouter(Deps{
		Store:       store,
		Metrics:     m,
		Limiter:     service.NewLimiter(store, service.Policy{}, m),
		Coordinator: service.NewCoordinator(store, 0, m),
		Fetcher:     service.NewFetcher(store, catalog.NewMemorySource(), service.PageConfig{}, m),
		Credentials: service.NewCredentialCache(store, service.NewSignedIssuer([]byte("k"), ""), 0, 0, m),
		Publisher:   publisher.Log{},
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/events/evt-1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
