package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's collectors on a private prometheus registry, so several
// instances (one per test) never collide on registration.
type Registry struct {
	reg *prometheus.Registry

	Requests              prometheus.Counter
	RateLimited           prometheus.Counter
	StoreDegraded         *prometheus.CounterVec
	Idempotency           *prometheus.CounterVec
	PageCache             *prometheus.CounterVec
	CredentialGenerations prometheus.Counter
	UpstreamAttempts      *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmlokal_requests_total",
			Help: "Total requests received",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmlokal_rate_limited_total",
			Help: "Total rate limited responses",
		}),
		StoreDegraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmlokal_store_degraded_total",
			Help: "Store calls that failed and were absorbed by a component's degrade path",
		}, []string{"component", "op"}),
		Idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmlokal_idempotency_events_total",
			Help: "Inbound event outcomes by idempotency state",
		}, []string{"outcome"}),
		PageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmlokal_page_cache_lookups_total",
			Help: "Page cache lookups by result",
		}, []string{"result"}),
		CredentialGenerations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "farmlokal_credential_generations_total",
			Help: "Credentials generated after a cache miss",
		}),
		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "farmlokal_upstream_attempts_total",
			Help: "Upstream API attempts by result",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.Requests,
		r.RateLimited,
		r.StoreDegraded,
		r.Idempotency,
		r.PageCache,
		r.CredentialGenerations,
		r.UpstreamAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Degraded records a store failure absorbed by component.
func (r *Registry) Degraded(component, op string) {
	r.StoreDegraded.WithLabelValues(component, op).Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
